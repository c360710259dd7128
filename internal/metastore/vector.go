package metastore

import (
	"fmt"
	"strconv"
	"strings"
)

// vectorToString renders a pgvector literal: [0.1,0.2,...].
func vectorToString(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// stringToVector parses a pgvector literal back into a slice.
func stringToVector(str string) ([]float32, error) {
	str = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(str), "["), "]")
	if str == "" {
		return nil, nil
	}
	parts := strings.Split(str, ",")
	vec := make([]float32, 0, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing vector component %d: %w", i, err)
		}
		vec = append(vec, float32(v))
	}
	return vec, nil
}
