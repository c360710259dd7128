package retrieve

import (
	"regexp"
	"sort"
	"strings"
)

// fuseRRF merges ranked lists with reciprocal rank fusion: each hit scores
// the sum of 1/(k0+rank) over the lists it appears in, rank counted from 1.
// Ties keep first-appearance order, earlier lists first.
func fuseRRF(lists [][]Hit, k0 int) []Hit {
	if k0 < 1 {
		k0 = 60
	}

	type fused struct {
		hit   Hit
		score float64
		order int
	}
	type key struct {
		doc int64
		idx int
	}

	byKey := make(map[key]*fused)
	var keys []key
	for _, list := range lists {
		for rank, hit := range list {
			id := key{doc: hit.DocumentID, idx: hit.ChunkIndex}
			f, ok := byKey[id]
			if !ok {
				f = &fused{hit: hit, order: len(keys)}
				byKey[id] = f
				keys = append(keys, id)
			}
			f.score += 1 / float64(k0+rank+1)
		}
	}

	out := make([]Hit, 0, len(keys))
	sort.Slice(keys, func(i, j int) bool {
		a, b := byKey[keys[i]], byKey[keys[j]]
		if a.score != b.score {
			return a.score > b.score
		}
		return a.order < b.order
	})
	for _, id := range keys {
		out = append(out, byKey[id].hit)
	}
	return out
}

// mmrSelect reranks hits with maximal marginal relevance: each round picks
// the candidate maximizing lambda*relevance - (1-lambda)*similarity to the
// already selected set. Similarity is token Jaccard over content, which is
// backend-neutral.
func mmrSelect(hits []Hit, k int, lambda float64) []Hit {
	if len(hits) <= k {
		return hits
	}
	if lambda <= 0 || lambda > 1 {
		lambda = 0.5
	}

	tokens := make([]map[string]struct{}, len(hits))
	for i, h := range hits {
		tokens[i] = tokenSet(h.Content)
	}

	selected := make([]int, 0, k)
	remaining := make([]int, len(hits))
	for i := range hits {
		remaining[i] = i
	}

	for len(selected) < k && len(remaining) > 0 {
		bestPos, bestScore := -1, 0.0
		for pos, i := range remaining {
			rel := 1 - hits[i].Distance
			maxSim := 0.0
			for _, j := range selected {
				if sim := jaccard(tokens[i], tokens[j]); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*rel - (1-lambda)*maxSim
			if bestPos < 0 || score > bestScore {
				bestPos, bestScore = pos, score
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	out := make([]Hit, len(selected))
	for n, i := range selected {
		out[n] = hits[i]
	}
	return out
}

var tokenPattern = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
