package embeddings

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// Fake is a deterministic in-process provider for tests. Equal inputs
// produce equal unit-length vectors; different inputs almost surely differ.
type Fake struct {
	Dim      int
	ImageDim int
}

var _ Provider = (*Fake)(nil)

// NewFake returns a fake provider with the given dimensions.
func NewFake(dim, imageDim int) *Fake {
	return &Fake{Dim: dim, ImageDim: imageDim}
}

func fakeVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		_, _ = h.Write([]byte{byte(i), byte(i >> 8)})
		v := float64(h.Sum64()%2000)/1000 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func (f *Fake) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperr.E(apperr.Validation, "texts cannot be empty")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = fakeVector(t, f.Dim)
	}
	return out, nil
}

func (f *Fake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, apperr.E(apperr.Validation, "text cannot be empty")
	}
	return fakeVector(text, f.Dim), nil
}

func (f *Fake) EmbedImageText(_ context.Context, text string) ([]float32, error) {
	if f.ImageDim <= 0 {
		return nil, apperr.E(apperr.Unsupported, "image embeddings not configured")
	}
	if text == "" {
		return nil, apperr.E(apperr.Validation, "text cannot be empty")
	}
	return fakeVector(text, f.ImageDim), nil
}

func (f *Fake) Dimension() int      { return f.Dim }
func (f *Fake) ImageDimension() int { return f.ImageDim }
func (f *Fake) Close() error        { return nil }
