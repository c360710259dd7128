// Package embeddings provides text and image-text embedding generation via
// a TEI (text-embeddings-inference) service.
package embeddings

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
)

// Provider generates embeddings for documents, queries, and image captions.
type Provider interface {
	// EmbedDocuments embeds a batch of chunk texts, one vector per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedImageText embeds an image caption into the image vector space.
	EmbedImageText(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the text embedding dimension.
	Dimension() int
	// ImageDimension returns the image embedding dimension.
	ImageDimension() int
	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates an embedding provider from configuration.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	switch cfg.Provider {
	case "tei":
		return newTEIProvider(cfg)
	default:
		return nil, apperr.E(apperr.Validation, "unknown embeddings provider %q", cfg.Provider)
	}
}

// detectDimension returns the embedding dimension for a model name.
// Falls back to 384, the bge-small default.
func detectDimension(model string) int {
	switch {
	case strings.Contains(model, "clip"):
		return 512
	case strings.Contains(model, "base"):
		return 768
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "small"), strings.Contains(model, "mini"):
		return 384
	default:
		return 384
	}
}
