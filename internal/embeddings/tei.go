package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
)

// teiProvider talks to one TEI instance for text embeddings and optionally
// a second one for image-caption embeddings.
type teiProvider struct {
	cfg      config.EmbeddingsConfig
	client   *http.Client
	dim      int
	imageDim int
}

var _ Provider = (*teiProvider)(nil)

func newTEIProvider(cfg config.EmbeddingsConfig) (*teiProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "embeddings config")
	}
	p := &teiProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		dim:    detectDimension(cfg.Model),
	}
	if cfg.ImageBaseURL != "" {
		p.imageDim = detectDimension(cfg.ImageModel)
	}
	return p, nil
}

// teiRequest is the body for the TEI /embed endpoint. Inputs is a string
// for single queries and a []string for batches.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

func (p *teiProvider) embed(ctx context.Context, baseURL string, inputs interface{}) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "marshaling embed request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "creating embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.DeadlineExceeded, err, "embedding request")
		}
		return nil, apperr.Wrap(apperr.Transient, err, "embedding request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := apperr.Internal
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = apperr.Transient
		}
		return nil, apperr.E(kind, "embedding service status %d: %s", resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decoding embed response")
	}
	return vectors, nil
}

// EmbedDocuments embeds texts in batches of the configured size.
func (p *teiProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperr.E(apperr.Validation, "texts cannot be empty")
	}
	start := time.Now()
	out := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += p.cfg.BatchSize {
		hi := lo + p.cfg.BatchSize
		if hi > len(texts) {
			hi = len(texts)
		}
		vectors, err := p.embed(ctx, p.cfg.BaseURL, texts[lo:hi])
		if err != nil {
			recordGeneration(p.cfg.Model, "embed_documents", time.Since(start), hi-lo, err)
			return nil, err
		}
		if len(vectors) != hi-lo {
			err := apperr.E(apperr.Internal, "embedding count mismatch: sent %d, got %d", hi-lo, len(vectors))
			recordGeneration(p.cfg.Model, "embed_documents", time.Since(start), hi-lo, err)
			return nil, err
		}
		out = append(out, vectors...)
	}
	recordGeneration(p.cfg.Model, "embed_documents", time.Since(start), len(texts), nil)
	return out, nil
}

// EmbedQuery embeds a single query string.
func (p *teiProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, apperr.E(apperr.Validation, "text cannot be empty")
	}
	start := time.Now()
	vectors, err := p.embed(ctx, p.cfg.BaseURL, text)
	recordGeneration(p.cfg.Model, "embed_query", time.Since(start), 1, err)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.E(apperr.Internal, "empty embedding response")
	}
	return vectors[0], nil
}

// EmbedImageText embeds an image caption against the image-space model.
func (p *teiProvider) EmbedImageText(ctx context.Context, text string) ([]float32, error) {
	if p.cfg.ImageBaseURL == "" {
		return nil, apperr.E(apperr.Unsupported, "image embeddings not configured")
	}
	if text == "" {
		return nil, apperr.E(apperr.Validation, "text cannot be empty")
	}
	start := time.Now()
	vectors, err := p.embed(ctx, p.cfg.ImageBaseURL, text)
	recordGeneration(p.cfg.ImageModel, "embed_image_text", time.Since(start), 1, err)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.E(apperr.Internal, "empty embedding response")
	}
	return vectors[0], nil
}

func (p *teiProvider) Dimension() int      { return p.dim }
func (p *teiProvider) ImageDimension() int { return p.imageDim }

// Close is a no-op; the provider holds no persistent connections.
func (p *teiProvider) Close() error { return nil }
