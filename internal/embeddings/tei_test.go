package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
)

func teiServer(t *testing.T, dim int, fail int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if fail != 0 {
			w.WriteHeader(fail)
			return
		}
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var count int
		switch inputs := req.Inputs.(type) {
		case string:
			count = 1
		case []interface{}:
			count = len(inputs)
		}
		vectors := make([][]float32, count)
		for i := range vectors {
			vectors[i] = make([]float32, dim)
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func teiConfig(baseURL string, batch int) config.EmbeddingsConfig {
	return config.EmbeddingsConfig{
		Provider:  "tei",
		BaseURL:   baseURL,
		Model:     "BAAI/bge-small-en-v1.5",
		BatchSize: batch,
	}
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider(config.EmbeddingsConfig{Provider: "bogus"})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestDetectDimension(t *testing.T) {
	assert.Equal(t, 384, detectDimension("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 768, detectDimension("bge-base-en"))
	assert.Equal(t, 1024, detectDimension("bge-large-en"))
	assert.Equal(t, 512, detectDimension("openai/clip-vit-base-patch32"))
	assert.Equal(t, 384, detectDimension("mystery-model"))
}

func TestEmbedDocumentsBatches(t *testing.T) {
	srv, calls := teiServer(t, 4, 0)
	p, err := NewProvider(teiConfig(srv.URL, 2))
	require.NoError(t, err)

	vectors, err := p.EmbedDocuments(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
	assert.Len(t, vectors[0], 4)
	assert.Equal(t, 3, *calls, "5 texts at batch size 2 is 3 requests")
}

func TestEmbedQuery(t *testing.T) {
	srv, _ := teiServer(t, 4, 0)
	p, err := NewProvider(teiConfig(srv.URL, 64))
	require.NoError(t, err)

	vec, err := p.EmbedQuery(context.Background(), "what is raft")
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	_, err = p.EmbedQuery(context.Background(), "")
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestEmbedServerErrorIsTransient(t *testing.T) {
	srv, _ := teiServer(t, 4, http.StatusServiceUnavailable)
	p, err := NewProvider(teiConfig(srv.URL, 64))
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "q")
	assert.True(t, apperr.Is(err, apperr.Transient))
}

func TestEmbedImageTextUnconfigured(t *testing.T) {
	srv, _ := teiServer(t, 4, 0)
	p, err := NewProvider(teiConfig(srv.URL, 64))
	require.NoError(t, err)

	_, err = p.EmbedImageText(context.Background(), "a cat")
	assert.True(t, apperr.Is(err, apperr.Unsupported))
}

func TestEmbedImageTextSeparateEndpoint(t *testing.T) {
	textSrv, textCalls := teiServer(t, 4, 0)
	imgSrv, imgCalls := teiServer(t, 8, 0)

	cfg := teiConfig(textSrv.URL, 64)
	cfg.ImageBaseURL = imgSrv.URL
	cfg.ImageModel = "openai/clip-vit-base-patch32"
	p, err := NewProvider(cfg)
	require.NoError(t, err)

	vec, err := p.EmbedImageText(context.Background(), "landscape photo")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, 0, *textCalls)
	assert.Equal(t, 1, *imgCalls)
	assert.Equal(t, 512, p.ImageDimension())
}

func TestFakeDeterminism(t *testing.T) {
	f := NewFake(8, 4)

	a1, err := f.EmbedQuery(context.Background(), "alpha")
	require.NoError(t, err)
	a2, err := f.EmbedQuery(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := f.EmbedQuery(context.Background(), "beta")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
