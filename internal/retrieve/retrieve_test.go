package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/cache"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/searchindex"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

type fakeIndexSearch struct {
	knn      []searchindex.Hit
	knnErr   error
	lexical  []searchindex.Hit
	lexErr   error
	images   []searchindex.ImageHit
	knnCalls int
	lexCalls int
}

func (f *fakeIndexSearch) KNN(context.Context, []float32, int) ([]searchindex.Hit, error) {
	f.knnCalls++
	return f.knn, f.knnErr
}

func (f *fakeIndexSearch) Lexical(context.Context, string, int) ([]searchindex.Hit, error) {
	f.lexCalls++
	return f.lexical, f.lexErr
}

func (f *fakeIndexSearch) KNNImages(context.Context, []float32, int) ([]searchindex.ImageHit, error) {
	return f.images, nil
}

type fakeMetaSearch struct {
	semantic []metastore.ChunkHit
	lexical  []metastore.ChunkHit
	images   []metastore.ImageHit
}

func (f *fakeMetaSearch) SemanticSearch(context.Context, []float32, int) ([]metastore.ChunkHit, error) {
	return f.semantic, nil
}

func (f *fakeMetaSearch) LexicalSearch(context.Context, string, int) ([]metastore.ChunkHit, error) {
	return f.lexical, nil
}

func (f *fakeMetaSearch) SearchImages(context.Context, []float32, int) ([]metastore.ImageHit, error) {
	return f.images, nil
}

func retrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{DefaultK: 5, RRFK: 60}
}

func scopedCtx() context.Context {
	return tenant.NewContext(context.Background(), &tenant.Info{UserID: 7, SpaceID: 3, Email: "u@example.com"})
}

func indexHit(doc int64, score float64) searchindex.Hit {
	return searchindex.Hit{
		ChunkID:    doc * 1_000_000,
		DocumentID: doc,
		Content:    "content",
		Score:      score,
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)

	m, err = ParseMode("semantic")
	require.NoError(t, err)
	assert.Equal(t, ModeSemantic, m)

	m, err = ParseMode("fulltext")
	require.NoError(t, err)
	assert.Equal(t, ModeLexical, m)

	_, err = ParseMode("fuzzy")
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestFuseRRFOrder(t *testing.T) {
	a := Hit{DocumentID: 1, Content: "A"}
	b := Hit{DocumentID: 2, Content: "B"}
	c := Hit{DocumentID: 3, Content: "C"}
	d := Hit{DocumentID: 4, Content: "D"}

	fused := fuseRRF([][]Hit{{a, b, c}, {c, a, d}}, 60)

	got := make([]string, len(fused))
	for i, h := range fused {
		got[i] = h.Content
	}
	assert.Equal(t, []string{"A", "C", "B", "D"}, got)
}

func TestFuseRRFTieKeepsFirstAppearance(t *testing.T) {
	a := Hit{DocumentID: 1, Content: "A"}
	b := Hit{DocumentID: 2, Content: "B"}

	// Same single-list rank for both, so identical scores.
	fused := fuseRRF([][]Hit{{a}, {b}}, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "A", fused[0].Content)
	assert.Equal(t, "B", fused[1].Content)
}

func TestSearchHybridIndexBackend(t *testing.T) {
	idx := &fakeIndexSearch{
		knn:     []searchindex.Hit{indexHit(1, 1.0), indexHit(2, 0.8), indexHit(3, 0.5)},
		lexical: []searchindex.Hit{indexHit(3, 1.0), indexHit(1, 0.7), indexHit(4, 0.2)},
	}
	r := New(nil, idx, embeddings.NewFake(8, 4), nil, "searchindex", retrievalConfig(), nil)

	hits, err := r.Search(scopedCtx(), "queue durability", ModeHybrid, 4)
	require.NoError(t, err)
	require.Len(t, hits, 4)

	docs := make([]int64, len(hits))
	for i, h := range hits {
		docs[i] = h.DocumentID
	}
	assert.Equal(t, []int64{1, 3, 2, 4}, docs)
	// Score 1.0 maps to distance 0.
	assert.Equal(t, 0.0, hits[0].Distance)
}

func TestSearchSemanticFallsBackToLexical(t *testing.T) {
	idx := &fakeIndexSearch{
		knnErr:  apperr.E(apperr.Transient, "vector store unavailable"),
		lexical: []searchindex.Hit{indexHit(9, 0.9)},
	}
	r := New(nil, idx, embeddings.NewFake(8, 4), nil, "searchindex", retrievalConfig(), nil)

	hits, err := r.Search(scopedCtx(), "fallback path", ModeSemantic, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(9), hits[0].DocumentID)
	assert.Equal(t, 1, idx.knnCalls)
	assert.Equal(t, 1, idx.lexCalls)
}

func TestSearchSemanticPermanentErrorPropagates(t *testing.T) {
	idx := &fakeIndexSearch{knnErr: apperr.E(apperr.Internal, "bad request")}
	r := New(nil, idx, embeddings.NewFake(8, 4), nil, "searchindex", retrievalConfig(), nil)

	_, err := r.Search(scopedCtx(), "q", ModeSemantic, 3)
	assert.True(t, apperr.Is(err, apperr.Internal))
	assert.Equal(t, 0, idx.lexCalls)
}

func TestSearchFailsClosedWithoutTenant(t *testing.T) {
	r := New(nil, &fakeIndexSearch{}, embeddings.NewFake(8, 4), nil, "searchindex", retrievalConfig(), nil)
	_, err := r.Search(context.Background(), "q", ModeHybrid, 3)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestSearchEmptyQuery(t *testing.T) {
	r := New(nil, &fakeIndexSearch{}, embeddings.NewFake(8, 4), nil, "searchindex", retrievalConfig(), nil)
	_, err := r.Search(scopedCtx(), "  ", ModeHybrid, 3)
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestSearchMetastoreBackend(t *testing.T) {
	meta := &fakeMetaSearch{
		semantic: []metastore.ChunkHit{
			{ChunkID: 11, DocumentID: 1, Content: "close", Distance: 0.1},
		},
		lexical: []metastore.ChunkHit{
			{ChunkID: 12, DocumentID: 2, ChunkIndex: 1, Content: "ranked", Rank: 3},
		},
	}
	r := New(meta, nil, embeddings.NewFake(8, 4), nil, "metastore", retrievalConfig(), nil)

	hits, err := r.Search(scopedCtx(), "q", ModeSemantic, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0.1, hits[0].Distance)

	hits, err = r.Search(scopedCtx(), "q", ModeLexical, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0.25, hits[0].Distance, 1e-9)
}

func TestSearchCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), config.RedisConfig{
		Addr:             mr.Addr(),
		SearchTTL:        config.Duration(300 * time.Second),
		SynthesisTTL:     config.Duration(900 * time.Second),
		BreakerThreshold: 5,
		BreakerCooldown:  config.Duration(30 * time.Second),
	}, nil)

	idx := &fakeIndexSearch{knn: []searchindex.Hit{indexHit(1, 1.0)}}
	r := New(nil, idx, embeddings.NewFake(8, 4), c, "searchindex", retrievalConfig(), nil)
	ctx := scopedCtx()

	first, err := r.Search(ctx, "Durable Queues", ModeSemantic, 3)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Backend now answers differently; the cached entry must win.
	idx.knn = []searchindex.Hit{indexHit(2, 1.0)}
	second, err := r.Search(ctx, "durable   queues", ModeSemantic, 3)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(1), second[0].DocumentID)

	// Bumping the revision orphans the entry.
	c.BumpRevision(ctx, cache.KindSemantic)
	third, err := r.Search(ctx, "durable queues", ModeSemantic, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), third[0].DocumentID)
}

func TestSearchCacheIsolatedByTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), config.RedisConfig{
		Addr:             mr.Addr(),
		SearchTTL:        config.Duration(300 * time.Second),
		SynthesisTTL:     config.Duration(900 * time.Second),
		BreakerThreshold: 5,
		BreakerCooldown:  config.Duration(30 * time.Second),
	}, nil)

	idx := &fakeIndexSearch{knn: []searchindex.Hit{indexHit(1, 1.0)}}
	r := New(nil, idx, embeddings.NewFake(8, 4), c, "searchindex", retrievalConfig(), nil)

	_, err := r.Search(scopedCtx(), "q", ModeSemantic, 3)
	require.NoError(t, err)

	idx.knn = []searchindex.Hit{indexHit(2, 1.0)}
	other := tenant.NewContext(context.Background(), &tenant.Info{UserID: 99, SpaceID: 1, Email: "x@example.com"})
	hits, err := r.Search(other, "q", ModeSemantic, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits[0].DocumentID, "another tenant must not see a cached entry")
}

func TestMMRSelectPrefersDiverseContent(t *testing.T) {
	hits := []Hit{
		{DocumentID: 1, Content: "raft leader election timeout follower", Distance: 0.0},
		{DocumentID: 2, Content: "raft leader election timeout follower candidate", Distance: 0.05},
		{DocumentID: 3, Content: "payment gateway retries idempotency keys", Distance: 0.3},
	}
	out := mmrSelect(hits, 2, 0.5)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].DocumentID)
	assert.Equal(t, int64(3), out[1].DocumentID, "near-duplicate of the first hit should lose to distinct content")
}

func TestSearchImagesIndexBackend(t *testing.T) {
	idx := &fakeIndexSearch{images: []searchindex.ImageHit{
		{AssetID: 1, DocumentID: 5, Caption: "Landscape image in blue tones", Score: 0.75},
	}}
	r := New(nil, idx, embeddings.NewFake(8, 4), nil, "searchindex", retrievalConfig(), nil)

	hits, err := r.SearchImages(scopedCtx(), "blue landscape", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].AssetID)
	assert.InDelta(t, 0.25, hits[0].Distance, 1e-9)
}

func TestSearchImagesMetastoreBackend(t *testing.T) {
	meta := &fakeMetaSearch{images: []metastore.ImageHit{
		{AssetID: 2, DocumentID: 6, Caption: "Square image in gray tones", Tags: []string{"square", "gray"}, Distance: 0.4},
	}}
	r := New(meta, nil, embeddings.NewFake(8, 4), nil, "metastore", retrievalConfig(), nil)

	hits, err := r.SearchImages(scopedCtx(), "gray square", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"square", "gray"}, hits[0].Tags)
	assert.Equal(t, 0.4, hits[0].Distance)
}
