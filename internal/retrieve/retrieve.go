// Package retrieve answers search requests over the ingested corpus. It
// embeds the query, fans out to the configured backend (qdrant+BM25 or the
// relational store), fuses result lists, and serves repeated queries from
// the revision-keyed cache.
package retrieve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/cache"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/searchindex"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeLexical  Mode = "lexical"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode validates a mode string from the API surface. Empty defaults
// to hybrid; "fulltext" is the wire name for lexical.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSemantic, ModeLexical, ModeHybrid:
		return Mode(s), nil
	case "fulltext":
		return ModeLexical, nil
	case "":
		return ModeHybrid, nil
	}
	return "", apperr.E(apperr.Validation, "unknown search mode %q", s)
}

// Hit is one retrieved chunk. Distance is in [0, 1], lower is closer,
// regardless of which backend produced it.
type Hit struct {
	ChunkID    int64     `json:"chunk_id"`
	DocumentID int64     `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Title      string    `json:"title"`
	SourcePath string    `json:"source_path"`
	Distance   float64   `json:"distance"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// ImageHit is one retrieved image asset.
type ImageHit struct {
	AssetID    int64    `json:"asset_id"`
	DocumentID int64    `json:"document_id"`
	Caption    string   `json:"caption"`
	Tags       []string `json:"tags,omitempty"`
	SourcePath string   `json:"source_path"`
	Distance   float64  `json:"distance"`
}

// MetaSearcher is the relational backend surface.
type MetaSearcher interface {
	SemanticSearch(ctx context.Context, queryVec []float32, k int) ([]metastore.ChunkHit, error)
	LexicalSearch(ctx context.Context, query string, k int) ([]metastore.ChunkHit, error)
	SearchImages(ctx context.Context, queryVec []float32, k int) ([]metastore.ImageHit, error)
}

// IndexSearcher is the qdrant+BM25 backend surface.
type IndexSearcher interface {
	KNN(ctx context.Context, queryVec []float32, k int) ([]searchindex.Hit, error)
	Lexical(ctx context.Context, query string, k int) ([]searchindex.Hit, error)
	KNNImages(ctx context.Context, queryVec []float32, k int) ([]searchindex.ImageHit, error)
}

// Embedder turns query text into vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedImageText(ctx context.Context, text string) ([]float32, error)
}

// ResultCache is the slice of the cache the retriever uses.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) bool
	SetJSON(ctx context.Context, key string, val interface{}, ttl time.Duration)
	SearchKey(ctx context.Context, kind string, k int, query string) (string, error)
	Revision(ctx context.Context, kind string) int64
	SearchTTL() time.Duration
}

// Retriever runs searches against the configured backend.
type Retriever struct {
	meta    MetaSearcher
	index   IndexSearcher
	embed   Embedder
	cache   ResultCache
	backend string
	cfg     config.RetrievalConfig
	log     *logging.Logger
	tracer  trace.Tracer
}

// New creates a retriever. cache may be nil to disable caching; index may
// be nil when the relational backend is selected.
func New(
	meta MetaSearcher,
	index IndexSearcher,
	embed Embedder,
	c ResultCache,
	backend string,
	cfg config.RetrievalConfig,
	log *logging.Logger,
) *Retriever {
	if log == nil {
		log = logging.NewNop()
	}
	return &Retriever{
		meta:    meta,
		index:   index,
		embed:   embed,
		cache:   c,
		backend: backend,
		cfg:     cfg,
		log:     log.Named("retrieve"),
		tracer:  otel.Tracer("researchd/retrieve"),
	}
}

// Search retrieves the top k chunks for query using the given mode.
func (r *Retriever) Search(ctx context.Context, query string, mode Mode, k int) ([]Hit, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperr.E(apperr.Validation, "query cannot be empty")
	}
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	ctx, span := r.tracer.Start(ctx, "retrieve.search", trace.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.Int("k", k),
	))
	defer span.End()
	start := time.Now()

	key := r.searchCacheKey(ctx, mode, k, query)
	if key != "" {
		var cached []Hit
		if r.cache.GetJSON(ctx, key, &cached) {
			recordSearch(string(mode), "cache_hit", time.Since(start))
			return cached, nil
		}
	}

	hits, err := r.retrieve(ctx, query, mode, k)
	if err != nil {
		recordSearch(string(mode), "error", time.Since(start))
		return nil, err
	}

	if key != "" {
		r.cache.SetJSON(ctx, key, hits, r.cache.SearchTTL())
	}
	recordSearch(string(mode), "ok", time.Since(start))
	r.log.Debug(ctx, "search complete",
		zap.String("mode", string(mode)),
		zap.Int("k", k),
		zap.Int("hits", len(hits)))
	return hits, nil
}

func (r *Retriever) retrieve(ctx context.Context, query string, mode Mode, k int) ([]Hit, error) {
	// Overfetch when MMR reranks so diversification has candidates to drop.
	poolK := k
	if r.cfg.MMREnabled {
		poolK = 2 * k
	}

	var hits []Hit
	switch mode {
	case ModeSemantic:
		sem, err := r.semanticHits(ctx, query, poolK)
		if err != nil {
			if !apperr.Is(err, apperr.Transient) && !apperr.Is(err, apperr.DeadlineExceeded) {
				return nil, err
			}
			// Vector side down. Lexical still answers, degraded.
			r.log.Warn(ctx, "semantic retrieval failed, falling back to lexical", zap.Error(err))
			sem, err = r.lexicalHits(ctx, query, poolK)
			if err != nil {
				return nil, err
			}
		}
		hits = sem
	case ModeLexical:
		lex, err := r.lexicalHits(ctx, query, poolK)
		if err != nil {
			return nil, err
		}
		hits = lex
	case ModeHybrid:
		fused, err := r.hybridHits(ctx, query, poolK)
		if err != nil {
			return nil, err
		}
		hits = fused
	default:
		return nil, apperr.E(apperr.Validation, "unknown search mode %q", mode)
	}

	if r.cfg.MMREnabled && len(hits) > k {
		hits = mmrSelect(hits, k, r.cfg.MMRLambda)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// hybridHits fuses the semantic and lexical lists with reciprocal rank
// fusion. Either side failing degrades to the other alone; both failing
// returns the semantic error.
func (r *Retriever) hybridHits(ctx context.Context, query string, k int) ([]Hit, error) {
	sem, semErr := r.semanticHits(ctx, query, k)
	lex, lexErr := r.lexicalHits(ctx, query, k)
	if semErr != nil && lexErr != nil {
		return nil, semErr
	}
	if semErr != nil {
		r.log.Warn(ctx, "hybrid degraded to lexical only", zap.Error(semErr))
		return lex, nil
	}
	if lexErr != nil {
		r.log.Warn(ctx, "hybrid degraded to semantic only", zap.Error(lexErr))
		return sem, nil
	}
	fused := fuseRRF([][]Hit{sem, lex}, r.cfg.RRFK)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func (r *Retriever) semanticHits(ctx context.Context, query string, k int) ([]Hit, error) {
	vec, err := r.embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.backend == "searchindex" {
		raw, err := r.index.KNN(ctx, vec, k)
		if err != nil {
			return nil, err
		}
		return fromIndexHits(raw), nil
	}
	raw, err := r.meta.SemanticSearch(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	return fromMetaHits(raw, false), nil
}

func (r *Retriever) lexicalHits(ctx context.Context, query string, k int) ([]Hit, error) {
	if r.backend == "searchindex" {
		raw, err := r.index.Lexical(ctx, query, k)
		if err != nil {
			return nil, err
		}
		return fromIndexHits(raw), nil
	}
	raw, err := r.meta.LexicalSearch(ctx, query, k)
	if err != nil {
		return nil, err
	}
	return fromMetaHits(raw, true), nil
}

// SearchImages retrieves the top k images whose captions match query.
func (r *Retriever) SearchImages(ctx context.Context, query string, k int) ([]ImageHit, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperr.E(apperr.Validation, "query cannot be empty")
	}
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	ctx, span := r.tracer.Start(ctx, "retrieve.search_images",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()
	start := time.Now()

	var key string
	if r.cache != nil {
		if ck, err := r.cache.SearchKey(ctx, cache.KindImage, k, query); err == nil {
			key = ck
			var cached []ImageHit
			if r.cache.GetJSON(ctx, key, &cached) {
				recordSearch("image", "cache_hit", time.Since(start))
				return cached, nil
			}
		}
	}

	vec, err := r.embed.EmbedImageText(ctx, query)
	if err != nil {
		recordSearch("image", "error", time.Since(start))
		return nil, err
	}

	var hits []ImageHit
	if r.backend == "searchindex" {
		raw, err := r.index.KNNImages(ctx, vec, k)
		if err != nil {
			recordSearch("image", "error", time.Since(start))
			return nil, err
		}
		hits = make([]ImageHit, len(raw))
		for i, h := range raw {
			hits[i] = ImageHit{
				AssetID:    h.AssetID,
				DocumentID: h.DocumentID,
				Caption:    h.Caption,
				SourcePath: h.SourcePath,
				Distance:   scoreToDistance(h.Score),
			}
		}
	} else {
		raw, err := r.meta.SearchImages(ctx, vec, k)
		if err != nil {
			recordSearch("image", "error", time.Since(start))
			return nil, err
		}
		hits = make([]ImageHit, len(raw))
		for i, h := range raw {
			hits[i] = ImageHit{
				AssetID:    h.AssetID,
				DocumentID: h.DocumentID,
				Caption:    h.Caption,
				Tags:       h.Tags,
				SourcePath: h.SourcePath,
				Distance:   h.Distance,
			}
		}
	}

	if key != "" {
		r.cache.SetJSON(ctx, key, hits, r.cache.SearchTTL())
	}
	recordSearch("image", "ok", time.Since(start))
	return hits, nil
}

// searchCacheKey returns "" when caching is disabled or the key cannot be
// built; the search then runs uncached.
func (r *Retriever) searchCacheKey(ctx context.Context, mode Mode, k int, query string) string {
	if r.cache == nil {
		return ""
	}
	switch mode {
	case ModeSemantic:
		key, err := r.cache.SearchKey(ctx, cache.KindSemantic, k, query)
		if err != nil {
			return ""
		}
		return key
	case ModeLexical:
		key, err := r.cache.SearchKey(ctx, cache.KindLexical, k, query)
		if err != nil {
			return ""
		}
		return key
	}
	// Hybrid reads both corpora, so its key carries both revision counters.
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("hyb:%d.%d:%d:%d:%d:%s",
		r.cache.Revision(ctx, cache.KindSemantic),
		r.cache.Revision(ctx, cache.KindLexical),
		info.UserID, info.SpaceID, k, cache.NormalizeQuery(query))
}

func fromIndexHits(raw []searchindex.Hit) []Hit {
	hits := make([]Hit, len(raw))
	for i, h := range raw {
		hits[i] = Hit{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			ChunkIndex: h.ChunkIndex,
			Content:    h.Content,
			Title:      h.Title,
			SourcePath: h.SourcePath,
			Distance:   scoreToDistance(h.Score),
			CreatedAt:  h.CreatedAt,
		}
	}
	return hits
}

// fromMetaHits converts relational hits. Semantic rows already carry a
// cosine distance; lexical rows carry a ts_rank score that only orders
// results, so it becomes a pseudo-distance preserving that order.
func fromMetaHits(raw []metastore.ChunkHit, lexical bool) []Hit {
	hits := make([]Hit, len(raw))
	for i, h := range raw {
		d := h.Distance
		if lexical {
			d = 1 / (1 + h.Rank)
		}
		hits[i] = Hit{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			ChunkIndex: h.ChunkIndex,
			Content:    h.Content,
			Title:      h.Title,
			SourcePath: h.SourcePath,
			Distance:   d,
			CreatedAt:  h.CreatedAt,
		}
	}
	return hits
}

func scoreToDistance(score float64) float64 {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return 1 - score
}
