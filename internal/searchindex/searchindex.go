// Package searchindex provides the qdrant-backed retrieval backend: KNN
// search over a remote vector collection plus an in-process BM25 inverted
// index for lexical queries. Every query is scoped to the tenant in the
// request context and fails closed without one.
package searchindex

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/logging"
)

// chunkIDSpan is the stride used to pack (document_id, chunk_index) into a
// single point id. Chunk indexes are far below it in practice.
const chunkIDSpan = 1_000_000

// collectionNamePattern rejects names that could not have come from our own
// configuration. Lowercase letters, digits, underscores, 1-64 chars.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Chunk is one indexable unit of a document.
type Chunk struct {
	DocumentID int64
	ChunkIndex int
	Content    string
	Title      string
	SourcePath string
	FileName   string
	FileType   string
	UserID     int64
	SpaceID    int64
	CreatedAt  time.Time
}

// Image is one indexable image asset.
type Image struct {
	AssetID    int64
	DocumentID int64
	Caption    string
	SourcePath string
	UserID     int64
	SpaceID    int64
}

// Hit is a scored chunk returned by KNN or Lexical. Score is normalized to
// [0, 1] per call; higher is better.
type Hit struct {
	ChunkID    int64
	DocumentID int64
	ChunkIndex int
	Content    string
	Title      string
	SourcePath string
	Score      float64
	CreatedAt  time.Time
}

// ImageHit is a scored image asset returned by KNNImages.
type ImageHit struct {
	AssetID    int64
	DocumentID int64
	Caption    string
	SourcePath string
	Score      float64
}

// Index combines the remote qdrant collections with the local BM25 index.
type Index struct {
	client *qdrant.Client
	cfg    config.IndexConfig
	log    *logging.Logger
	tracer trace.Tracer
	bm25   *bm25Index

	collections sync.Map

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// CompositeChunkID packs a document id and chunk index into the point id
// used for index hits.
func CompositeChunkID(documentID int64, chunkIndex int) int64 {
	return documentID*chunkIDSpan + int64(chunkIndex)
}

// New connects to qdrant and verifies the connection. The BM25 side starts
// empty; call SeedLexical (or index documents) to populate it.
func New(cfg config.IndexConfig, log *logging.Logger) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "index config")
	}
	if err := validateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.ImageCollection != "" {
		if err := validateCollectionName(cfg.ImageCollection); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = logging.NewNop()
	}

	const maxMessageSize = 50 * 1024 * 1024
	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey.Value(),
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMessageSize),
				grpc.MaxCallSendMsgSize(maxMessageSize),
			),
		},
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "connecting to qdrant at %s:%d", cfg.Host, cfg.Port)
	}

	idx := &Index{
		client: client,
		cfg:    cfg,
		log:    log,
		tracer: otel.Tracer("researchd.searchindex"),
		bm25:   newBM25(cfg.TitleBoost, cfg.FileNameBoost),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, apperr.Wrap(apperr.Transient, err, "qdrant health check")
	}
	return idx, nil
}

// Close releases the gRPC connection.
func (x *Index) Close() error {
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}

// EnsureReady creates the chunk and image collections if they do not exist.
func (x *Index) EnsureReady(ctx context.Context) error {
	ctx, span := x.tracer.Start(ctx, "searchindex.EnsureReady")
	defer span.End()

	if err := x.ensureCollection(ctx, x.cfg.Collection, x.cfg.VectorSize); err != nil {
		return err
	}
	if x.cfg.ImageCollection != "" && x.cfg.ImageVectorSize > 0 {
		if err := x.ensureCollection(ctx, x.cfg.ImageCollection, x.cfg.ImageVectorSize); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) ensureCollection(ctx context.Context, name string, vectorSize int) error {
	if _, ok := x.collections.Load(name); ok {
		return nil
	}
	var exists bool
	err := x.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = x.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return wrapIndexErr(err, "checking collection %s", name)
	}
	if !exists {
		err = x.retryOperation(ctx, "create_collection", func() error {
			return x.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(vectorSize),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return wrapIndexErr(err, "creating collection %s", name)
		}
		x.log.Info(ctx, "created qdrant collection",
			zap.String("collection", name),
			zap.Int("vector_size", vectorSize))
	}
	x.collections.Store(name, true)
	return nil
}

// SeedLexical loads chunks into the BM25 index without touching qdrant.
// Used at startup and by reindexing to rebuild lexical state from the
// metadata store.
func (x *Index) SeedLexical(chunks []Chunk) {
	for i := range chunks {
		x.bm25.add(&chunks[i])
	}
	bm25Documents.Set(float64(x.bm25.count()))
}

// ResetLexical drops all BM25 state.
func (x *Index) ResetLexical() {
	x.bm25.reset()
	bm25Documents.Set(0)
}

func validateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return apperr.E(apperr.Validation, "collection name must match ^[a-z0-9_]{1,64}$, got %q", name)
	}
	return nil
}

func wrapIndexErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	kind := apperr.KindOf(err)
	if kind == apperr.Internal && IsTransientError(err) {
		kind = apperr.Transient
	}
	return apperr.Wrap(kind, err, format, args...)
}
