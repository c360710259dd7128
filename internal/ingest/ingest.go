// Package ingest runs the upload pipeline: persist the raw file, extract
// text, chunk, embed, write the system of record, and keep the search index
// in step. The metadata store is authoritative; index writes are best
// effort and repairable by reindexing.
package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/blob"
	"github.com/fyrsmithlabs/researchd/internal/cache"
	"github.com/fyrsmithlabs/researchd/internal/chunk"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
	"github.com/fyrsmithlabs/researchd/internal/extract"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/searchindex"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

// MetaStore is the slice of the metadata store the pipeline needs.
type MetaStore interface {
	InsertDocumentWithChunks(ctx context.Context, doc *metastore.Document, chunks []metastore.ChunkInsert) (int64, error)
	GetDocument(ctx context.Context, docID int64) (*metastore.Document, error)
	DeleteDocument(ctx context.Context, docID int64) error
	InsertImageAsset(ctx context.Context, asset *metastore.ImageAsset, embedding []float32) (int64, error)
	UpsertExternalDoc(ctx context.Context, conversationID string, doc *metastore.ExternalDoc, embedding []float32) error
	ListDocuments(ctx context.Context, limit, offset int) ([]metastore.Document, error)
	ChunksForDocument(ctx context.Context, docID int64) ([]metastore.Chunk, error)
	RecordActivity(ctx context.Context, kind string, detail map[string]interface{})
}

// SearchIndex is the slice of the index backend the pipeline needs.
type SearchIndex interface {
	IndexChunks(ctx context.Context, chunks []searchindex.Chunk, embeddings [][]float32) error
	IndexImage(ctx context.Context, img searchindex.Image, embedding []float32) error
	DeleteDocument(ctx context.Context, documentID int64) error
}

// Revisions is the cache surface the pipeline invalidates through.
type Revisions interface {
	BumpRevision(ctx context.Context, kinds ...string)
}

// Ingestor runs ingestion pipelines.
type Ingestor struct {
	meta      MetaStore
	index     SearchIndex
	blobs     *blob.Store
	extractor *extract.Extractor
	splitter  *chunk.Splitter
	embed     embeddings.Provider
	revs      Revisions
	log       *logging.Logger
}

// New creates an ingestor. index and revs may be nil when the relational
// backend runs alone or caching is disabled.
func New(
	meta MetaStore,
	index SearchIndex,
	blobs *blob.Store,
	embed embeddings.Provider,
	revs Revisions,
	cfg config.IngestConfig,
	log *logging.Logger,
) *Ingestor {
	if log == nil {
		log = logging.NewNop()
	}
	return &Ingestor{
		meta:      meta,
		index:     index,
		blobs:     blobs,
		extractor: extract.New(log),
		splitter: chunk.NewSplitter(
			chunk.WithSize(cfg.ChunkSize),
			chunk.WithOverlap(cfg.ChunkOverlap),
		),
		embed: embed,
		revs:  revs,
		log:   log,
	}
}

// IngestFile runs the full pipeline for one upload and returns the stored
// document.
func (g *Ingestor) IngestFile(ctx context.Context, filename string, r io.Reader) (*metastore.Document, error) {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	sourcePath, err := g.blobs.Save(ctx, info.Email, filename, r)
	if err != nil {
		return nil, err
	}

	rc, err := g.blobs.Open(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	localPath, cleanup, err := materialize(rc, filename)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res, err := g.extractor.ExtractFile(ctx, localPath)
	if err != nil {
		return nil, err
	}

	if res.Image != nil {
		return g.ingestImage(ctx, filename, sourcePath, res)
	}
	return g.ingestText(ctx, filename, sourcePath, res)
}

// materialize copies a blob reader to a temp file carrying the original
// extension, since the format parsers are path-based.
func materialize(rc io.ReadCloser, filename string) (string, func(), error) {
	defer rc.Close()
	f, err := os.CreateTemp("", "researchd-*"+filepath.Ext(filename))
	if err != nil {
		return "", nil, apperr.Wrap(apperr.Internal, err, "creating temp file")
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, apperr.Wrap(apperr.Internal, err, "staging upload")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, apperr.Wrap(apperr.Internal, err, "staging upload")
	}
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}

func (g *Ingestor) ingestText(ctx context.Context, filename, sourcePath string, res *extract.Result) (*metastore.Document, error) {
	info, _ := tenant.FromContext(ctx)

	pieces := g.splitter.Split(res.Text)
	if len(pieces) == 0 {
		return nil, apperr.E(apperr.Validation, "no extractable text in %s", filename)
	}
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}
	vectors, err := g.embed.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}

	doc := &metastore.Document{
		UserID:     info.UserID,
		SpaceID:    info.SpaceID,
		SourcePath: sourcePath,
		SourceType: res.FileType,
		Title:      res.Title,
		Metadata:   map[string]interface{}{"pages": res.Pages},
	}
	if res.Sparse {
		doc.Metadata["sparse_text"] = true
		g.log.Warn(ctx, "extraction produced very little text, file may be scanned",
			zap.String("file", filename))
	}

	inserts := make([]metastore.ChunkInsert, len(pieces))
	for i, p := range pieces {
		inserts[i] = metastore.ChunkInsert{Index: p.Index, Content: p.Content, Embedding: vectors[i]}
	}
	docID, err := g.meta.InsertDocumentWithChunks(ctx, doc, inserts)
	if err != nil {
		return nil, err
	}
	doc.ID = docID
	doc.ChunkCount = len(inserts)

	g.indexChunks(ctx, doc, pieces, vectors)
	g.bump(ctx, cache.KindSemantic, cache.KindLexical)
	g.meta.RecordActivity(ctx, "document.ingested", map[string]interface{}{
		"document_id": docID,
		"title":       doc.Title,
		"chunks":      len(inserts),
	})
	g.log.Info(ctx, "document ingested",
		zap.Int64("document_id", docID),
		zap.String("file_type", doc.SourceType),
		zap.Int("chunks", len(inserts)))
	return doc, nil
}

// indexChunks dual-writes to the search index. Failures are logged, not
// returned: the metadata store already holds the truth and reindexing
// repairs the index.
func (g *Ingestor) indexChunks(ctx context.Context, doc *metastore.Document, pieces []chunk.Chunk, vectors [][]float32) {
	if g.index == nil {
		return
	}
	info, _ := tenant.FromContext(ctx)
	chunks := make([]searchindex.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = searchindex.Chunk{
			DocumentID: doc.ID,
			ChunkIndex: p.Index,
			Content:    p.Content,
			Title:      doc.Title,
			SourcePath: doc.SourcePath,
			FileName:   filepath.Base(doc.SourcePath),
			FileType:   doc.SourceType,
			UserID:     info.UserID,
			SpaceID:    info.SpaceID,
			CreatedAt:  time.Now(),
		}
	}
	if err := g.index.IndexChunks(ctx, chunks, vectors); err != nil {
		g.log.Warn(ctx, "index write failed, metadata store remains authoritative",
			zap.Int64("document_id", doc.ID), zap.Error(err))
	}
}

func (g *Ingestor) ingestImage(ctx context.Context, filename, sourcePath string, res *extract.Result) (*metastore.Document, error) {
	info, _ := tenant.FromContext(ctx)
	meta := res.Image

	captionVec, err := g.embed.EmbedImageText(ctx, meta.Caption)
	if err != nil {
		return nil, err
	}
	// The caption is also embedded as text so images surface in regular
	// document search.
	textVec, err := g.embed.EmbedQuery(ctx, meta.Caption)
	if err != nil {
		return nil, err
	}

	doc := &metastore.Document{
		UserID:     info.UserID,
		SpaceID:    info.SpaceID,
		SourcePath: sourcePath,
		SourceType: res.FileType,
		Title:      res.Title,
		Metadata: map[string]interface{}{
			"kind":   "image",
			"width":  meta.Width,
			"height": meta.Height,
		},
	}
	docID, err := g.meta.InsertDocumentWithChunks(ctx, doc, []metastore.ChunkInsert{
		{Index: 0, Content: meta.Caption, Embedding: textVec},
	})
	if err != nil {
		return nil, err
	}
	doc.ID = docID
	doc.ChunkCount = 1

	assetID, err := g.meta.InsertImageAsset(ctx, &metastore.ImageAsset{
		DocumentID: docID,
		Caption:    meta.Caption,
		Tags:       meta.Tags,
		Width:      meta.Width,
		Height:     meta.Height,
	}, captionVec)
	if err != nil {
		return nil, err
	}

	if g.index != nil {
		err := g.index.IndexImage(ctx, searchindex.Image{
			AssetID:    assetID,
			DocumentID: docID,
			Caption:    meta.Caption,
			SourcePath: sourcePath,
			UserID:     info.UserID,
			SpaceID:    info.SpaceID,
		}, captionVec)
		if err != nil {
			g.log.Warn(ctx, "image index write failed",
				zap.Int64("document_id", docID), zap.Error(err))
		}
	}

	g.bump(ctx, cache.KindSemantic, cache.KindLexical, cache.KindImage)
	g.meta.RecordActivity(ctx, "image.ingested", map[string]interface{}{
		"document_id": docID,
		"caption":     meta.Caption,
	})
	g.log.Info(ctx, "image ingested",
		zap.Int64("document_id", docID),
		zap.String("caption", meta.Caption))
	return doc, nil
}

// IngestURL chunks a fetched page into conversation-scoped external docs.
// Unchanged chunks (same content hash) are skipped by the store.
func (g *Ingestor) IngestURL(ctx context.Context, conversationID string, page *websearch.Page) (int, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return 0, err
	}
	pieces := g.splitter.Split(page.Content)
	if len(pieces) == 0 {
		return 0, nil
	}
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}
	vectors, err := g.embed.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, err
	}
	for i, p := range pieces {
		err := g.meta.UpsertExternalDoc(ctx, conversationID, &metastore.ExternalDoc{
			URL:        page.URL,
			ChunkIndex: p.Index,
			Title:      page.Title,
			Content:    p.Content,
		}, vectors[i])
		if err != nil {
			return i, err
		}
	}
	return len(pieces), nil
}

// Delete removes a document everywhere: index first (best effort), then
// the metadata store, then the raw blob.
func (g *Ingestor) Delete(ctx context.Context, docID int64) error {
	doc, err := g.meta.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if g.index != nil {
		if err := g.index.DeleteDocument(ctx, docID); err != nil {
			g.log.Warn(ctx, "index delete failed",
				zap.Int64("document_id", docID), zap.Error(err))
		}
	}
	if err := g.meta.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if g.blobs != nil && doc.SourcePath != "" {
		if err := g.blobs.Delete(ctx, doc.SourcePath); err != nil {
			g.log.Warn(ctx, "blob delete failed",
				zap.String("source_path", doc.SourcePath), zap.Error(err))
		}
	}
	g.bump(ctx, cache.KindSemantic, cache.KindLexical, cache.KindImage)
	g.meta.RecordActivity(ctx, "document.deleted", map[string]interface{}{
		"document_id": docID,
		"title":       doc.Title,
	})
	return nil
}

func (g *Ingestor) bump(ctx context.Context, kinds ...string) {
	if g.revs == nil {
		return
	}
	g.revs.BumpRevision(ctx, kinds...)
}
