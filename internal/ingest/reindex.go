package ingest

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/cache"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/searchindex"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

// reindexPageSize bounds how many documents are listed per round trip.
const reindexPageSize = 100

// ReindexStats summarizes one reindex run.
type ReindexStats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Skipped   int `json:"skipped"`
}

// Reindex rebuilds the search index for the tenant in scope from the
// metadata store. Stored embeddings are reused; chunks persisted without
// one are re-embedded.
func (g *Ingestor) Reindex(ctx context.Context) (*ReindexStats, error) {
	info, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if g.index == nil {
		return nil, apperr.E(apperr.Unsupported, "no search index configured")
	}

	stats := &ReindexStats{}
	for offset := 0; ; offset += reindexPageSize {
		docs, err := g.meta.ListDocuments(ctx, reindexPageSize, offset)
		if err != nil {
			return stats, err
		}
		if len(docs) == 0 {
			break
		}
		for i := range docs {
			if err := ctx.Err(); err != nil {
				return stats, apperr.Wrap(apperr.DeadlineExceeded, err, "reindex")
			}
			n, err := g.reindexDocument(ctx, info, &docs[i])
			if err != nil {
				g.log.Warn(ctx, "reindex skipped document",
					zap.Int64("document_id", docs[i].ID), zap.Error(err))
				stats.Skipped++
				continue
			}
			stats.Documents++
			stats.Chunks += n
		}
		if len(docs) < reindexPageSize {
			break
		}
	}

	g.bump(ctx, cache.KindSemantic, cache.KindLexical)
	g.meta.RecordActivity(ctx, "index.rebuilt", map[string]interface{}{
		"documents": stats.Documents,
		"chunks":    stats.Chunks,
		"skipped":   stats.Skipped,
	})
	g.log.Info(ctx, "reindex complete",
		zap.Int("documents", stats.Documents),
		zap.Int("chunks", stats.Chunks),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

func (g *Ingestor) reindexDocument(ctx context.Context, info *tenant.Info, doc *metastore.Document) (int, error) {
	rows, err := g.meta.ChunksForDocument(ctx, doc.ID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	chunks := make([]searchindex.Chunk, len(rows))
	vectors := make([][]float32, len(rows))
	var missing []int
	for i, row := range rows {
		chunks[i] = searchindex.Chunk{
			DocumentID: doc.ID,
			ChunkIndex: row.Index,
			Content:    row.Content,
			Title:      doc.Title,
			SourcePath: doc.SourcePath,
			FileName:   filepath.Base(doc.SourcePath),
			FileType:   doc.SourceType,
			UserID:     info.UserID,
			SpaceID:    doc.SpaceID,
			CreatedAt:  doc.CreatedAt,
		}
		if len(row.Embedding) > 0 {
			vectors[i] = row.Embedding
		} else {
			missing = append(missing, i)
		}
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = rows[i].Content
		}
		embedded, err := g.embed.EmbedDocuments(ctx, texts)
		if err != nil {
			return 0, err
		}
		for j, i := range missing {
			vectors[i] = embedded[j]
		}
	}

	if err := g.index.IndexChunks(ctx, chunks, vectors); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
