package metastore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// SemanticSearch returns the k nearest chunks by cosine distance over
// pgvector. Distance is in [0, 2]; lower is closer.
func (s *Store) SemanticSearch(ctx context.Context, queryVec []float32, k int) ([]ChunkHit, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	if len(queryVec) != s.dim {
		return nil, apperr.E(apperr.Validation, "query vector dimension mismatch: expected %d, got %d", s.dim, len(queryVec))
	}
	if k <= 0 {
		return nil, apperr.E(apperr.Validation, "k must be positive")
	}
	ctx, span := s.tracer.Start(ctx, "metastore.SemanticSearch",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	pred, args := tenantPredicate(info, 3)
	q := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.chunk_index, c.content, d.title, d.source_path, c.created_at,
		       c.embedding <=> $1::vector AS distance
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL AND %s
		ORDER BY c.embedding <=> $1::vector
		LIMIT $2`, pred)

	rows, err := s.db.QueryContext(ctx, q,
		append([]interface{}{vectorToString(queryVec), k}, args...)...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "semantic search")
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.ChunkIndex, &h.Content,
			&h.Title, &h.SourcePath, &h.CreatedAt, &h.Distance); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning semantic hit")
		}
		hits = append(hits, h)
	}
	return hits, apperr.Wrap(apperr.Internal, rows.Err(), "iterating semantic hits")
}

// LexicalSearch returns the top-k chunks by full-text rank over chunk
// body, document title, and file name, with title and file-name matches
// boosted. Empty queries and queries that normalize to nothing return no
// hits.
func (s *Store) LexicalSearch(ctx context.Context, query string, k int) ([]ChunkHit, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, apperr.E(apperr.Validation, "k must be positive")
	}
	ctx, span := s.tracer.Start(ctx, "metastore.LexicalSearch",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	// Title terms carry weight A, file-name terms weight B, body terms the
	// default D; the weight vector below is ordered {D, C, B, A}.
	pred, args := tenantPredicate(info, 3)
	weights := fmt.Sprintf("{1.0, 0, %g, %g}", s.fileBoost, s.titleBoost)
	q := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.chunk_index, c.content, d.title, d.source_path, c.created_at,
		       ts_rank_cd('%s', t.tsv, query) AS rank
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		CROSS JOIN plainto_tsquery('%s', $1) query
		CROSS JOIN LATERAL (
			SELECT setweight(to_tsvector('%s', d.title), 'A') ||
			       setweight(to_tsvector('%s', regexp_replace(d.source_path, '^.*/', '')), 'B') ||
			       c.content_tsv AS tsv
		) t
		WHERE t.tsv @@ query AND %s
		ORDER BY rank DESC
		LIMIT $2`, weights, s.ftsConfig, s.ftsConfig, s.ftsConfig, pred)

	rows, err := s.db.QueryContext(ctx, q, append([]interface{}{query, k}, args...)...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "lexical search")
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.ChunkIndex, &h.Content,
			&h.Title, &h.SourcePath, &h.CreatedAt, &h.Rank); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning lexical hit")
		}
		hits = append(hits, h)
	}
	return hits, apperr.Wrap(apperr.Internal, rows.Err(), "iterating lexical hits")
}
