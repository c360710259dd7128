package metastore

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// InsertImageAsset stores an image's embedding, tags, and caption. The
// owning document must already exist within the tenant scope.
func (s *Store) InsertImageAsset(ctx context.Context, asset *ImageAsset, embedding []float32) (int64, error) {
	if _, err := s.GetDocument(ctx, asset.DocumentID); err != nil {
		return 0, err
	}
	if len(embedding) > 0 && len(embedding) != s.imageDim {
		return 0, apperr.E(apperr.Validation, "image embedding dimension mismatch: expected %d, got %d", s.imageDim, len(embedding))
	}
	var emb interface{}
	if len(embedding) > 0 {
		emb = vectorToString(embedding)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO image_assets (document_id, caption, tags, width, height, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		RETURNING id`,
		asset.DocumentID, asset.Caption, pq.Array(asset.Tags), asset.Width, asset.Height, emb).
		Scan(&id)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "inserting image asset")
	}
	return id, nil
}

// SearchImages returns the k nearest image assets by embedding distance.
func (s *Store) SearchImages(ctx context.Context, queryVec []float32, k int) ([]ImageHit, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	if len(queryVec) != s.imageDim {
		return nil, apperr.E(apperr.Validation, "image query vector dimension mismatch: expected %d, got %d", s.imageDim, len(queryVec))
	}
	if k <= 0 {
		return nil, apperr.E(apperr.Validation, "k must be positive")
	}
	pred, args := tenantPredicate(info, 3)
	q := fmt.Sprintf(`
		SELECT a.id, a.document_id, a.caption, a.tags, d.source_path,
		       a.embedding <=> $1::vector AS distance
		FROM image_assets a JOIN documents d ON d.id = a.document_id
		WHERE a.embedding IS NOT NULL AND %s
		ORDER BY a.embedding <=> $1::vector
		LIMIT $2`, pred)

	rows, err := s.db.QueryContext(ctx, q,
		append([]interface{}{vectorToString(queryVec), k}, args...)...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "image search")
	}
	defer rows.Close()

	var hits []ImageHit
	for rows.Next() {
		var h ImageHit
		if err := rows.Scan(&h.AssetID, &h.DocumentID, &h.Caption, pq.Array(&h.Tags), &h.SourcePath, &h.Distance); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning image hit")
		}
		hits = append(hits, h)
	}
	return hits, apperr.Wrap(apperr.Internal, rows.Err(), "iterating image hits")
}
