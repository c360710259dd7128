package metastore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// UpsertExternalDoc stores one chunk of a fetched URL for a research
// conversation. Unchanged content (same sha1) is left alone so repeated
// fetches do not re-embed.
func (s *Store) UpsertExternalDoc(ctx context.Context, conversationID string, doc *ExternalDoc, embedding []float32) error {
	info, err := scope(ctx)
	if err != nil {
		return err
	}
	sum := sha1.Sum([]byte(doc.Content))
	hash := hex.EncodeToString(sum[:])

	var emb interface{}
	if len(embedding) > 0 {
		emb = vectorToString(embedding)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_docs (user_id, conversation_id, url, chunk_index, title, content, content_sha1, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)
		ON CONFLICT (user_id, conversation_id, url, chunk_index) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			content_sha1 = EXCLUDED.content_sha1,
			embedding = EXCLUDED.embedding
		WHERE external_docs.content_sha1 <> EXCLUDED.content_sha1`,
		info.UserID, conversationID, doc.URL, doc.ChunkIndex, doc.Title, doc.Content, hash, emb)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "upserting external doc")
	}
	return nil
}

// SearchExternalDocs returns the k nearest URL chunks for a conversation.
func (s *Store) SearchExternalDocs(ctx context.Context, conversationID string, queryVec []float32, k int) ([]ExternalDoc, error) {
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, chunk_index, title, content, embedding <=> $1::vector AS distance
		FROM external_docs
		WHERE user_id = $2 AND conversation_id = $3 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $4`,
		vectorToString(queryVec), info.UserID, conversationID, k)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "searching external docs")
	}
	defer rows.Close()

	var out []ExternalDoc
	for rows.Next() {
		var d ExternalDoc
		if err := rows.Scan(&d.URL, &d.ChunkIndex, &d.Title, &d.Content, &d.Distance); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning external doc")
		}
		out = append(out, d)
	}
	return out, apperr.Wrap(apperr.Internal, rows.Err(), "iterating external docs")
}
