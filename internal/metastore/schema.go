package metastore

import (
	"context"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// ftsConfigPattern guards the text search config name that gets interpolated
// into DDL and queries (it cannot be a bind parameter in either position).
var ftsConfigPattern = regexp.MustCompile(`^[a-z_]{1,32}$`)

// EnsureSchema creates the extension, tables, and indexes if absent.
// Safe to run on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if !ftsConfigPattern.MatchString(s.ftsConfig) {
		return apperr.E(apperr.Validation, "invalid fts config %q", s.ftsConfig)
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS spaces (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			space_id BIGINT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
			source_path TEXT NOT NULL,
			source_type TEXT NOT NULL,
			title TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS documents_tenant_idx ON documents (user_id, space_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('%s', content)) STORED,
			content_chars INTEGER NOT NULL,
			embedding vector(%d),
			embedding_model TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (document_id, chunk_index)
		)`, s.ftsConfig, s.dim),
		`CREATE INDEX IF NOT EXISTS chunks_tsv_idx ON chunks USING GIN (content_tsv)`,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS image_assets (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			caption TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.imageDim),
		`CREATE INDEX IF NOT EXISTS image_assets_document_idx ON image_assets (document_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS external_docs (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			conversation_id TEXT NOT NULL,
			url TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			content_sha1 TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, conversation_id, url, chunk_index)
		)`, s.dim),

		`CREATE TABLE IF NOT EXISTS research_sessions (
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			space_id BIGINT NOT NULL DEFAULT 0,
			conversation_id TEXT NOT NULL,
			messages JSONB NOT NULL DEFAULT '[]'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, space_id, conversation_id)
		)`,

		`CREATE TABLE IF NOT EXISTS activity (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			space_id BIGINT NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			detail JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS activity_tenant_idx ON activity (user_id, space_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Wrap(apperr.Internal, err, "ensuring schema")
		}
	}
	return nil
}
