// Package metastore is the Postgres system of record: documents, chunks,
// image assets, external URL evidence, research sessions, and the activity
// log. It also serves as the fallback retrieval backend via pgvector and
// Postgres full-text search.
//
// Every operation resolves its (user, space) scope from the request context
// and fails closed when it is missing. The search index can always be
// rebuilt from this store; the reverse is never assumed.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

// Store provides access to the relational system of record.
type Store struct {
	db              *sql.DB
	log             *logging.Logger
	tracer          trace.Tracer
	ftsConfig       string
	dim             int
	imageDim        int
	storeEmbeddings bool
	titleBoost      float64
	fileBoost       float64
}

// New opens a connection pool and verifies connectivity.
func New(cfg config.PostgresConfig, imageDim int, log *logging.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening postgres")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if err := db.Ping(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "pinging postgres")
	}
	return NewWithDB(db, cfg, imageDim, log), nil
}

// NewWithDB wraps an existing pool (used in tests).
func NewWithDB(db *sql.DB, cfg config.PostgresConfig, imageDim int, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	if imageDim <= 0 {
		imageDim = cfg.EmbeddingDim
	}
	titleBoost := cfg.TitleBoost
	if titleBoost <= 0 {
		titleBoost = 2.5
	}
	fileBoost := cfg.FileNameBoost
	if fileBoost <= 0 {
		fileBoost = 2.0
	}
	return &Store{
		db:              db,
		log:             log.Named("metastore"),
		tracer:          otel.Tracer("researchd/metastore"),
		ftsConfig:       cfg.FTSConfig,
		dim:             cfg.EmbeddingDim,
		imageDim:        imageDim,
		storeEmbeddings: cfg.StoreEmbeddings,
		titleBoost:      titleBoost,
		fileBoost:       fileBoost,
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports backend reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return apperr.Wrap(apperr.Transient, s.db.PingContext(ctx), "pinging postgres")
}

// scope resolves the tenant from context, failing closed.
func scope(ctx context.Context) (*tenant.Info, error) {
	return tenant.FromContext(ctx)
}

// tenantPredicate renders "d.user_id = $n [AND d.space_id = $n+1]" with
// bind values, starting at placeholder index n. The alias d must refer to
// the documents table (or another table carrying both columns).
func tenantPredicate(info *tenant.Info, n int) (string, []interface{}) {
	if info.SpaceID > 0 {
		return fmt.Sprintf("d.user_id = $%d AND d.space_id = $%d", n, n+1),
			[]interface{}{info.UserID, info.SpaceID}
	}
	return fmt.Sprintf("d.user_id = $%d", n), []interface{}{info.UserID}
}

// EnsureUser upserts a user by email and returns the row.
func (s *Store) EnsureUser(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.E(apperr.Validation, "invalid email %q", email)
	}
	var u User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, created_at`, email).
		Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "upserting user")
	}
	return &u, nil
}

// EnsureSpace upserts a space by (user, name) and returns the row.
func (s *Store) EnsureSpace(ctx context.Context, userID int64, name string) (*Space, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.E(apperr.Validation, "space name required")
	}
	var sp Space
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO spaces (user_id, name) VALUES ($1, $2)
		ON CONFLICT (user_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, user_id, name, created_at`, userID, name).
		Scan(&sp.ID, &sp.UserID, &sp.Name, &sp.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "upserting space")
	}
	return &sp, nil
}

// InsertDocumentWithChunks stores a document and all its chunks in a single
// transaction. Either everything lands or nothing does.
func (s *Store) InsertDocumentWithChunks(ctx context.Context, doc *Document, chunks []ChunkInsert) (int64, error) {
	info, err := scope(ctx)
	if err != nil {
		return 0, err
	}
	if info.SpaceID <= 0 {
		return 0, apperr.E(apperr.Forbidden, "document insert requires a space scope")
	}
	ctx, span := s.tracer.Start(ctx, "metastore.InsertDocumentWithChunks",
		trace.WithAttributes(attribute.Int("chunks", len(chunks))))
	defer span.End()

	meta, err := json.Marshal(orEmpty(doc.Metadata))
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "encoding document metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "beginning transaction")
	}
	defer tx.Rollback()

	var docID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (user_id, space_id, source_path, source_type, title, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		info.UserID, info.SpaceID, doc.SourcePath, doc.SourceType, doc.Title, meta).
		Scan(&docID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "inserting document")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, chunk_index, content, content_chars, embedding, embedding_model)
		VALUES ($1, $2, $3, $4, $5::vector, $6)`)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "preparing chunk insert")
	}
	defer stmt.Close()

	for _, c := range chunks {
		var emb interface{}
		if s.storeEmbeddings && len(c.Embedding) > 0 {
			emb = vectorToString(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, docID, c.Index, c.Content, len(c.Content), emb, c.EmbeddingModel); err != nil {
			return 0, apperr.Wrap(apperr.Internal, err, "inserting chunk %d", c.Index)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "committing document insert")
	}
	return docID, nil
}

// UpdateDocumentMetadata merges fields into the document's metadata JSONB.
func (s *Store) UpdateDocumentMetadata(ctx context.Context, docID int64, fields map[string]interface{}) error {
	info, err := scope(ctx)
	if err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encoding metadata patch")
	}
	pred, args := tenantPredicate(info, 3)
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents d SET metadata = metadata || $1::jsonb WHERE d.id = $2 AND `+pred,
		append([]interface{}{patch, docID}, args...)...)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "updating document metadata")
	}
	return requireRow(res, docID)
}

// GetDocument fetches a document within the tenant scope.
func (s *Store) GetDocument(ctx context.Context, docID int64) (*Document, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	pred, args := tenantPredicate(info, 2)
	var doc Document
	var meta []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT d.id, d.user_id, d.space_id, d.source_path, d.source_type, d.title, d.metadata, d.created_at
		FROM documents d
		WHERE d.id = $1 AND `+pred,
		append([]interface{}{docID}, args...)...).
		Scan(&doc.ID, &doc.UserID, &doc.SpaceID, &doc.SourcePath, &doc.SourceType, &doc.Title, &meta, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.E(apperr.NotFound, "document %d not found", docID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "fetching document %d", docID)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &doc.Metadata)
	}
	return &doc, nil
}

// ListDocuments returns documents in the tenant scope, newest first.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	pred, args := tenantPredicate(info, 1)
	q := fmt.Sprintf(`
		SELECT d.id, d.user_id, d.space_id, d.source_path, d.source_type, d.title, d.metadata, d.created_at,
		       (SELECT count(*) FROM chunks c WHERE c.document_id = d.id)
		FROM documents d
		WHERE %s
		ORDER BY d.created_at DESC LIMIT %d OFFSET %d`, pred, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing documents")
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var meta []byte
		if err := rows.Scan(&d.ID, &d.UserID, &d.SpaceID, &d.SourcePath, &d.SourceType, &d.Title, &meta, &d.CreatedAt, &d.ChunkCount); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning document")
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &d.Metadata)
		}
		docs = append(docs, d)
	}
	return docs, apperr.Wrap(apperr.Internal, rows.Err(), "iterating documents")
}

// DeleteDocument removes a document and, via cascade, its chunks and assets.
func (s *Store) DeleteDocument(ctx context.Context, docID int64) error {
	info, err := scope(ctx)
	if err != nil {
		return err
	}
	pred, args := tenantPredicate(info, 2)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents d WHERE d.id = $1 AND `+pred,
		append([]interface{}{docID}, args...)...)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "deleting document %d", docID)
	}
	return requireRow(res, docID)
}

// ChunksForDocument returns a document's chunks in order, for reindexing.
func (s *Store) ChunksForDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, embedding::text
		FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "fetching chunks for document %d", docID)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunkBatch pages through the tenant's chunks for a full reindex.
func (s *Store) ChunkBatch(ctx context.Context, afterChunkID int64, limit int) ([]Chunk, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	pred, args := tenantPredicate(info, 2)
	q := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.embedding::text
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id > $1 AND %s
		ORDER BY c.id LIMIT %d`, pred, limit)

	rows, err := s.db.QueryContext(ctx, q, append([]interface{}{afterChunkID}, args...)...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "fetching chunk batch")
	}
	defer rows.Close()
	return scanChunks(rows)
}

// RecordActivity appends an audit entry. Failures are logged, not returned:
// activity must never fail the operation it describes.
func (s *Store) RecordActivity(ctx context.Context, kind string, detail map[string]interface{}) {
	info, err := scope(ctx)
	if err != nil {
		return
	}
	payload, err := json.Marshal(orEmpty(detail))
	if err != nil {
		return
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO activity (user_id, space_id, kind, detail)
		VALUES ($1, $2, $3, $4)`, info.UserID, info.SpaceID, kind, payload); err != nil {
		s.log.Warn(ctx, "activity record failed", zap.String("kind", kind), zap.Error(err))
	}
}

// ListActivity returns recent audit entries for the tenant.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]Activity, error) {
	info, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	pred, args := tenantPredicate(info, 1)
	q := fmt.Sprintf(`
		SELECT d.id, d.kind, d.detail, d.created_at
		FROM activity d
		WHERE %s
		ORDER BY d.created_at DESC LIMIT %d`, pred, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing activity")
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Kind, &a.Detail, &a.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning activity")
		}
		out = append(out, a)
	}
	return out, apperr.Wrap(apperr.Internal, rows.Err(), "iterating activity")
}

// requireRow converts a zero-row write into NotFound.
func requireRow(res sql.Result, docID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "checking rows affected")
	}
	if n == 0 {
		return apperr.E(apperr.NotFound, "document %d not found", docID)
	}
	return nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var c Chunk
		var emb sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &emb); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning chunk")
		}
		if emb.Valid {
			vec, err := stringToVector(emb.String)
			if err != nil {
				return nil, apperr.Wrap(apperr.Internal, err, "parsing chunk %d embedding", c.ID)
			}
			c.Embedding = vec
		}
		out = append(out, c)
	}
	return out, apperr.Wrap(apperr.Internal, rows.Err(), "iterating chunks")
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
