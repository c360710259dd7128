package metastore

import (
	"encoding/json"
	"time"
)

// User is an account row. Users are upserted by email on first request.
type User struct {
	ID        int64
	Email     string
	CreatedAt time.Time
}

// Space is a named corpus within a user's account.
type Space struct {
	ID        int64
	UserID    int64
	Name      string
	CreatedAt time.Time
}

// Document is the system-of-record row for one ingested source.
type Document struct {
	ID         int64                  `json:"id"`
	UserID     int64                  `json:"user_id"`
	SpaceID    int64                  `json:"space_id"`
	SourcePath string                 `json:"source_path"`
	SourceType string                 `json:"source_type"`
	Title      string                 `json:"title"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ChunkCount int                    `json:"chunk_count,omitempty"`
}

// ChunkInsert is one chunk prepared for insertion alongside its document.
type ChunkInsert struct {
	Index          int
	Content        string
	Embedding      []float32
	EmbeddingModel string
}

// Chunk is a stored chunk row, as read back for reindexing.
type Chunk struct {
	ID         int64
	DocumentID int64
	Index      int
	Content    string
	Embedding  []float32
}

// ChunkHit is a retrieval result from the relational backend.
//
// Semantic hits carry Distance (cosine, lower is closer); lexical hits carry
// Rank (ts_rank_cd, higher is better). The retriever normalizes both.
type ChunkHit struct {
	ChunkID    int64     `json:"chunk_id"`
	DocumentID int64     `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Title      string    `json:"title"`
	SourcePath string    `json:"source_path"`
	Distance   float64   `json:"distance,omitempty"`
	Rank       float64   `json:"rank,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ImageAsset is a stored image with its visual embedding and derived tags.
type ImageAsset struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	Caption    string    `json:"caption"`
	Tags       []string  `json:"tags"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CreatedAt  time.Time `json:"created_at"`
}

// ImageHit is an image search result.
type ImageHit struct {
	AssetID    int64    `json:"asset_id"`
	DocumentID int64    `json:"document_id"`
	Caption    string   `json:"caption"`
	Tags       []string `json:"tags"`
	SourcePath string   `json:"source_path"`
	Distance   float64  `json:"distance"`
}

// ExternalDoc is a chunk of a user-supplied URL scoped to one research
// conversation.
type ExternalDoc struct {
	URL        string  `json:"url"`
	ChunkIndex int     `json:"chunk_index"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Distance   float64 `json:"distance,omitempty"`
}

// Activity is one audit-log row.
type Activity struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}
