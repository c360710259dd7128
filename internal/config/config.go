// Package config provides configuration loading for researchd.
//
// Configuration is loaded from a YAML file and overridden by RESEARCHD_*
// environment variables. Every section carries its own Validate method;
// defaults are applied before validation so a zero config file still yields
// a runnable local setup.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/logging"
)

// Config holds the complete researchd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Redis      RedisConfig      `koanf:"redis"`
	Index      IndexConfig      `koanf:"index"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	LLM        LLMConfig        `koanf:"llm"`
	WebSearch  WebSearchConfig  `koanf:"websearch"`
	Blob       BlobConfig       `koanf:"blob"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Research   ResearchConfig   `koanf:"research"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	MaxUploadMB     int      `koanf:"max_upload_mb"`
}

// Validate checks server configuration.
func (c ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Port)
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("max upload size must be at least 1MB")
	}
	return nil
}

// PostgresConfig holds the relational store configuration.
type PostgresConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	User            string `koanf:"user"`
	Password        Secret `koanf:"password"`
	Database        string `koanf:"database"`
	SSLMode         string `koanf:"ssl_mode"`
	MaxOpenConns    int    `koanf:"max_open_conns"`
	MaxIdleConns    int    `koanf:"max_idle_conns"`
	FTSConfig       string `koanf:"fts_config"`
	EmbeddingDim    int    `koanf:"embedding_dim"`
	StoreEmbeddings bool   `koanf:"store_embeddings"`
	// TitleBoost and FileNameBoost weight full-text matches in document
	// titles and file names above body matches (body weight is 1.0).
	TitleBoost    float64 `koanf:"title_boost"`
	FileNameBoost float64 `koanf:"file_name_boost"`
}

// DSN renders a lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password.Value(), c.Database, c.SSLMode)
}

// Validate checks postgres configuration.
func (c PostgresConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("postgres host required")
	}
	if c.Database == "" {
		return fmt.Errorf("postgres database required")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbeddingDim)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max open conns must be at least 1")
	}
	return nil
}

// RedisConfig holds cache configuration.
type RedisConfig struct {
	Addr             string   `koanf:"addr"`
	Password         Secret   `koanf:"password"`
	DB               int      `koanf:"db"`
	SearchTTL        Duration `koanf:"search_ttl"`
	SynthesisTTL     Duration `koanf:"synthesis_ttl"`
	BreakerThreshold int      `koanf:"breaker_threshold"`
	BreakerCooldown  Duration `koanf:"breaker_cooldown"`
}

// Validate checks redis configuration.
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis addr required")
	}
	if c.SearchTTL.Duration() <= 0 || c.SynthesisTTL.Duration() <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1")
	}
	return nil
}

// IndexConfig holds search index configuration.
type IndexConfig struct {
	// Backend selects the retrieval backend: "searchindex" or "metastore".
	Backend         string   `koanf:"backend"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	Collection      string   `koanf:"collection"`
	ImageCollection string   `koanf:"image_collection"`
	VectorSize      int      `koanf:"vector_size"`
	ImageVectorSize int      `koanf:"image_vector_size"`
	UseTLS          bool     `koanf:"use_tls"`
	APIKey          Secret   `koanf:"api_key"`
	MaxRetries      int      `koanf:"max_retries"`
	RetryBackoff    Duration `koanf:"retry_backoff"`
	// RecencyHalfLife enables exponential recency decay when positive.
	RecencyHalfLife Duration `koanf:"recency_half_life"`
	// TitleBoost and FileNameBoost weight lexical matches in document
	// titles and file names above body matches (body weight is 1.0).
	TitleBoost    float64 `koanf:"title_boost"`
	FileNameBoost float64 `koanf:"file_name_boost"`
}

// Validate checks index configuration.
func (c IndexConfig) Validate() error {
	if c.Backend != "searchindex" && c.Backend != "metastore" {
		return fmt.Errorf("index backend must be 'searchindex' or 'metastore', got %q", c.Backend)
	}
	if c.Backend == "searchindex" {
		if c.Host == "" {
			return fmt.Errorf("index host required")
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("invalid index port: %d", c.Port)
		}
		if c.Collection == "" {
			return fmt.Errorf("index collection required")
		}
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	Provider     string `koanf:"provider"`
	BaseURL      string `koanf:"base_url"`
	ImageBaseURL string `koanf:"image_base_url"`
	Model        string `koanf:"model"`
	ImageModel   string `koanf:"image_model"`
	BatchSize    int    `koanf:"batch_size"`
}

// Validate checks embeddings configuration.
func (c EmbeddingsConfig) Validate() error {
	if c.Provider != "tei" {
		return fmt.Errorf("unknown embeddings provider %q", c.Provider)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("embeddings base_url required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("embeddings batch_size must be at least 1")
	}
	return nil
}

// LLMConfig holds generator provider configuration.
type LLMConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	MaxTokens   int     `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`
}

// Validate checks llm configuration.
func (c LLMConfig) Validate() error {
	switch c.Provider {
	case "none":
	case "openai":
		if !c.APIKey.IsSet() {
			return fmt.Errorf("llm api_key required for openai provider")
		}
	default:
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("llm max_tokens must be at least 1")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("llm temperature must be in [0, 2]")
	}
	return nil
}

// WebSearchConfig holds web search configuration.
type WebSearchConfig struct {
	Provider      string   `koanf:"provider"`
	MaxResults    int      `koanf:"max_results"`
	Timeout       Duration `koanf:"timeout"`
	RatePerSecond float64  `koanf:"rate_per_second"`
	MaxFetchBytes int64    `koanf:"max_fetch_bytes"`
	CrawlMaxDepth int      `koanf:"crawl_max_depth"`
	CrawlMaxPages int      `koanf:"crawl_max_pages"`
}

// Validate checks websearch configuration.
func (c WebSearchConfig) Validate() error {
	if c.Provider != "ddg" && c.Provider != "none" {
		return fmt.Errorf("unknown websearch provider %q", c.Provider)
	}
	if c.MaxResults < 1 {
		return fmt.Errorf("websearch max_results must be at least 1")
	}
	if c.Timeout.Duration() <= 0 {
		return fmt.Errorf("websearch timeout must be positive")
	}
	return nil
}

// BlobConfig holds blob store configuration.
type BlobConfig struct {
	Root string `koanf:"root"`
}

// Validate checks blob configuration.
func (c BlobConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("blob root required")
	}
	return nil
}

// IngestConfig holds chunking configuration.
type IngestConfig struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
}

// Validate checks ingest configuration.
func (c IngestConfig) Validate() error {
	if c.ChunkSize < 100 {
		return fmt.Errorf("chunk_size must be at least 100, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size)")
	}
	return nil
}

// RetrievalConfig holds retriever configuration.
type RetrievalConfig struct {
	DefaultK   int     `koanf:"default_k"`
	RRFK       int     `koanf:"rrf_k"`
	MMREnabled bool    `koanf:"mmr_enabled"`
	MMRLambda  float64 `koanf:"mmr_lambda"`
}

// Validate checks retrieval configuration.
func (c RetrievalConfig) Validate() error {
	if c.DefaultK < 1 {
		return fmt.Errorf("default_k must be at least 1")
	}
	if c.RRFK < 1 {
		return fmt.Errorf("rrf_k must be at least 1")
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("mmr_lambda must be in [0, 1]")
	}
	return nil
}

// ResearchConfig holds deep research configuration.
type ResearchConfig struct {
	TotalBudget          Duration `koanf:"total_budget"`
	WebReserve           Duration `koanf:"web_reserve"`
	MaxSubqueries        int      `koanf:"max_subqueries"`
	MaxMessages          int      `koanf:"max_messages"`
	FollowupRelevanceMin float64  `koanf:"followup_relevance_min"`
}

// Validate checks research configuration.
func (c ResearchConfig) Validate() error {
	if c.TotalBudget.Duration() <= 0 {
		return fmt.Errorf("research total_budget must be positive")
	}
	if c.MaxSubqueries < 1 || c.MaxSubqueries > 8 {
		return fmt.Errorf("research max_subqueries must be in [1, 8]")
	}
	if c.FollowupRelevanceMin < 0 || c.FollowupRelevanceMin > 1 {
		return fmt.Errorf("research followup_relevance_min must be in [0, 1]")
	}
	return nil
}

// Validate validates the full configuration.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"logging", c.Logging.Validate},
		{"postgres", c.Postgres.Validate},
		{"redis", c.Redis.Validate},
		{"index", c.Index.Validate},
		{"embeddings", c.Embeddings.Validate},
		{"llm", c.LLM.Validate},
		{"websearch", c.WebSearch.Validate},
		{"blob", c.Blob.Validate},
		{"ingest", c.Ingest.Validate},
		{"retrieval", c.Retrieval.Validate},
		{"research", c.Research.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	if c.Index.Backend == "metastore" && !c.Postgres.StoreEmbeddings {
		return fmt.Errorf("index backend 'metastore' requires postgres store_embeddings: semantic search reads vectors from the chunks table")
	}
	return nil
}

// applyDefaults sets default values for fields left unset.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 64
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "researchd"
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = "researchd"
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = "researchd"
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.FTSConfig == "" {
		cfg.Postgres.FTSConfig = "english"
	}
	if cfg.Postgres.EmbeddingDim == 0 {
		cfg.Postgres.EmbeddingDim = 384
	}
	if cfg.Postgres.TitleBoost == 0 {
		cfg.Postgres.TitleBoost = 2.5
	}
	if cfg.Postgres.FileNameBoost == 0 {
		cfg.Postgres.FileNameBoost = 2.0
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.SearchTTL == 0 {
		cfg.Redis.SearchTTL = Duration(300 * time.Second)
	}
	if cfg.Redis.SynthesisTTL == 0 {
		cfg.Redis.SynthesisTTL = Duration(900 * time.Second)
	}
	if cfg.Redis.BreakerThreshold == 0 {
		cfg.Redis.BreakerThreshold = 5
	}
	if cfg.Redis.BreakerCooldown == 0 {
		cfg.Redis.BreakerCooldown = Duration(30 * time.Second)
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "searchindex"
	}
	if cfg.Index.Host == "" {
		cfg.Index.Host = "localhost"
	}
	if cfg.Index.Port == 0 {
		cfg.Index.Port = 6334
	}
	if cfg.Index.Collection == "" {
		cfg.Index.Collection = "researchd_chunks"
	}
	if cfg.Index.ImageCollection == "" {
		cfg.Index.ImageCollection = "researchd_images"
	}
	if cfg.Index.VectorSize == 0 {
		cfg.Index.VectorSize = 384
	}
	if cfg.Index.ImageVectorSize == 0 {
		cfg.Index.ImageVectorSize = 768
	}
	if cfg.Index.MaxRetries == 0 {
		cfg.Index.MaxRetries = 3
	}
	if cfg.Index.RetryBackoff == 0 {
		cfg.Index.RetryBackoff = Duration(100 * time.Millisecond)
	}
	if cfg.Index.TitleBoost == 0 {
		cfg.Index.TitleBoost = 2.5
	}
	if cfg.Index.FileNameBoost == 0 {
		cfg.Index.FileNameBoost = 2.0
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 64
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "none"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.2
	}

	if cfg.WebSearch.Provider == "" {
		cfg.WebSearch.Provider = "ddg"
	}
	if cfg.WebSearch.MaxResults == 0 {
		cfg.WebSearch.MaxResults = 5
	}
	if cfg.WebSearch.Timeout == 0 {
		cfg.WebSearch.Timeout = Duration(8 * time.Second)
	}
	if cfg.WebSearch.RatePerSecond == 0 {
		cfg.WebSearch.RatePerSecond = 2
	}
	if cfg.WebSearch.MaxFetchBytes == 0 {
		cfg.WebSearch.MaxFetchBytes = 2 << 20
	}
	if cfg.WebSearch.CrawlMaxDepth == 0 {
		cfg.WebSearch.CrawlMaxDepth = 1
	}
	if cfg.WebSearch.CrawlMaxPages == 0 {
		cfg.WebSearch.CrawlMaxPages = 5
	}

	if cfg.Blob.Root == "" {
		cfg.Blob.Root = "./data/blobs"
	}

	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 2500
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 250
	}

	if cfg.Retrieval.DefaultK == 0 {
		cfg.Retrieval.DefaultK = 8
	}
	if cfg.Retrieval.RRFK == 0 {
		cfg.Retrieval.RRFK = 60
	}
	if cfg.Retrieval.MMRLambda == 0 {
		cfg.Retrieval.MMRLambda = 0.5
	}

	if cfg.Research.TotalBudget == 0 {
		cfg.Research.TotalBudget = Duration(120 * time.Second)
	}
	if cfg.Research.WebReserve == 0 {
		cfg.Research.WebReserve = Duration(5 * time.Second)
	}
	if cfg.Research.MaxSubqueries == 0 {
		cfg.Research.MaxSubqueries = 4
	}
	if cfg.Research.MaxMessages == 0 {
		cfg.Research.MaxMessages = 40
	}
	if cfg.Research.FollowupRelevanceMin == 0 {
		cfg.Research.FollowupRelevanceMin = 0.08
	}
}
