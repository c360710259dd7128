// Researchd is a multi-tenant retrieval-and-synthesis service. Users upload
// documents into private spaces and query them with retrieval-augmented
// generation; a deep research mode adds an agentic loop with web fallback.
//
// Configuration is loaded from a YAML file plus RESEARCHD_* environment
// variables.
//
// Usage:
//
//	# Start with defaults
//	researchd
//
//	# Start with an explicit config file
//	researchd --config /etc/researchd/config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/blob"
	"github.com/fyrsmithlabs/researchd/internal/cache"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
	"github.com/fyrsmithlabs/researchd/internal/httpapi"
	"github.com/fyrsmithlabs/researchd/internal/ingest"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
	"github.com/fyrsmithlabs/researchd/internal/searchindex"
	"github.com/fyrsmithlabs/researchd/internal/synth"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

var (
	version   = "dev"
	gitCommit = "unknown"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "researchd",
	Short:   "Multi-tenant document research service",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
}

func run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info(ctx, "starting researchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("index_backend", cfg.Index.Backend))

	store, err := metastore.New(cfg.Postgres, cfg.Index.ImageVectorSize, log)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	resultCache := cache.New(cfg.Redis, log)
	defer resultCache.Close()

	embedder, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("creating embeddings provider: %w", err)
	}
	defer embedder.Close()

	var index *searchindex.Index
	if cfg.Index.Backend == "searchindex" {
		index, err = searchindex.New(cfg.Index, log)
		if err != nil {
			return fmt.Errorf("connecting to search index: %w", err)
		}
		defer index.Close()
		if err := index.EnsureReady(ctx); err != nil {
			return fmt.Errorf("preparing search index collections: %w", err)
		}
		// The lexical side starts empty and is rebuilt per tenant through
		// the reindex endpoint or the reindex CLI.
	}

	generator, err := llm.NewGenerator(cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("creating llm provider: %w", err)
	}

	web, err := websearch.New(cfg.WebSearch, log)
	if err != nil {
		return fmt.Errorf("creating websearch provider: %w", err)
	}

	ingestor, err := newIngestor(cfg, store, index, embedder, resultCache, log)
	if err != nil {
		return err
	}

	var indexSearcher retrieve.IndexSearcher
	if index != nil {
		indexSearcher = index
	}
	retriever := retrieve.New(store, indexSearcher, embedder, resultCache,
		cfg.Index.Backend, cfg.Retrieval, log)
	synthesizer := synth.New(generator, resultCache, log)
	agent := research.New(retriever, generator, web, ingestor, store, embedder,
		store, resultCache, cfg.Research, log)

	server, err := httpapi.NewServer(cfg.Server, httpapi.Deps{
		Store:    store,
		Ingestor: ingestor,
		Searcher: retriever,
		Synth:    synthesizer,
		Research: agent,
	}, log)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "shutdown failed", zap.Error(err))
		return err
	}
	log.Info(shutdownCtx, "shutdown complete")
	return nil
}

func newIngestor(
	cfg *config.Config,
	store *metastore.Store,
	index *searchindex.Index,
	embedder embeddings.Provider,
	resultCache *cache.Cache,
	log *logging.Logger,
) (*ingest.Ingestor, error) {
	blobs, err := blob.New(cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("preparing blob store: %w", err)
	}
	var searchIdx ingest.SearchIndex
	if index != nil {
		searchIdx = index
	}
	return ingest.New(store, searchIdx, blobs, embedder, resultCache, cfg.Ingest, log), nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadWithFile(configPath)
	}
	return config.Load()
}
