// Reindex rebuilds the search index for one tenant from the metadata
// store. Run it after index data loss or a mapping change; the metadata
// store is authoritative so the operation is always safe to repeat.
//
// Usage:
//
//	reindex --email jane@example.com
//	reindex --email jane@example.com --space work --config /etc/researchd/config.yaml
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
	"github.com/fyrsmithlabs/researchd/internal/ingest"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/searchindex"
	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

var (
	configPath string
	email      string
	spaceName  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index for one tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&email, "email", "", "tenant email (required)")
	rootCmd.Flags().StringVar(&spaceName, "space", "default", "space name")
	_ = rootCmd.MarkFlagRequired("email")
}

func run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadWithFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Index.Backend != "searchindex" {
		return fmt.Errorf("index backend is %q, nothing to rebuild", cfg.Index.Backend)
	}

	log, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	store, err := metastore.New(cfg.Postgres, cfg.Index.ImageVectorSize, log)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer store.Close()

	index, err := searchindex.New(cfg.Index, log)
	if err != nil {
		return fmt.Errorf("connecting to search index: %w", err)
	}
	defer index.Close()
	if err := index.EnsureReady(ctx); err != nil {
		return fmt.Errorf("preparing search index collections: %w", err)
	}

	embedder, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("creating embeddings provider: %w", err)
	}
	defer embedder.Close()

	blobs, err := blob.New(cfg.Blob)
	if err != nil {
		return fmt.Errorf("preparing blob store: %w", err)
	}

	resultCache := cache.New(cfg.Redis, log)
	defer resultCache.Close()

	user, err := store.EnsureUser(ctx, email)
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	space, err := store.EnsureSpace(ctx, user.ID, spaceName)
	if err != nil {
		return fmt.Errorf("resolving space: %w", err)
	}
	ctx = tenant.NewContext(ctx, &tenant.Info{
		UserID:  user.ID,
		SpaceID: space.ID,
		Email:   user.Email,
	})

	ingestor := ingest.New(store, index, blobs, embedder, resultCache, cfg.Ingest, log)
	stats, err := ingestor.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindexing: %w", err)
	}

	log.Info(ctx, "reindex finished",
		zap.String("email", email),
		zap.String("space", spaceName),
		zap.Int("documents", stats.Documents),
		zap.Int("chunks", stats.Chunks),
		zap.Int("skipped", stats.Skipped))
	fmt.Printf("reindexed %d documents (%d chunks, %d skipped)\n",
		stats.Documents, stats.Chunks, stats.Skipped)
	return nil
}
