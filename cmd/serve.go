package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buoyhq/buoy/db"
	"github.com/buoyhq/buoy/internal/api"
	"github.com/buoyhq/buoy/internal/cache"
	"github.com/buoyhq/buoy/internal/chat"
	"github.com/buoyhq/buoy/internal/config"
	"github.com/buoyhq/buoy/internal/database"
	"github.com/buoyhq/buoy/internal/gradient"
	"github.com/buoyhq/buoy/internal/ingest"
	"github.com/buoyhq/buoy/internal/provision"
	"github.com/buoyhq/buoy/internal/scrape"
	"github.com/buoyhq/buoy/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := newLogger()
	logger.Info("starting buoy", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	st := store.New(pool, logger)
	resources := cache.New()

	client, err := gradient.New(gradient.Config{
		Token:            cfg.GradientToken,
		ProjectID:        cfg.GradientProjectID,
		ModelID:          cfg.GradientModelID,
		EmbeddingModelID: cfg.GradientEmbeddingModelID,
		Region:           cfg.GradientRegion,
		BaseURL:          cfg.GradientBaseURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating gradient client: %w", err)
	}

	provisioner := provision.New(st, resources, client, provision.Config{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, logger)
	if err := provisioner.WarmCache(ctx); err != nil {
		// The resolve chain falls through to the store, so an empty cache
		// only costs latency.
		logger.Warn("cache warm failed", "error", err)
	}

	pipeline := ingest.New(client, scrape.New(logger), ingest.Config{
		ChunkSize:      cfg.ChunkSize,
		Semantic:       cfg.UseSemantic,
		ScrapeDepth:    cfg.ScrapeDepth,
		ScrapeMaxLinks: cfg.ScrapeMaxLinks,
	}, logger)

	dispatcher := chat.New(provisioner, client, st, logger)

	server := api.NewServer(api.Config{
		Addr:          cfg.ListenAddr,
		CORSOrigins:   cfg.CORSOrigins,
		TrustProxy:    cfg.TrustProxy,
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
	}, provisioner, dispatcher, pipeline, st, resources, pool, logger)

	return server.Run(ctx)
}
