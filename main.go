// Package main implements a service that keeps Slack user profiles in
// sync with the book each user is currently reading on Goodreads.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"

	"shelfsync/covers"
	"shelfsync/scraper"
	"shelfsync/server"
	"shelfsync/slack"
	"shelfsync/store"
	"shelfsync/syncer"
)

type config struct {
	Port               string `env:"PORT" envDefault:"8080"`
	BaseURL            string `env:"BASE_URL"`
	SlackClientID      string `env:"SLACK_CLIENT_ID,required"`
	SlackClientSecret  string `env:"SLACK_CLIENT_SECRET,required"`
	SlackAPIURL        string `env:"SLACK_API_URL" envDefault:"https://slack.com/api"`
	GoodreadsURL       string `env:"GOODREADS_URL" envDefault:"https://www.goodreads.com"`
	DatabasePath       string `env:"DATABASE_PATH" envDefault:"./shelfsync.db"`
	CoverDir           string `env:"COVER_DIR"`
	StorageBucket      string `env:"STORAGE_BUCKET"`
	RefreshConcurrency int    `env:"REFRESH_CONCURRENCY" envDefault:"4"`
}

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("Failed to parse configuration", "error", err)
		os.Exit(1)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}

	// Default to local cover storage if no bucket specified
	var storageClient *gcs.Client
	if cfg.StorageBucket == "" {
		if cfg.CoverDir == "" {
			cfg.CoverDir = "./covers"
			logger.Info("No STORAGE_BUCKET set, defaulting to local cover storage", "cover_dir", cfg.CoverDir)
		}
		if err := os.MkdirAll(cfg.CoverDir, 0o755); err != nil {
			logger.Error("Failed to create cover directory", "error", err)
			os.Exit(1)
		}
	} else {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to create storage client", "error", err)
			os.Exit(1)
		}
		storageClient = client
		logger.Info("Using Cloud Storage for covers", "bucket", cfg.StorageBucket)
	}

	users, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("Failed to open user database", "error", err, "path", cfg.DatabasePath)
		os.Exit(1)
	}
	defer func() {
		if err := users.Close(); err != nil {
			logger.Warn("Failed to close user database", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	shelf := scraper.New(httpClient, cfg.GoodreadsURL, logger)
	cache := covers.New(storageClient, cfg.StorageBucket, cfg.CoverDir, httpClient, logger)
	api := slack.New(slack.Config{
		BaseURL:      cfg.SlackAPIURL,
		ClientID:     cfg.SlackClientID,
		ClientSecret: cfg.SlackClientSecret,
		Logger:       logger,
	})

	sync := syncer.New(shelf, cache, api, users, cfg.RefreshConcurrency, logger)

	srv := server.New(&server.Config{
		OAuth:    api,
		Store:    users,
		Syncer:   sync,
		Logger:   logger,
		ClientID: cfg.SlackClientID,
		BaseURL:  cfg.BaseURL,
	})

	if err := srv.ListenAndServe(cfg.Port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
