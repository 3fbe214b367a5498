package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkvault/chunkvault/internal/auth"
	"github.com/chunkvault/chunkvault/internal/blob"
	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/coord"
	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/internal/store"
	"github.com/chunkvault/chunkvault/internal/svc"
	"github.com/chunkvault/chunkvault/internal/thumbstore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the manager",
		Long: `Run the manager: the websocket endpoint for clients and workers, the
file API and downloads.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, configPath(svc.ModeServe))
		},
	}
}

// openStore opens the metadata database under the data dir.
func openStore(ctx context.Context, cfg *config.ManagerConfig) (*store.Store, error) {
	dir := filepath.Join(cfg.DataDir, "db")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(ctx, store.Options{Dir: dir})
}

func newAuthService(db *store.Store, cfg *config.ManagerConfig) (*auth.Service, error) {
	return auth.NewService(db, auth.Config{
		Secret:            []byte(cfg.Auth.TokenSecret),
		TokenTTL:          cfg.Auth.TokenTTL,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		AllowRegistration: cfg.Auth.AllowRegistration,
	})
}

func newBlobClient(cfg config.BlobConfig) *blob.Client {
	return blob.New(blob.Config{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		MaxRetries: cfg.MaxRetries,
		MaxWait:    cfg.MaxWait,
	})
}

func runServe(ctx context.Context, path string) error {
	cfg, err := loadManagerConfig(path)
	if err != nil {
		return err
	}
	defer shipLogs(cfg.Loki, "manager")()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}()

	authSvc, err := newAuthService(db, cfg)
	if err != nil {
		return err
	}

	deps := coord.Deps{
		Store:   db,
		Auth:    authSvc,
		Blobs:   newBlobClient(cfg.Blob),
		Metrics: metrics.InitMetrics(Version),
		Audit:   audit.NewLogger(log.With().Str("component", "audit").Logger()),
	}
	if cfg.Thumbnails.Enabled {
		t := cfg.Thumbnails
		deps.Thumbnails, err = thumbstore.New(ctx, thumbstore.Config{
			Endpoint:     t.Endpoint,
			Region:       t.Region,
			Bucket:       t.Bucket,
			AccessKey:    t.AccessKey,
			SecretKey:    t.SecretKey,
			UsePathStyle: t.UsePathStyle,
			PresignTTL:   t.PresignTTL,
		})
		if err != nil {
			return fmt.Errorf("thumbnail store: %w", err)
		}
	}

	srv, err := coord.NewServer(cfg, deps)
	if err != nil {
		return err
	}

	log.Info().
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Bool("thumbnails", cfg.Thumbnails.Enabled).
		Str("version", Version).
		Msg("starting manager")
	return srv.ListenAndServe(ctx)
}
