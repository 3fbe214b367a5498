package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/svc"
	"github.com/chunkvault/chunkvault/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run an upload worker",
		Long: `Run an upload worker. It connects to the manager, accepts chunk uploads
from clients over HTTP and stores the chunks on the blob backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, configPath(svc.ModeWorker))
		},
	}
}

func runWorker(ctx context.Context, path string) error {
	cfg, err := config.LoadWorkerConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	config.ApplyLogLevel(cfg.LogLevel)
	defer shipLogs(cfg.Loki, "worker")()

	wcfg := worker.Config{
		ManagerURL:        cfg.ManagerURL,
		Key:               cfg.Key,
		Address:           cfg.Address,
		Listen:            cfg.Listen,
		Channels:          cfg.Channels,
		InactivityTimeout: cfg.InactivityTimeout,
		ReconnectDelay:    cfg.ReconnectDelay,
	}
	if cfg.Encrypt {
		if wcfg.MasterKey, err = cfg.Crypto.MasterKeyBytes(); err != nil {
			return err
		}
	}

	w, err := worker.New(wcfg, newBlobClient(cfg.Blob))
	if err != nil {
		return err
	}

	log.Info().
		Str("manager", cfg.ManagerURL).
		Str("address", cfg.Address).
		Strs("channels", cfg.Channels).
		Bool("encrypt", cfg.Encrypt).
		Msg("starting upload worker")
	return w.Run(ctx)
}
