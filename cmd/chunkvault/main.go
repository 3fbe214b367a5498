// chunkvault runs the upload manager and its upload workers.
package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/logging/loki"
	"github.com/chunkvault/chunkvault/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if mode, configPath, ok := svc.ServiceArgs(os.Args); ok {
		runAsService(mode, configPath)
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chunkvault",
		Short: "chunkvault - chunked file storage manager",
		Long: `chunkvault stores files as encrypted chunks on a blob backend.

The manager coordinates uploads over websockets and serves downloads; upload
workers receive chunks from clients and store them.

  chunkvault serve --config manager.yaml
  chunkvault worker --config worker.yaml
  chunkvault user add alice --config manager.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newUserCmd(),
		newServiceCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("chunkvault %s\n", Version)
				fmt.Printf("  Commit:     %s\n", Commit)
				fmt.Printf("  Build Time: %s\n", BuildTime)
				fmt.Printf("  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			},
		},
	)
	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// shipLogs tees the global logger to Loki when configured. The returned
// function flushes and stops the shipper.
func shipLogs(c config.LokiConfig, process string) func() {
	if c.URL == "" {
		return func() {}
	}
	labels := map[string]string{"process": process}
	maps.Copy(labels, c.Labels)
	w := loki.New(loki.Config{
		URL:           c.URL,
		Labels:        labels,
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
	})
	w.Start()
	log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, w))
	log.Info().Str("url", c.URL).Msg("shipping logs to loki")
	return func() { _ = w.Close() }
}

// configPath returns --config or the default path for mode.
func configPath(mode string) string {
	if cfgFile != "" {
		return cfgFile
	}
	return svc.DefaultConfigPath(mode)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runAsService is the entry point when the service manager starts the binary.
func runAsService(mode, path string) {
	setupLogging()
	if !svc.ValidMode(mode) {
		log.Fatal().Str("mode", mode).Msg("unknown service mode")
	}
	if path == "" {
		path = svc.DefaultConfigPath(mode)
	}
	log.Info().Str("mode", mode).Str("config", path).Str("version", Version).Msg("starting as service")

	run := runServe
	if mode == svc.ModeWorker {
		run = runWorker
	}
	prg := &svc.Program{Mode: mode, ConfigPath: path, Run: run}
	cfg := &svc.Config{Name: svc.DefaultName(mode), Mode: mode, ConfigPath: path}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// loadManagerConfig loads, validates and applies the manager config.
func loadManagerConfig(path string) (*config.ManagerConfig, error) {
	cfg, err := config.LoadManagerConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config.ApplyLogLevel(cfg.LogLevel)
	return cfg, nil
}
