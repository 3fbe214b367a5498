// Package svc installs and runs chunkvault as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes. Each maps to the CLI subcommand the service manager runs.
const (
	ModeServe  = "serve"
	ModeWorker = "worker"
)

// RunFunc runs one mode until ctx is canceled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	Mode       string
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start must not block, so the mode runs in a goroutine until Stop.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("no runner configured for mode %q", p.Mode)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the running mode and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes an installed service.
type Config struct {
	Name       string
	Mode       string
	ConfigPath string
	UserName   string // Linux/macOS only
}

// ValidMode reports whether mode is a mode the binary can run as a service.
func ValidMode(mode string) bool {
	return mode == ModeServe || mode == ModeWorker
}

// DefaultName returns the service name for a mode.
func DefaultName(mode string) string {
	if mode == ModeWorker {
		return "chunkvault-worker"
	}
	return "chunkvault"
}

func displayName(mode string) string {
	if mode == ModeWorker {
		return "chunkvault upload worker"
	}
	return "chunkvault manager"
}

func description(mode string) string {
	if mode == ModeWorker {
		return "Receives chunked uploads and stores them in the blob backend"
	}
	return "Coordinates uploads and serves downloads for chunkvault"
}

// DefaultConfigPath returns the platform config path for a mode.
func DefaultConfigPath(mode string) string {
	dir := "/etc/chunkvault"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "chunkvault")
	}
	if mode == ModeWorker {
		return filepath.Join(dir, "worker.yaml")
	}
	return filepath.Join(dir, "manager.yaml")
}

// serviceConfig builds the kardianos config. The service manager starts the
// binary with the hidden --service-run flag followed by the mode subcommand.
func serviceConfig(cfg *Config) *service.Config {
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: displayName(cfg.Mode),
		Description: description(cfg.Mode),
		Arguments:   []string{"--service-run", cfg.Mode, "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5"}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return sc
}

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, serviceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

func control(cfg *Config) (service.Service, error) {
	return newService(&Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}, cfg)
}

// Install installs the service. An installed service is replaced only with force.
func Install(cfg *Config, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it runs and removes it.
func Uninstall(cfg *Config) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of the kardianos control actions: start, stop or restart.
func Control(cfg *Config, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *Config) (service.Status, error) {
	s, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands the process to the service manager.
func Run(prg *Program, cfg *Config) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails on Unix when not running as root.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// ServiceArgs reports whether args carry --service-run and, if so, returns
// the mode and config path that follow it.
func ServiceArgs(args []string) (mode, configPath string, ok bool) {
	i := slices.Index(args, "--service-run")
	if i < 0 {
		return "", "", false
	}
	rest := args[i+1:]
	if len(rest) > 0 {
		mode = rest[0]
	}
	for j, a := range rest {
		if (a == "--config" || a == "-c") && j+1 < len(rest) {
			configPath = rest[j+1]
		}
	}
	return mode, configPath, true
}
