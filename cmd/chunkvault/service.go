package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkvault/chunkvault/internal/svc"
)

var (
	serviceMode  string
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the chunkvault system service",
		Long: `Install and control chunkvault as a system service (systemd, launchd or
the Windows Service Control Manager).

  sudo chunkvault service install --mode serve --config /etc/chunkvault/manager.yaml
  sudo chunkvault service install --mode worker --config /etc/chunkvault/worker.yaml
  sudo chunkvault service start
  chunkvault service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModeServe, "service mode: serve or worker")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default depends on mode)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install chunkvault as a system service",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE:  runServiceUninstall,
	}

	serviceCmd.AddCommand(installCmd, uninstallCmd)
	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the system service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(action)
			},
		})
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE:  runServiceStatus,
	}
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			return svc.ViewLogs(svc.LogOptions{ServiceName: cfg.Name, Follow: logsFollow, Lines: logsLines})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(statusCmd, logsCmd)

	return serviceCmd
}

func serviceConfig() (*svc.Config, error) {
	if !svc.ValidMode(serviceMode) {
		return nil, fmt.Errorf("invalid mode %q: must be %q or %q", serviceMode, svc.ModeServe, svc.ModeWorker)
	}
	name := serviceName
	if name == "" {
		name = svc.DefaultName(serviceMode)
	}
	return &svc.Config{
		Name:       name,
		Mode:       serviceMode,
		ConfigPath: configPath(serviceMode),
		UserName:   serviceUser,
	}, nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file %s: %w", cfg.ConfigPath, err)
	}

	log.Info().Str("name", cfg.Name).Str("mode", cfg.Mode).Str("config", cfg.ConfigPath).Msg("installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}
	fmt.Printf("Service %q installed.\n\nStart it with:\n  chunkvault service start --mode %s --name %s\n",
		cfg.Name, cfg.Mode, cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q uninstalled.\n", cfg.Name)
	return nil
}

func runServiceControl(action string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
	return svc.Control(cfg, action)
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	fmt.Printf("Service: %s\n", cfg.Name)
	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Status:  not installed or unknown (%v)\n", err)
		return nil
	}
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	fmt.Printf("Mode:    %s\n", cfg.Mode)
	fmt.Printf("Config:  %s\n", cfg.ConfigPath)
	return nil
}
