package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/p2pbackup/internal/svc"
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
		Short: "Manage the p2pbackup system service",
		Long: `Install, control, and inspect the coordinator or a peer agent as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo p2pbackup service install --mode serve --config /etc/p2pbackup/coordinator.yaml
  sudo p2pbackup service install --mode peer --config /etc/p2pbackup/peer.yaml
  sudo p2pbackup service start --mode peer
  sudo p2pbackup service logs --mode peer --follow`,
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModePeer, "service mode: 'serve' (coordinator) or 'peer'")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default p2pbackup-peer or p2pbackup-coordinator)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install as a system service that starts at boot",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", capitalize(action)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		Long: `View logs from the service.

Log locations by platform:
  - Linux:   journalctl -u <name>
  - macOS:   /var/log/<name>.err.log and .out.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", svc.DefaultLogLines, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func getServiceConfig() (*svc.ServiceConfig, error) {
	if !svc.ValidMode(serviceMode) {
		return nil, fmt.Errorf("invalid mode %q: must be 'serve' or 'peer'", serviceMode)
	}

	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName(serviceMode)
	}
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath(serviceMode)
	}

	return &svc.ServiceConfig{
		Name:        name,
		DisplayName: svc.DefaultDisplayName(serviceMode),
		Description: svc.DefaultDescription(serviceMode),
		Mode:        serviceMode,
		ConfigPath:  configPath,
		UserName:    serviceUser,
	}, nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or pass --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("mode", cfg.Mode).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed.\n", cfg.Name)
	fmt.Printf("\nTo start it:\n  p2pbackup service start --mode %s\n", cfg.Mode)
	fmt.Printf("\nTo view logs:\n  p2pbackup service logs --mode %s\n", cfg.Mode)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}

	log.Info().Str("name", cfg.Name).Msg("uninstalling service")
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
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}

	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	fmt.Printf("Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Service: %s\n", cfg.Name)
	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Status:  not installed or unknown\n")
		fmt.Printf("Error:   %v\n", err)
		return nil
	}
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	fmt.Printf("Mode:    %s\n", cfg.Mode)
	fmt.Printf("Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
