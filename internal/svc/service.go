// Package svc installs and runs the coordinator or a peer agent as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes.
const (
	ModeServe = "serve"
	ModePeer  = "peer"
)

// RunFunc runs one mode until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	Mode       string
	ConfigPath string
	RunServe   RunFunc
	RunPeer    RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called by the service manager. It must not block.
func (p *Program) Start(s service.Service) error {
	run, err := p.runner()
	if err != nil {
		return err
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		p.done <- run(p.ctx, p.ConfigPath)
	}()
	return nil
}

func (p *Program) runner() (RunFunc, error) {
	var run RunFunc
	switch p.Mode {
	case ModeServe:
		run = p.RunServe
	case ModePeer:
		run = p.RunPeer
	default:
		return nil, fmt.Errorf("unknown mode: %s", p.Mode)
	}
	if run == nil {
		return nil, fmt.Errorf("%s function not configured", p.Mode)
	}
	return run, nil
}

// Stop cancels the running mode and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	Mode        string // ModeServe or ModePeer
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// ValidMode reports whether mode is ModeServe or ModePeer.
func ValidMode(mode string) bool {
	return mode == ModeServe || mode == ModePeer
}

// DefaultServiceName returns the default service name for mode.
func DefaultServiceName(mode string) string {
	if mode == ModeServe {
		return "p2pbackup-coordinator"
	}
	return "p2pbackup-peer"
}

// DefaultDisplayName returns a human-readable display name.
func DefaultDisplayName(mode string) string {
	if mode == ModeServe {
		return "P2P Backup Coordinator"
	}
	return "P2P Backup Peer"
}

// DefaultDescription returns the service description.
func DefaultDescription(mode string) string {
	if mode == ModeServe {
		return "Coordinates chunk placement, restore plans and failure recovery for P2P backup peers"
	}
	return "Stores backup chunks for other peers and backs up or restores local files"
}

// DefaultConfigPath returns the default config file path for mode.
func DefaultConfigPath(mode string) string {
	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = filepath.Join(os.Getenv("ProgramData"), "P2PBackup")
	default:
		configDir = "/etc/p2pbackup"
	}

	if mode == ModeServe {
		return filepath.Join(configDir, "coordinator.yaml")
	}
	return filepath.Join(configDir, "peer.yaml")
}

// NewServiceConfig converts cfg into a service.Config. The service manager
// re-invokes the binary with --service-run so main can dispatch to Run.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	args := []string{
		"--service-run",
		"--service-mode", cfg.Mode,
		"--config", cfg.ConfigPath,
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   args,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

// CreateService creates a service bound to prg.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	return service.New(prg, NewServiceConfig(cfg))
}

func control(cfg *ServiceConfig) (service.Service, error) {
	s, err := CreateService(&Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. With force an existing installation is replaced.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(cfg *ServiceConfig) error {
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

// Control runs one of the service.ControlAction verbs: start, stop or restart.
func Control(cfg *ServiceConfig, action string) error {
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
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
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

// Run runs prg under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges returns an error unless the process may manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clearer error than anything we could check here.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry --service-run.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}

// ServiceArgs extracts --service-mode and --config from args as passed by
// the service manager.
func ServiceArgs(args []string) (mode, configPath string) {
	for i, arg := range args {
		if i+1 >= len(args) {
			break
		}
		switch arg {
		case "--service-mode":
			mode = args[i+1]
		case "--config", "-c":
			configPath = args[i+1]
		}
	}
	return mode, configPath
}
