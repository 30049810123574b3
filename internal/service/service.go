// Package service wraps the daemon in kardianos/service so it can be
// installed, started, and stopped like any other OS service, the way the
// teacher's CA did it. Here the main loop runs the management API and the
// renewal scheduler instead of an ACME server.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kardianos/service"

	"github.com/shibukawa/acmeclient/internal/config"
	"github.com/shibukawa/acmeclient/internal/engine"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/management"
	"github.com/shibukawa/acmeclient/internal/scheduler"
)

// Manager handles OS service management operations.
type Manager struct {
	config  *config.Config
	logger  *logger.Logger
	service service.Service
	engine  *engine.Engine
}

// ServiceStatus reports the current install/run state of the service.
type ServiceStatus struct {
	Name        string
	Status      service.Status
	IsInstalled bool
	IsRunning   bool
}

// New creates a service Manager around an already-wired Engine. eng may be
// nil when Manager is only used for Install/Uninstall/Status from the CLI,
// since those paths never call runMainLoop.
func New(cfg *config.Config, eng *engine.Engine, log *logger.Logger) (*Manager, error) {
	manager := &Manager{
		config: cfg,
		logger: log,
		engine: eng,
	}

	currentUser := os.Getenv("USER")
	if currentUser == "" {
		currentUser = os.Getenv("USERNAME")
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	serviceConfig := &service.Config{
		Name:        cfg.ServiceName,
		DisplayName: cfg.ServiceDisplayName,
		Description: cfg.ServiceDescription,
		Arguments:   []string{"serve"},
		Executable:  execPath,
		Option: map[string]interface{}{
			"UserService": true,
		},
	}

	if currentUser != "" && currentUser != "root" {
		serviceConfig.UserName = currentUser
	}

	svc, err := service.New(manager, serviceConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	manager.service = svc
	return manager, nil
}

// Install installs the service in the OS, pointing it at configPath.
func (m *Manager) Install(configPath string) error {
	m.logger.Info("installing service", "name", m.config.ServiceName, "config_path", configPath)

	serviceConfig := &service.Config{
		Name:        m.config.ServiceName,
		DisplayName: m.config.ServiceDisplayName,
		Description: m.config.ServiceDescription,
		Arguments:   []string{"serve", "--config", configPath},
	}

	s, err := service.New(m, serviceConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := s.Install(); err != nil {
		return fmt.Errorf("failed to install service: %w", err)
	}

	m.logger.Info("service installed", "name", m.config.ServiceName)
	return nil
}

// Uninstall removes the service from the OS, stopping it first if running.
func (m *Manager) Uninstall() error {
	m.logger.Info("uninstalling service", "name", m.config.ServiceName)

	if status, err := m.service.Status(); err == nil && status == service.StatusRunning {
		m.logger.Info("stopping service before uninstall")
		if err := m.service.Stop(); err != nil {
			m.logger.Error("failed to stop service before uninstall", "error", err)
		}
		time.Sleep(2 * time.Second)
	}

	if err := m.service.Uninstall(); err != nil {
		return fmt.Errorf("failed to uninstall service: %w", err)
	}

	m.logger.Info("service uninstalled", "name", m.config.ServiceName)
	return nil
}

// StartService starts the service.
func (m *Manager) StartService() error {
	m.logger.Info("starting service", "name", m.config.ServiceName)
	if err := m.service.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return nil
}

// StopService stops the service.
func (m *Manager) StopService() error {
	m.logger.Info("stopping service", "name", m.config.ServiceName)
	if err := m.service.Stop(); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return nil
}

// Restart restarts the service.
func (m *Manager) Restart() error {
	m.logger.Info("restarting service", "name", m.config.ServiceName)
	if err := m.service.Restart(); err != nil {
		return fmt.Errorf("failed to restart service: %w", err)
	}
	return nil
}

// Status returns the current status of the service.
func (m *Manager) Status() (*ServiceStatus, error) {
	status, err := m.service.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}
	return &ServiceStatus{
		Name:        m.config.ServiceName,
		Status:      status,
		IsInstalled: true,
		IsRunning:   status == service.StatusRunning,
	}, nil
}

// IsInstalled checks if the service is installed.
func (m *Manager) IsInstalled() bool {
	_, err := m.service.Status()
	return err == nil
}

// IsRunning checks if the service is currently running.
func (m *Manager) IsRunning() bool {
	status, err := m.service.Status()
	if err != nil {
		return false
	}
	return status == service.StatusRunning
}

// Run is the main service loop; implements service.Interface.
func (m *Manager) Run() error {
	m.logger.Info("service starting", "name", m.config.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- m.runMainLoop(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			m.logger.Error("service error", "error", err)
			return err
		}
	case sig := <-sigChan:
		m.logger.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	}

	m.logger.Info("service stopped", "name", m.config.ServiceName)
	return nil
}

// Start is called when the OS service starts; implements service.Interface.
func (m *Manager) Start(s service.Service) error {
	m.logger.Info("service start requested", "name", m.config.ServiceName)
	go m.Run()
	return nil
}

// Stop is called when the OS service stops; implements service.Interface.
func (m *Manager) Stop(s service.Service) error {
	m.logger.Info("service stop requested", "name", m.config.ServiceName)
	return nil
}

// runMainLoop starts the renewal scheduler and management HTTP server and
// blocks until ctx is cancelled, then shuts both down gracefully.
func (m *Manager) runMainLoop(ctx context.Context) error {
	if m.engine == nil {
		return fmt.Errorf("service manager has no wired engine")
	}

	m.logger.Info("starting main service loop")

	m.engine.Scheduler.Start()
	defer m.engine.Scheduler.Stop()

	watcher, err := config.NewConfigWatcher(m.config, m.logger)
	if err != nil {
		m.logger.Warn("failed to start configuration watcher; renewal tuning changes require a restart", "error", err)
	} else {
		watcher.AddCallback(func(oldCfg, newCfg *config.Config) error {
			m.engine.Scheduler.UpdateConfig(scheduler.Config{
				RenewalThreshold: newCfg.RenewalThreshold,
				BackoffBase:      newCfg.RenewalBackoffBase,
				BackoffCap:       newCfg.RenewalBackoffCap,
				MaxRetries:       newCfg.RenewalMaxRetries,
			})
			return nil
		})
		if err := watcher.Start(); err != nil {
			m.logger.Warn("failed to start configuration watcher", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	httpServer, err := m.startManagementServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to start management server: %w", err)
	}

	m.logger.Info("all components started")

	<-ctx.Done()
	m.logger.Info("service loop shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("error shutting down management server", "error", err)
	}

	return nil
}

// startManagementServer wires the management API onto its own router and
// begins serving in a goroutine.
func (m *Manager) startManagementServer(ctx context.Context) (*http.Server, error) {
	router := mux.NewRouter()
	mgmt := management.NewServer(m.engine, m.config.AuthKey, m.logger)
	mgmt.RegisterHandlers(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", m.config.BindAddress, m.config.HTTPPort),
		Handler: router,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("management server error", "error", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	m.logger.Info("management server started", "address", httpServer.Addr)
	return httpServer, nil
}

// GetServiceConfig returns the service configuration for external use.
func (m *Manager) GetServiceConfig() *service.Config {
	return &service.Config{
		Name:        m.config.ServiceName,
		DisplayName: m.config.ServiceDisplayName,
		Description: m.config.ServiceDescription,
		Arguments:   []string{"serve"},
	}
}
