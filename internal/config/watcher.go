package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shibukawa/acmeclient/internal/logger"
)

// ConfigWatcher watches config.yaml and hot-reloads the subset of settings
// that are safe to change without restarting listeners (renewal tuning,
// challenge priority); bind addresses/ports require a restart.
type ConfigWatcher struct {
	config  *Config
	logger  *logger.Logger
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex

	callbacks []ConfigChangeCallback

	configPath string

	debounceDelay  time.Duration
	lastChangeTime time.Time
}

// ConfigChangeCallback is invoked after a successful reload.
type ConfigChangeCallback func(oldConfig, newConfig *Config) error

// ConfigChange describes one reload event.
type ConfigChange struct {
	Path      string
	OldConfig *Config
	NewConfig *Config
	Timestamp time.Time
}

// NewConfigWatcher creates a watcher for config.yaml under cfg.StorePath.
func NewConfigWatcher(cfg *Config, log *logger.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ConfigWatcher{
		config:        cfg,
		logger:        log.WithComponent("config-watcher"),
		watcher:       watcher,
		ctx:           ctx,
		cancel:        cancel,
		callbacks:     make([]ConfigChangeCallback, 0),
		debounceDelay: 500 * time.Millisecond,
		configPath:    cfg.GetConfigFilePath(),
	}, nil
}

// Start begins watching for changes.
func (cw *ConfigWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.logger.Info("starting configuration watcher", "config_path", cw.configPath)

	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	cw.wg.Add(1)
	go cw.watchLoop()

	return nil
}

// Stop stops the watcher and waits for the watch loop to exit.
func (cw *ConfigWatcher) Stop() error {
	cw.logger.Info("stopping configuration watcher")
	cw.cancel()
	if cw.watcher != nil {
		cw.watcher.Close()
	}
	cw.wg.Wait()
	return nil
}

// AddCallback registers a callback invoked on every successful reload.
func (cw *ConfigWatcher) AddCallback(callback ConfigChangeCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) watchLoop() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleFileEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("file watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) handleFileEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != "config.yaml" {
		return
	}

	now := time.Now()
	if now.Sub(cw.lastChangeTime) < cw.debounceDelay {
		return
	}
	cw.lastChangeTime = now

	go func() {
		time.Sleep(100 * time.Millisecond)
		cw.processConfigChange()
	}()
}

func (cw *ConfigWatcher) processConfigChange() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	oldConfig := cw.copyConfig(cw.config)

	if _, err := os.Stat(cw.configPath); os.IsNotExist(err) {
		return
	}

	newConfig, err := LoadFrom(cw.configPath)
	if err != nil {
		cw.logger.Error("failed to reload configuration", "error", err)
		return
	}

	cw.applyReloadable(newConfig)

	change := &ConfigChange{
		Path:      cw.configPath,
		OldConfig: oldConfig,
		NewConfig: cw.copyConfig(cw.config),
		Timestamp: time.Now(),
	}
	cw.logger.Info("configuration reloaded")
	cw.notifyCallbacks(change)
}

// applyReloadable copies over only the fields that are safe to change
// without rebinding listeners or restarting the management API.
func (cw *ConfigWatcher) applyReloadable(newConfig *Config) {
	cw.config.RenewalCheckInterval = newConfig.RenewalCheckInterval
	cw.config.RenewalThreshold = newConfig.RenewalThreshold
	cw.config.RenewalBackoffBase = newConfig.RenewalBackoffBase
	cw.config.RenewalBackoffCap = newConfig.RenewalBackoffCap
	cw.config.RenewalMaxRetries = newConfig.RenewalMaxRetries
	cw.config.ChallengePriority = newConfig.ChallengePriority
	cw.config.Contacts = newConfig.Contacts
}

func (cw *ConfigWatcher) copyConfig(cfg *Config) *Config {
	copied := *cfg
	copied.Contacts = append([]string(nil), cfg.Contacts...)
	copied.ChallengePriority = append([]string(nil), cfg.ChallengePriority...)
	return &copied
}

func (cw *ConfigWatcher) notifyCallbacks(change *ConfigChange) {
	for _, callback := range cw.callbacks {
		go func(cb ConfigChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.Error("configuration callback panicked", "panic", r)
				}
			}()
			if err := cb(change.OldConfig, change.NewConfig); err != nil {
				cw.logger.Error("configuration callback failed", "error", err)
			}
		}(callback)
	}
}

// GetCurrentConfig returns a defensive copy of the live configuration.
func (cw *ConfigWatcher) GetCurrentConfig() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.copyConfig(cw.config)
}

// ForceReload reloads config.yaml immediately, outside of the fsnotify path.
func (cw *ConfigWatcher) ForceReload() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	oldConfig := cw.copyConfig(cw.config)
	newConfig, err := LoadFrom(cw.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	cw.applyReloadable(newConfig)

	cw.notifyCallbacks(&ConfigChange{
		Path:      "manual_reload",
		OldConfig: oldConfig,
		NewConfig: cw.copyConfig(cw.config),
		Timestamp: time.Now(),
	})
	return nil
}
