package config

import (
	"sync"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/filewatch"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
)

// ConfigWatcher watches a config file for changes and triggers reload.
type ConfigWatcher struct {
	filePath   string
	poll       *filewatch.Watcher
	lastConfig *Config
	onChange   func(oldCfg, newCfg *Config)
	logger     logging.Logger
	mu         sync.Mutex
}

// WatcherConfig holds config watcher configuration.
type WatcherConfig struct {
	FilePath     string
	PollInterval time.Duration // Default: 100ms
	Debounce     time.Duration // Default: 200ms
	OnChange     func(oldCfg, newCfg *Config)
	Logger       logging.Logger
}

// NewConfigWatcher creates a new config file watcher.
func NewConfigWatcher(cfg *WatcherConfig) (*ConfigWatcher, error) {
	if cfg.FilePath == "" {
		return nil, ErrMissingConfigFile
	}
	if cfg.OnChange == nil {
		return nil, ErrMissingOnChange
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 100 * time.Millisecond
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithSource("config")

	initialConfig, err := LoadConfig(cfg.FilePath)
	if err != nil {
		return nil, err
	}

	w := &ConfigWatcher{
		filePath:   cfg.FilePath,
		lastConfig: initialConfig,
		onChange:   cfg.OnChange,
		logger:     logger,
	}
	w.poll, err = filewatch.New(filewatch.Options{
		Path:         cfg.FilePath,
		PollInterval: pollInterval,
		Debounce:     cfg.Debounce,
		OnChange:     w.triggerReload,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Start begins watching the config file for changes.
func (w *ConfigWatcher) Start() { w.poll.Start() }

// Stop stops watching the config file.
func (w *ConfigWatcher) Stop() { w.poll.Stop() }

// triggerReload loads the new config and calls onChange.
func (w *ConfigWatcher) triggerReload() {
	newConfig, err := LoadConfig(w.filePath)
	if err == nil {
		err = newConfig.Validate()
	}
	if err != nil {
		w.logger.Warn("config change ignored", "file", w.filePath, "error", err)
		return
	}

	w.mu.Lock()
	oldConfig := w.lastConfig
	w.lastConfig = newConfig
	w.mu.Unlock()

	w.logger.Info("config reloaded", "file", w.filePath)

	w.onChange(oldConfig, newConfig)
}

// IsRunning returns true if the watcher is running.
func (w *ConfigWatcher) IsRunning() bool { return w.poll.IsRunning() }

// GetCurrentConfig returns the last loaded config.
func (w *ConfigWatcher) GetCurrentConfig() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastConfig
}
