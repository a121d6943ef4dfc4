package acl

import (
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/filewatch"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
)

// FileWatcher polls the manager's ACL file and reloads it after changes
// settle.
type FileWatcher struct {
	manager *Manager
	logger  logging.Logger
	poll    *filewatch.Watcher
}

// WatcherConfig holds file watcher configuration.
type WatcherConfig struct {
	Manager      *Manager
	Logger       logging.Logger
	PollInterval time.Duration // Default: 1s
	Debounce     time.Duration // Default: 200ms
}

// NewFileWatcher creates a watcher for the file the manager was loaded
// from.
func NewFileWatcher(cfg *WatcherConfig) (*FileWatcher, error) {
	if cfg == nil || cfg.Manager == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.Manager.FilePath() == "" {
		return nil, ErrNoFilePath
	}

	w := &FileWatcher{manager: cfg.Manager, logger: cfg.Logger}
	if w.logger == nil {
		w.logger = logging.NewNop()
	}
	poll, err := filewatch.New(filewatch.Options{
		Path:         cfg.Manager.FilePath(),
		PollInterval: cfg.PollInterval,
		Debounce:     cfg.Debounce,
		// Reload logs its own outcome.
		OnChange: func() { w.manager.Reload() },
		Logger:   w.logger,
	})
	if err != nil {
		return nil, err
	}
	w.poll = poll
	return w, nil
}

// Start begins watching. It is a no-op if already running.
func (w *FileWatcher) Start() {
	if w.poll.IsRunning() {
		return
	}
	w.poll.Start()
	w.logger.Info("ACL file watcher started", "file", w.poll.Path(), "poll_interval", w.poll.PollInterval())
}

// Stop stops watching and waits for the loop to exit.
func (w *FileWatcher) Stop() { w.poll.Stop() }

// IsRunning returns true if the watcher is running.
func (w *FileWatcher) IsRunning() bool { return w.poll.IsRunning() }
