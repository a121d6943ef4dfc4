// Package filewatch polls a file and reports a change once edits to it
// have settled. A change is any difference in modification time or size
// since the last poll.
package filewatch

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
)

// Errors returned by New.
var (
	ErrNoPath     = errors.New("filewatch: no file path")
	ErrNoCallback = errors.New("filewatch: no change callback")
)

// Defaults applied to zero Options fields.
const (
	DefaultPollInterval = time.Second
	DefaultDebounce     = 200 * time.Millisecond
)

// Options configures a Watcher.
type Options struct {
	Path         string
	PollInterval time.Duration
	Debounce     time.Duration
	// OnChange runs on the watcher goroutine after the file stopped
	// changing for Debounce.
	OnChange func()
	Logger   logging.Logger
}

// Watcher polls one file. It can be stopped and started again.
type Watcher struct {
	path         string
	pollInterval time.Duration
	debounce     time.Duration
	onChange     func()
	logger       logging.Logger

	// Owned by the loop goroutine once started.
	lastModTime time.Time
	lastSize    int64
	statFailing bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a watcher. The file must exist; its current state is the
// baseline for the first change.
func New(opts Options) (*Watcher, error) {
	if opts.Path == "" {
		return nil, ErrNoPath
	}
	if opts.OnChange == nil {
		return nil, ErrNoCallback
	}
	info, err := os.Stat(opts.Path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:         opts.Path,
		pollInterval: opts.PollInterval,
		debounce:     opts.Debounce,
		onChange:     opts.OnChange,
		logger:       opts.Logger,
		lastModTime:  info.ModTime(),
		lastSize:     info.Size(),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = logging.NewNop()
	}
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// PollInterval returns the effective poll interval.
func (w *Watcher) PollInterval() time.Duration { return w.pollInterval }

// Start begins polling. It is a no-op if already running.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(w.stopCh, w.doneCh)
}

// Stop stops polling and waits for the loop to exit. A pending change
// that has not settled is dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// IsRunning reports whether the watcher is polling.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var settle *time.Timer
	var settleCh <-chan time.Time
	for {
		select {
		case <-stopCh:
			if settle != nil {
				settle.Stop()
			}
			return

		case <-ticker.C:
			if !w.changed() {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.NewTimer(w.debounce)
			settleCh = settle.C

		case <-settleCh:
			settle, settleCh = nil, nil
			w.onChange()
		}
	}
}

// changed stats the file and records its state. A stat failure is
// logged once until the file is readable again.
func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		if !w.statFailing {
			w.logger.Warn("failed to stat watched file", "file", w.path, "error", err)
			w.statFailing = true
		}
		return false
	}
	w.statFailing = false
	if info.ModTime().Equal(w.lastModTime) && info.Size() == w.lastSize {
		return false
	}
	w.lastModTime = info.ModTime()
	w.lastSize = info.Size()
	return true
}
