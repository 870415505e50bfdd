// Package reload watches the configuration file and feeds newly declared
// endpoint limits into a running budget controller.
package reload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flemzord/tokenguard/internal/logging"
)

const defaultPollInterval = 5 * time.Second

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// ConfigPath is the path to the configuration file to watch.
	ConfigPath string

	// PollInterval is how often to check for file changes when polling.
	// Defaults to 5 seconds if zero.
	PollInterval time.Duration

	// Poll skips fsnotify and always polls the modification time.
	Poll bool

	Logger *slog.Logger
}

func (c WatcherConfig) pollIntervalOrDefault() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

// EventType describes the type of file change event.
type EventType string

const (
	// EventModified indicates the config file was written, created or replaced.
	EventModified EventType = "modified"
)

// Event represents a file change notification.
type Event struct {
	Type       EventType
	ConfigPath string
}

// Watcher reports modifications of a configuration file. It uses fsnotify on
// the parent directory (editors often replace files rather than write them)
// and falls back to polling when fsnotify is unavailable.
type Watcher struct {
	cfg     WatcherConfig
	logger  *slog.Logger
	events  chan Event
	stop    chan struct{}
	stopped chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher creates a new file watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	return &Watcher{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger),
		events:  make(chan Event, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins watching. Safe to call multiple times; only the first call
// starts the goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run(ctx)
	})
}

// Events returns the channel of file change events. Bursts are coalesced.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher. Safe to call multiple times and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	if w.started.Load() {
		<-w.stopped
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.stopped)

	if !w.cfg.Poll {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(filepath.Dir(w.cfg.ConfigPath)); err == nil {
				w.notify(ctx, fw)
				return
			}
			_ = fw.Close()
		}
		w.logger.Warn("fsnotify unavailable, polling config file",
			"path", w.cfg.ConfigPath,
			"error", err,
		)
	}
	w.poll(ctx)
}

func (w *Watcher) notify(ctx context.Context, fw *fsnotify.Watcher) {
	defer func() { _ = fw.Close() }()

	target := filepath.Clean(w.cfg.ConfigPath)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.send()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "path", w.cfg.ConfigPath, "error", err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.pollIntervalOrDefault())
	defer ticker.Stop()

	lastMod := w.statModTime()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			current := w.statModTime()
			if current.IsZero() {
				continue
			}
			if current.After(lastMod) {
				lastMod = current
				w.send()
			}
		}
	}
}

func (w *Watcher) send() {
	select {
	case w.events <- Event{Type: EventModified, ConfigPath: w.cfg.ConfigPath}:
	default:
		// A reload is already pending.
	}
}

func (w *Watcher) statModTime() time.Time {
	info, err := os.Stat(w.cfg.ConfigPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
