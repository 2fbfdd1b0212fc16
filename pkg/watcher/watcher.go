// Package watcher turns filesystem creation events under a watched
// root into a bounded queue of folder arrivals.
//
// Only the creation of immediate subdirectories of the root is
// reported; files and deeper nesting are ignored. The event loop never
// does slow work itself, so notification delivery is decoupled from
// SQL execution latency.
package watcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Arrival is a detected new subdirectory under the watched root.
type Arrival struct {
	Path     string
	Detected time.Time
}

// ErrStopped is returned from Start when the watcher is not in a
// startable state.
var ErrStopped = errors.New("watcher stopped")

// Options configures a Watcher.
type Options struct {
	// Cooldown is the per-path window in which repeated creation
	// events are treated as duplicates of the first.
	Cooldown time.Duration
	// QueueSize bounds the arrival queue. Arrivals beyond the bound
	// are dropped with a warning rather than blocking delivery.
	QueueSize int
	// MaxRestarts bounds resubscribe attempts after the notification
	// subsystem fails, before the failure is surfaced as fatal.
	MaxRestarts int
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

type state int

const (
	stateIdle state = iota
	stateWatching
	stateStopping
	stateStopped
)

// Watcher subscribes to directory-creation notifications under a root
// path and publishes de-duplicated arrivals on a bounded channel.
type Watcher struct {
	root        string
	cooldown    time.Duration
	maxRestarts int
	logger      *slog.Logger

	arrivals chan Arrival

	mu     sync.Mutex
	state  state
	recent map[string]time.Time
	fsw    *fsnotify.Watcher
	done   chan struct{}
	loopWG sync.WaitGroup
}

// New creates a Watcher for root. The root must already exist and be
// readable; it is immutable for the watcher's lifetime.
func New(root string, opts Options) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		root:        filepath.Clean(root),
		cooldown:    opts.Cooldown,
		maxRestarts: opts.MaxRestarts,
		logger:      opts.Logger,
		arrivals:    make(chan Arrival, opts.QueueSize),
		recent:      make(map[string]time.Time),
		done:        make(chan struct{}),
	}, nil
}

// Arrivals is the queue of detected folders. It is closed when the
// watcher stops or fails fatally.
func (w *Watcher) Arrivals() <-chan Arrival { return w.arrivals }

// Start begins the subscription and the event loop. Idle→Watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateIdle {
		return ErrStopped
	}

	fsw, err := subscribe(w.root)
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.state = stateWatching

	w.loopWG.Add(1)
	go w.loop(fsw)

	w.logger.Info("watching directory", "root", w.root)
	return nil
}

// Stop unsubscribes and closes the arrival queue. Idempotent and safe
// from any goroutine. Watching→Stopping→Stopped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.state == stateStopping || w.state == stateStopped {
		w.mu.Unlock()
		return
	}
	started := w.state == stateWatching
	w.state = stateStopping
	if started {
		close(w.done)
		w.fsw.Close()
	}
	w.mu.Unlock()

	if started {
		w.loopWG.Wait()
	}

	w.mu.Lock()
	w.state = stateStopped
	w.mu.Unlock()
}

func subscribe(root string) (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	// Watching only the root means events arrive for immediate
	// children alone; deeper creations are invisible, which is the
	// wanted behavior.
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}
	return fsw, nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	defer w.loopWG.Done()
	defer close(w.arrivals)

	restarts := 0
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("filesystem watcher error", "error", err)
			restarts++
			if restarts > w.maxRestarts {
				w.logger.Error("watcher failed fatally", "restarts", restarts-1)
				return
			}
			next, subErr := w.resubscribe(fsw)
			if subErr != nil {
				w.logger.Error("watcher resubscribe failed", "error", subErr)
				return
			}
			fsw = next
			w.logger.Warn("watcher resubscribed", "attempt", restarts)
		}
	}
}

// resubscribe replaces the failed subscription with a fresh one,
// keeping the stored handle current so Stop closes the right watcher.
func (w *Watcher) resubscribe(old *fsnotify.Watcher) (*fsnotify.Watcher, error) {
	old.Close()
	next, err := subscribe(w.root)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateWatching {
		next.Close()
		return nil, ErrStopped
	}
	w.fsw = next
	return next, nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) {
		return
	}
	path := filepath.Clean(event.Name)
	if filepath.Dir(path) != w.root {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	now := time.Now()
	if !w.admit(path, now) {
		w.logger.Debug("duplicate folder event dropped", "folder", path)
		return
	}

	w.logger.Info("new folder detected", "folder", path)
	select {
	case w.arrivals <- Arrival{Path: path, Detected: now}:
	default:
		// The queue bound protects the event loop; the worker is too
		// far behind, so this arrival is lost.
		w.logger.Warn("arrival queue full, dropping folder", "folder", path)
	}
}

// admit de-duplicates creation events by path within the cool-down
// window.
func (w *Watcher) admit(path string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, seen := w.recent[path]; seen && now.Sub(last) < w.cooldown {
		return false
	}
	w.recent[path] = now
	// Expired entries are pruned here so the map stays proportional to
	// recent activity.
	for p, ts := range w.recent {
		if now.Sub(ts) >= w.cooldown {
			delete(w.recent, p)
		}
	}
	return true
}
