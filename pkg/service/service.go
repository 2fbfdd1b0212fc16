// Package service composes the watcher, connection manager, and folder
// processor into a long-running sqlwatch instance with an explicit
// start/stop lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lucasefe/sqlwatch/pkg/config"
	"github.com/lucasefe/sqlwatch/pkg/pgconn"
	"github.com/lucasefe/sqlwatch/pkg/processor"
	"github.com/lucasefe/sqlwatch/pkg/watcher"
)

// Connection is the slice of the connection manager the service
// lifecycle needs.
type Connection interface {
	Ensure(ctx context.Context) error
	Close() error
}

// FolderProcessor executes one arrived folder.
type FolderProcessor interface {
	Process(ctx context.Context, dir string) ([]processor.Result, error)
}

// ErrAlreadyStarted is returned when Start is called on a service that
// is not idle. A Service runs one start/stop cycle; construct a new one
// to run again.
var ErrAlreadyStarted = errors.New("service already started")

// ErrWatcherFailed is returned from Start when the filesystem watcher
// dies past its restart budget while the service is still supposed to
// be watching.
var ErrWatcherFailed = errors.New("filesystem watcher failed")

// Option overrides a collaborator, mainly for tests.
type Option func(*Service)

// WithConnection replaces the connection manager.
func WithConnection(conn Connection) Option {
	return func(s *Service) { s.conn = conn }
}

// WithProcessor replaces the folder processor.
func WithProcessor(p FolderProcessor) Option {
	return func(s *Service) { s.proc = p }
}

// Service watches a directory tree and executes arriving SQL script
// folders sequentially over a single database connection.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	conn Connection
	proc FolderProcessor
	w    *watcher.Watcher

	mu      sync.Mutex
	state   string
	started bool

	cancelRun  context.CancelFunc
	workerDone chan struct{}
	runErr     error
	stopOnce   sync.Once
	finishOnce sync.Once
	stopped    chan struct{}
}

// finish marks the service terminally stopped. Safe to reach from both
// the startup failure paths and Stop.
func (s *Service) finish() {
	s.finishOnce.Do(func() {
		s.setState("stopped")
		close(s.stopped)
	})
}

// New validates cfg and assembles a Service. Construction takes all
// parameters explicitly; nothing is read from process-global state.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn := pgconn.NewManager(cfg.DSN(), pgconn.Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		Logger:          logger,
	})
	w, err := watcher.New(cfg.WatchDir, watcher.Options{
		Cooldown:    cfg.Cooldown,
		QueueSize:   cfg.QueueSize,
		MaxRestarts: cfg.WatcherRestarts,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		w:       w,
		state:   "idle",
		stopped: make(chan struct{}),
	}
	s.proc = processor.New(conn, processor.Options{
		SettleBudget: cfg.SettleBudget,
		Logger:       logger,
	})
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State reports the lifecycle state: idle, watching, stopping, or
// stopped.
func (s *Service) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start establishes the database connection, begins watching, and
// blocks until the service stops: via Stop, a cancelled ctx, or a
// fatal watcher failure. Connection or subscription failure at startup
// is fatal and returned; a watcher that dies past its restart budget
// surfaces as ErrWatcherFailed.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.conn.Ensure(ctx); err != nil {
		s.finish()
		return fmt.Errorf("startup: %w", err)
	}
	if err := s.w.Start(); err != nil {
		s.conn.Close()
		s.finish()
		return fmt.Errorf("startup: %w", err)
	}
	s.setState("watching")

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelRun = cancel
	s.workerDone = make(chan struct{})
	s.mu.Unlock()
	go s.worker(runCtx)

	s.logger.Info("sqlwatch started", "watch_dir", s.cfg.WatchDir)

	select {
	case <-ctx.Done():
	case <-s.workerDone:
		// The worker only exits on its own if the watcher died; the
		// cause is in runErr.
	case <-s.stopped:
		return nil
	}
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stop shuts the service down: the subscription closes, pending queued
// folders are discarded, and the in-flight file (if any) is given the
// stop grace period to reach commit or rollback before the connection
// is torn down. Idempotent and safe to call from any goroutine.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.setState("stopping")
		s.logger.Info("stopping sqlwatch")

		s.w.Stop()
		s.mu.Lock()
		cancelRun, workerDone := s.cancelRun, s.workerDone
		s.mu.Unlock()
		if cancelRun != nil {
			cancelRun()
		}
		if workerDone != nil {
			select {
			case <-workerDone:
			case <-time.After(s.cfg.StopGrace):
				s.logger.Warn("stop grace period exceeded, forcing shutdown")
			}
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Error("closing connection", "error", err)
		}

		s.finish()
	})
	<-s.stopped
}

// worker drains arrivals sequentially. One worker plus one connection
// is what serializes transactions.
func (s *Service) worker(ctx context.Context) {
	defer close(s.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case arrival, ok := <-s.w.Arrivals():
			if !ok {
				// A closed arrival queue during an orderly Stop is
				// expected; while still watching it means the watcher
				// died, which is fatal.
				if ctx.Err() == nil && s.State() == "watching" {
					s.logger.Error("watcher terminated, shutting down")
					s.mu.Lock()
					s.runErr = ErrWatcherFailed
					s.mu.Unlock()
				}
				return
			}
			if !s.settle(ctx) {
				return
			}
			if _, err := s.proc.Process(ctx, arrival.Path); err != nil {
				s.logger.Error("folder processing failed", "folder", arrival.Path, "error", err)
			}
		}
	}
}

// settle waits the configured delay so a freshly created folder can
// finish receiving its files before being listed. Returns false when
// stopped mid-wait.
func (s *Service) settle(ctx context.Context) bool {
	if s.cfg.SettleDelay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.SettleDelay):
		return true
	}
}
