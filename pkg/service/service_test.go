package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucasefe/sqlwatch/pkg/config"
	"github.com/lucasefe/sqlwatch/pkg/processor"
)

type fakeConn struct {
	mu      sync.Mutex
	ensures int
	closed  bool
}

func (f *fakeConn) Ensure(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeProc struct {
	mu      sync.Mutex
	dirs    []string
	started chan string
	delay   time.Duration
	done    int
}

func (f *fakeProc) Process(ctx context.Context, dir string) ([]processor.Result, error) {
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- dir
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.done++
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeProc) processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dirs...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Host:        "localhost",
		User:        "sqlwatch",
		Database:    "sqlwatch_test",
		WatchDir:    t.TempDir(),
		SettleDelay: time.Millisecond,
		StopGrace:   5 * time.Second,
	}
}

func startService(t *testing.T, cfg config.Config, conn *fakeConn, proc *fakeProc) *Service {
	t.Helper()
	svc, err := New(cfg, nil, WithConnection(conn), WithProcessor(proc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(context.Background()) }()
	t.Cleanup(func() {
		svc.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Start did not return after Stop")
		}
	})

	// Wait for the watcher to be live before the test creates folders.
	deadline := time.Now().Add(2 * time.Second)
	for svc.State() != "watching" {
		if time.Now().After(deadline) {
			t.Fatal("service never reached watching state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return svc
}

func TestServiceProcessesArrivedFolder(t *testing.T) {
	cfg := testConfig(t)
	conn := &fakeConn{}
	proc := &fakeProc{started: make(chan string, 1)}
	startService(t, cfg, conn, proc)

	dir := filepath.Join(cfg.WatchDir, "drop-001")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	select {
	case got := <-proc.started:
		if got != dir {
			t.Fatalf("processed %s, want %s", got, dir)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("folder was never processed")
	}
}

func TestServiceProcessesFoldersSequentially(t *testing.T) {
	cfg := testConfig(t)
	conn := &fakeConn{}
	proc := &fakeProc{}
	startService(t, cfg, conn, proc)

	for _, name := range []string{"a", "b", "c"} {
		if err := os.Mkdir(filepath.Join(cfg.WatchDir, name), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(proc.processed()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 folders processed, got %v", proc.processed())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceStopWaitsForInFlightWork(t *testing.T) {
	cfg := testConfig(t)
	conn := &fakeConn{}
	proc := &fakeProc{started: make(chan string, 1), delay: 300 * time.Millisecond}
	svc := startService(t, cfg, conn, proc)

	if err := os.Mkdir(filepath.Join(cfg.WatchDir, "slow"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	<-proc.started

	svc.Stop()

	proc.mu.Lock()
	done := proc.done
	proc.mu.Unlock()
	if done != 1 {
		t.Fatal("Stop returned before in-flight processing finished")
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatal("connection not closed on stop")
	}
	if svc.State() != "stopped" {
		t.Fatalf("state = %s, want stopped", svc.State())
	}
}

func TestServiceStopIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg, &fakeConn{}, &fakeProc{})
	svc.Stop()
	svc.Stop()
	if svc.State() != "stopped" {
		t.Fatalf("state = %s, want stopped", svc.State())
	}
}

func TestServiceStartTwiceFails(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg, &fakeConn{}, &fakeProc{})
	if err := svc.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("second Start: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestServiceStartReturnsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, nil, WithConnection(&fakeConn{}), WithProcessor(&fakeProc{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for svc.State() != "watching" {
		if time.Now().After(deadline) {
			t.Fatal("service never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after context cancel")
	}
	if svc.State() != "stopped" {
		t.Fatalf("state = %s, want stopped", svc.State())
	}
}

func TestServiceStartReturnsErrorOnWatcherFailure(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, nil, WithConnection(&fakeConn{}), WithProcessor(&fakeProc{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for svc.State() != "watching" {
		if time.Now().After(deadline) {
			t.Fatal("service never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Killing the subscription out from under the running service
	// stands in for the notification subsystem failing past its
	// restart budget.
	svc.w.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrWatcherFailed) {
			t.Fatalf("Start: err = %v, want ErrWatcherFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after watcher death")
	}
	if svc.State() != "stopped" {
		t.Fatalf("state = %s, want stopped", svc.State())
	}
}

func TestServiceRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = ""
	cfg.DatabaseURL = ""
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected configuration error")
	}
}
