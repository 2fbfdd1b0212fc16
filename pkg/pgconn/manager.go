package pgconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sethvargo/go-retry"
)

// ErrUnavailable marks connection-class failures: the server could not
// be reached, or an established connection died. Callers classify with
// errors.Is.
var ErrUnavailable = errors.New("database unavailable")

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// ConnectAttempts bounds how many attempts Ensure makes when
	// establishing a connection.
	ConnectAttempts int
	// Logger receives connection lifecycle events. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// Manager owns the single database connection used for script
// execution. It verifies liveness before use, reconnects once when the
// connection is found dead, and scopes transactions.
//
// A Manager is not safe for concurrent use; the service funnels all
// work through one goroutine, which is what keeps transactions from
// interleaving on the shared connection.
type Manager struct {
	dsn             string
	connectTimeout  time.Duration
	connectAttempts int
	logger          *slog.Logger

	db *sql.DB
	tx *sql.Tx
}

// NewManager creates a Manager for dsn. No connection is made until
// Ensure is called.
func NewManager(dsn string, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		dsn:             ensureSSLMode(dsn),
		connectTimeout:  opts.ConnectTimeout,
		connectAttempts: opts.ConnectAttempts,
		logger:          opts.Logger,
	}
}

// Ensure guarantees a live connection. A missing connection is
// established under the bounded retry budget; a stale one is probed,
// closed, and re-established exactly once before failure surfaces to
// the caller. Ensure never retries caller statements.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.db == nil {
		return m.connect(ctx)
	}
	if m.Alive(ctx) {
		return nil
	}
	m.logger.Warn("database connection lost, reconnecting")
	m.close()
	if err := m.connect(ctx); err != nil {
		return err
	}
	m.logger.Info("database connection re-established")
	return nil
}

// Alive reports whether the current connection answers a liveness
// probe. It never returns an error; no connection means false.
func (m *Manager) Alive(ctx context.Context) bool {
	if m.db == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	return m.db.PingContext(probeCtx) == nil
}

// Begin starts a transaction. A transaction must be terminated by
// Commit or Rollback before the next Begin.
func (m *Manager) Begin(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("begin: %w", ErrUnavailable)
	}
	if m.tx != nil {
		return errors.New("begin: transaction already open")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return m.wrapExecErr("starting transaction", err)
	}
	m.tx = tx
	return nil
}

// Exec runs a single statement inside the open transaction and returns
// the affected-row count, which is informational only. Server-side
// rejections come back wrapped with the driver's detail; connection
// deaths additionally mark the handle dead so the next Ensure
// reconnects.
func (m *Manager) Exec(ctx context.Context, stmt string) (int64, error) {
	if m.tx == nil {
		return 0, errors.New("exec: no open transaction")
	}
	res, err := m.tx.ExecContext(ctx, stmt)
	if err != nil {
		return 0, m.wrapExecErr("executing statement", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// Commit commits the open transaction.
func (m *Manager) Commit() error {
	if m.tx == nil {
		return errors.New("commit: no open transaction")
	}
	err := m.tx.Commit()
	m.tx = nil
	if err != nil {
		return m.wrapExecErr("committing transaction", err)
	}
	return nil
}

// Rollback rolls back the open transaction. Rollback is cleanup, so it
// tolerates a transaction the server already aborted and a transaction
// that is already gone: a connection-class failure tears the
// transaction down before the caller gets to roll back.
func (m *Manager) Rollback() error {
	if m.tx == nil {
		return nil
	}
	err := m.tx.Rollback()
	m.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return m.wrapExecErr("rolling back transaction", err)
	}
	return nil
}

// Close rolls back any open transaction and closes the connection.
// Safe to call repeatedly.
func (m *Manager) Close() error {
	if m.tx != nil {
		m.tx.Rollback()
		m.tx = nil
	}
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	m.logger.Info("database connection closed")
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	backoff := retry.WithMaxRetries(uint64(m.connectAttempts-1), retry.NewConstant(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		db, err := sql.Open("postgres", m.dsn)
		if err != nil {
			return err // malformed DSN, not worth retrying
		}
		// Single connection: the pool must never hand out a second
		// handle, or concurrent transactions could interleave.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		pingCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return retry.RetryableError(err)
		}
		m.db = db
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: connecting after %d attempts: %v", ErrUnavailable, m.connectAttempts, err)
	}
	m.logger.Info("database connection established")
	return nil
}

func (m *Manager) close() {
	if m.tx != nil {
		m.tx.Rollback()
		m.tx = nil
	}
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
}

// wrapExecErr wraps a database error, tagging connection-class
// failures with ErrUnavailable and marking the handle dead so the next
// Ensure opens a fresh connection.
func (m *Manager) wrapExecErr(doing string, err error) error {
	if IsConnectionError(err) {
		m.close()
		return fmt.Errorf("%s: %w: %v", doing, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", doing, err)
}

// IsConnectionError reports whether err indicates a dead or unreachable
// connection rather than a statement the server rejected.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// SQLSTATE class 08 is "connection exception".
		return strings.HasPrefix(string(pqErr.Code), "08")
	}
	return false
}
