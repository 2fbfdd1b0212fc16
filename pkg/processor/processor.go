// Package processor executes the SQL scripts found in an arrived
// folder, one transaction per file.
//
// Files are fully independent: a failed file rolls back only its own
// transaction and never blocks the files after it. The processor makes
// no attempt at folder-level atomicity; this is a deliberate
// best-effort-per-file policy.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucasefe/sqlwatch/pkg/sqlsplit"
)

// Conn is the slice of the connection manager the processor needs. It
// is satisfied by *pgconn.Manager and by fakes in tests.
type Conn interface {
	Ensure(ctx context.Context) error
	Begin(ctx context.Context) error
	Exec(ctx context.Context, stmt string) (int64, error)
	Commit() error
	Rollback() error
}

// Result is the outcome of executing one script file.
type Result struct {
	// Path is the script file path.
	Path string
	// Attempted counts statements sent to the server, the failing one
	// included. Succeeded counts statements the server accepted.
	Attempted int
	Succeeded int
	// Committed reports whether the file's transaction committed.
	Committed bool
	// Err is nil on success. Statement rejections carry a
	// *StatementError; read and connection failures carry their
	// wrapped cause.
	Err error
}

// Failed reports whether the file's execution failed.
func (r Result) Failed() bool { return r.Err != nil }

// StatementError reports a statement the server rejected.
type StatementError struct {
	// Index is the 1-based position of the failing statement within
	// its file.
	Index     int
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %d: %v", e.Index, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// Options configures a Processor.
type Options struct {
	// SettleBudget bounds how long Process keeps re-polling a folder
	// that contains no .sql files yet. Folders are often created
	// before their files finish copying. Zero disables polling.
	SettleBudget time.Duration
	// PollInterval is the pause between polls. Defaults to 2s.
	PollInterval time.Duration
	// Logger receives per-file results. Defaults to a discarding
	// logger.
	Logger *slog.Logger
}

// Processor executes script folders through a connection manager.
type Processor struct {
	conn         Conn
	settleBudget time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a Processor executing through conn.
func New(conn Conn, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		conn:         conn,
		settleBudget: opts.SettleBudget,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
	}
}

// Process executes every .sql file directly inside dir, in
// case-insensitive filename order, and returns one Result per file. A
// cancelled context stops processing between files; the current file
// always reaches commit or rollback. The returned error covers only
// folder-level failures (the directory could not be listed at all).
func (p *Processor) Process(ctx context.Context, dir string) ([]Result, error) {
	files, err := p.discover(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		p.logger.Warn("no sql files found in folder", "folder", dir)
		return nil, nil
	}
	p.logger.Info("processing folder", "folder", dir, "files", len(files))

	results := make([]Result, 0, len(files))
	for _, file := range files {
		if ctx.Err() != nil {
			p.logger.Warn("stopping before remaining files", "folder", dir, "remaining", len(files)-len(results))
			break
		}
		res := p.processFile(ctx, file)
		p.logResult(res)
		results = append(results, res)
	}
	return results, nil
}

// discover lists the immediate .sql children of dir, re-polling within
// the settle budget while the folder is still empty.
func (p *Processor) discover(ctx context.Context, dir string) ([]string, error) {
	deadline := time.Now().Add(p.settleBudget)
	for {
		files, err := listScripts(dir)
		if err != nil {
			return nil, err
		}
		if len(files) > 0 || time.Now().After(deadline) {
			return files, nil
		}
		p.logger.Debug("waiting for sql files to appear", "folder", dir)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func listScripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing folder: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".sql") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	// Case-insensitive lexicographic order, with the raw name breaking
	// ties so the order is total.
	sort.Slice(files, func(i, j int) bool {
		a, b := filepath.Base(files[i]), filepath.Base(files[j])
		la, lb := strings.ToLower(a), strings.ToLower(b)
		if la != lb {
			return la < lb
		}
		return a < b
	})
	return files, nil
}

// processFile runs one script file inside a single transaction.
// Cancellation is honored between files, not here: once a file's
// transaction begins it runs to commit or rollback, so database work is
// done under a context detached from cancellation.
func (p *Processor) processFile(ctx context.Context, path string) Result {
	ctx = context.WithoutCancel(ctx)
	res := Result{Path: path}

	content, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("reading script: %w", err)
		return res
	}

	if err := p.conn.Ensure(ctx); err != nil {
		res.Err = err
		return res
	}

	statements := sqlsplit.Split(string(content))

	// An empty script still gets its (empty) transaction committed so
	// the outcome is an explicit success.
	if err := p.conn.Begin(ctx); err != nil {
		res.Err = err
		return res
	}

	for i, stmt := range statements {
		res.Attempted++
		if _, err := p.conn.Exec(ctx, stmt); err != nil {
			res.Err = &StatementError{Index: i + 1, Statement: stmt, Err: err}
			if rbErr := p.conn.Rollback(); rbErr != nil {
				res.Err = errors.Join(res.Err, rbErr)
			}
			return res
		}
		res.Succeeded++
	}

	if err := p.conn.Commit(); err != nil {
		res.Err = err
		return res
	}
	res.Committed = true
	return res
}

func (p *Processor) logResult(res Result) {
	if res.Err == nil {
		p.logger.Info("script executed",
			"file", res.Path,
			"statements", res.Succeeded,
			"committed", res.Committed)
		return
	}
	attrs := []any{"file", res.Path, "attempted", res.Attempted, "succeeded", res.Succeeded, "error", res.Err}
	var stmtErr *StatementError
	if errors.As(res.Err, &stmtErr) {
		attrs = append(attrs, "statement_index", stmtErr.Index)
	}
	p.logger.Error("script failed", attrs...)
}
