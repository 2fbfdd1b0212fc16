// Package migrate wraps the goose migration library for managing the
// schema of the database sqlwatch executes against.
package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/lucasefe/sqlwatch/pkg/pgconn"
)

// Migrator handles database migrations using goose
type Migrator struct {
	verbose bool
	stdout  io.Writer
}

// Option configures a Migrator
type Option func(*Migrator)

// WithVerbose enables verbose output
func WithVerbose(v bool) Option {
	return func(m *Migrator) {
		m.verbose = v
	}
}

// WithStdout sets the stdout writer
func WithStdout(w io.Writer) Option {
	return func(m *Migrator) {
		m.stdout = w
	}
}

// New creates a new Migrator with the given options
func New(opts ...Option) *Migrator {
	m := &Migrator{
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up runs all pending migrations
func (m *Migrator) Up(ctx context.Context, dbURL, migrationsDir string) error {
	db, err := pgconn.Open(dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	m.configureGoose()
	return goose.UpContext(ctx, db, migrationsDir)
}

// Down rolls back the last migration
func (m *Migrator) Down(ctx context.Context, dbURL, migrationsDir string) error {
	db, err := pgconn.Open(dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	m.configureGoose()
	return goose.DownContext(ctx, db, migrationsDir)
}

// Status shows the status of all migrations
func (m *Migrator) Status(ctx context.Context, dbURL, migrationsDir string) error {
	db, err := pgconn.Open(dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	m.configureGoose()
	return goose.StatusContext(ctx, db, migrationsDir)
}

// Create creates a new migration file with the given name
func (m *Migrator) Create(migrationsDir, name string) (string, error) {
	timestamp := time.Now().UTC().Format("20060102150405")
	filename := fmt.Sprintf("%s_%s.sql", timestamp, name)
	filepath := filepath.Join(migrationsDir, filename)

	content := `-- +goose Up
-- +goose StatementBegin

-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin

-- +goose StatementEnd
`

	if err := os.MkdirAll(migrationsDir, 0755); err != nil {
		return "", fmt.Errorf("creating migrations directory: %w", err)
	}

	if err := os.WriteFile(filepath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing migration file: %w", err)
	}

	return filepath, nil
}

func (m *Migrator) configureGoose() {
	goose.SetDialect("postgres")
	goose.SetVerbose(m.verbose)
}
