// Package db provisions the target database the watch service executes
// against.
package db

import (
	"context"
	"fmt"

	"github.com/lucasefe/sqlwatch/pkg/pgconn"
)

// Manager handles database lifecycle operations
type Manager struct{}

// New creates a new Manager
func New() *Manager {
	return &Manager{}
}

// Drop drops the database specified in the database URL
func (m *Manager) Drop(ctx context.Context, dbURL, adminURL string) error {
	cfg, err := ParseDatabaseURL(dbURL)
	if err != nil {
		return err
	}

	if adminURL == "" {
		adminURL = cfg.AdminURL()
	}

	db, err := pgconn.Open(adminURL)
	if err != nil {
		return fmt.Errorf("connecting to admin database: %w", err)
	}
	defer db.Close()

	query := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgconn.QuoteIdentifier(cfg.Database))
	_, err = db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("dropping database: %w", err)
	}

	return nil
}

// Create creates the database specified in the database URL. Does
// nothing if it already exists.
func (m *Manager) Create(ctx context.Context, dbURL, adminURL string) error {
	cfg, err := ParseDatabaseURL(dbURL)
	if err != nil {
		return err
	}

	if adminURL == "" {
		adminURL = cfg.AdminURL()
	}

	db, err := pgconn.Open(adminURL)
	if err != nil {
		return fmt.Errorf("connecting to admin database: %w", err)
	}
	defer db.Close()

	// Check if database already exists
	checkQuery := "SELECT 1 FROM pg_database WHERE datname = $1"
	var exists int
	err = db.QueryRowContext(ctx, checkQuery, cfg.Database).Scan(&exists)
	if err == nil && exists == 1 {
		return nil // Database already exists
	}

	query := fmt.Sprintf("CREATE DATABASE %s", pgconn.QuoteIdentifier(cfg.Database))
	_, err = db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}

	return nil
}
