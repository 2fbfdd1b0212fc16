package db

import (
	"fmt"
	"net/url"
	"strings"
)

// ConnConfig is a parsed database URL.
type ConnConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
}

// ParseDatabaseURL splits a postgres:// URL into its parts.
func ParseDatabaseURL(dbURL string) (*ConnConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported database URL scheme %q", u.Scheme)
	}

	cfg := &ConnConfig{
		Host:     u.Hostname(),
		Port:     u.Port(),
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database URL %q has no database name", dbURL)
	}
	return cfg, nil
}

// AdminURL returns a URL for administrative operations: the same host
// and credentials, connected to the maintenance database.
func (c *ConnConfig) AdminURL() string {
	u := url.URL{
		Scheme: "postgres",
		Path:   "/postgres",
	}
	if c.Port != "" {
		u.Host = c.Host + ":" + c.Port
	} else {
		u.Host = c.Host
	}
	if c.User != "" && c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	return u.String()
}
