// Package config holds the runtime configuration for the sqlwatch
// service. Configuration is an explicit value passed to construction;
// there is no process-wide state.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Defaults applied by Normalize for fields left at their zero value.
const (
	DefaultPort            = 5432
	DefaultConnectTimeout  = 30 * time.Second
	DefaultConnectAttempts = 3
	DefaultSettleDelay     = 2 * time.Second
	DefaultSettleBudget    = 30 * time.Second
	DefaultCooldown        = 5 * time.Second
	DefaultQueueSize       = 16
	DefaultWatcherRestarts = 3
	DefaultStopGrace       = 30 * time.Second
)

// Config describes a sqlwatch service instance: the database it
// executes against and the directory it watches.
type Config struct {
	// DatabaseURL, when set, takes precedence over the discrete
	// connection fields below.
	DatabaseURL string

	Host     string
	Port     int
	User     string
	Password string
	Database string

	// SSLMode is a lib/pq sslmode value (disable, require, verify-ca,
	// verify-full). Empty means disable, matching pgconn.Open.
	SSLMode     string
	SSLRootCert string

	// ConnectTimeout bounds a single connection attempt.
	// ConnectAttempts bounds how many attempts Ensure makes.
	ConnectTimeout  time.Duration
	ConnectAttempts int

	// WatchDir is the root directory monitored for new subfolders.
	WatchDir string

	// SettleDelay is the pause between detecting a folder and listing
	// it, so a copy in progress can finish landing. SettleBudget bounds
	// how long the processor re-polls a folder that has no .sql files
	// yet.
	SettleDelay  time.Duration
	SettleBudget time.Duration

	// Cooldown is the per-path dedupe window for repeated creation
	// events.
	Cooldown time.Duration

	// QueueSize bounds the arrival queue between the watcher and the
	// worker.
	QueueSize int

	// WatcherRestarts bounds resubscribe attempts after a notification
	// subsystem failure before it is treated as fatal.
	WatcherRestarts int

	// StopGrace bounds how long Stop waits for in-flight folder
	// processing to finish.
	StopGrace time.Duration

	LogLevel  string
	LogFormat string
}

// FromEnv builds a Config from SQLWATCH_* environment variables
// (DATABASE_URL is honored as the connection string). Unset fields stay
// zero and pick up defaults in Normalize.
func FromEnv() Config {
	return Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Host:        os.Getenv("SQLWATCH_DB_HOST"),
		Port:        envInt("SQLWATCH_DB_PORT"),
		User:        os.Getenv("SQLWATCH_DB_USER"),
		Password:    os.Getenv("SQLWATCH_DB_PASSWORD"),
		Database:    os.Getenv("SQLWATCH_DB_NAME"),
		SSLMode:     os.Getenv("SQLWATCH_DB_SSLMODE"),
		SSLRootCert: os.Getenv("SQLWATCH_DB_SSLROOTCERT"),

		ConnectTimeout:  envDuration("SQLWATCH_CONNECT_TIMEOUT"),
		ConnectAttempts: envInt("SQLWATCH_CONNECT_ATTEMPTS"),

		WatchDir:        os.Getenv("SQLWATCH_WATCH_DIR"),
		SettleDelay:     envDuration("SQLWATCH_SETTLE_DELAY"),
		SettleBudget:    envDuration("SQLWATCH_SETTLE_BUDGET"),
		Cooldown:        envDuration("SQLWATCH_COOLDOWN"),
		QueueSize:       envInt("SQLWATCH_QUEUE_SIZE"),
		WatcherRestarts: envInt("SQLWATCH_WATCHER_RESTARTS"),
		StopGrace:       envDuration("SQLWATCH_STOP_GRACE"),

		LogLevel:  os.Getenv("SQLWATCH_LOG_LEVEL"),
		LogFormat: os.Getenv("SQLWATCH_LOG_FORMAT"),
	}
}

// envInt and envDuration return the zero value for unset or malformed
// variables; Normalize then applies the default.
func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// Normalize fills defaulted fields in place.
func (c *Config) Normalize() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.SettleBudget <= 0 {
		c.SettleBudget = DefaultSettleBudget
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.WatcherRestarts <= 0 {
		c.WatcherRestarts = DefaultWatcherRestarts
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate ensures the configuration is usable. Validation failures are
// fatal at startup: the service does not start on a bad config.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	return c.validateWatch()
}

func (c *Config) validateDatabase() error {
	if c.DatabaseURL != "" {
		if _, err := url.Parse(c.DatabaseURL); err != nil {
			return fmt.Errorf("database URL: %w", err)
		}
		return nil
	}
	if c.Host == "" {
		return errors.New("database host must be set (SQLWATCH_DB_HOST or DATABASE_URL)")
	}
	if c.User == "" {
		return errors.New("database user must be set (SQLWATCH_DB_USER)")
	}
	if c.Database == "" {
		return errors.New("database name must be set (SQLWATCH_DB_NAME)")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("database port %d out of range", c.Port)
	}
	return nil
}

func (c *Config) validateWatch() error {
	if c.WatchDir == "" {
		return errors.New("watch directory must be set (SQLWATCH_WATCH_DIR)")
	}
	info, err := os.Stat(c.WatchDir)
	if err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch directory %s is not a directory", c.WatchDir)
	}
	return nil
}

// DSN returns the lib/pq connection string for this config. When
// DatabaseURL is set it is returned as-is; pgconn.Open applies the
// sslmode default.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.SSLRootCert != "" {
		q.Set("sslrootcert", c.SSLRootCert)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
