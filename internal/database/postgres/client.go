// Package postgres keeps the durable history of a gominer host: process
// lifecycle events, share submissions and blocks found while solo mining.
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/gominer/pkg/errors"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration

	// DSN overrides the individual connection fields when set
	DSN string
}

// ConfigFromURL builds a Config from a postgres:// URL
func ConfigFromURL(rawURL string) (*Config, error) {
	dsn, err := pq.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "postgres_config", "invalid Postgres URL")
	}
	return &Config{
		DSN:          dsn,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}, nil
}

// ConnString returns the key=value connection string for cfg. Values are
// quoted the way pq.ParseURL quotes them.
func (cfg *Config) ConnString() string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	parts := []string{
		connParam("host", cfg.Host),
		connParam("port", strconv.Itoa(cfg.Port)),
		connParam("dbname", cfg.Database),
		connParam("user", cfg.User),
	}
	if cfg.Password != "" {
		parts = append(parts, connParam("password", cfg.Password))
	}
	if cfg.SSLMode != "" {
		parts = append(parts, connParam("sslmode", cfg.SSLMode))
	}
	return strings.Join(parts, " ")
}

var connValueEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func connParam(key, value string) string {
	return key + "='" + connValueEscaper.Replace(value) + "'"
}

// NewClient opens and pings a PostgreSQL connection pool
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_open", "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connect", "failed to ping database")
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Migrate creates the tables gominer writes to
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate", "failed to apply schema")
		}
	}
	return nil
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
