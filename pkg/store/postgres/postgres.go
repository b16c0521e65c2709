// Package postgres is the shared-database store backend, for deployments
// where several capture daemons feed one transcript archive.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "captrail",
		User:            "captrail",
		Password:        "",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ConfigFromEnv creates a Config from CAPTRAIL_DB_* environment variables,
// falling back to defaults for anything unset.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if host := os.Getenv("CAPTRAIL_DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("CAPTRAIL_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if database := os.Getenv("CAPTRAIL_DB_NAME"); database != "" {
		cfg.Database = database
	}
	if user := os.Getenv("CAPTRAIL_DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("CAPTRAIL_DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if sslmode := os.Getenv("CAPTRAIL_DB_SSLMODE"); sslmode != "" {
		cfg.SSLMode = sslmode
	}
	if maxConns := os.Getenv("CAPTRAIL_DB_MAX_CONNS"); maxConns != "" {
		if mc, err := strconv.ParseInt(maxConns, 10, 32); err == nil {
			cfg.MaxConns = int32(mc)
		}
	}
	return cfg
}

// ConnectionString builds a PostgreSQL connection string from the config.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
		int(c.ConnectTimeout.Seconds()),
	)
}

// Validate checks if the config has required fields set.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("max connections (%d) must be >= min connections (%d)", c.MaxConns, c.MinConns)
	}
	return nil
}

// Connect creates a connection pool, verifies it with a ping, and applies
// pending migrations.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return pool, nil
}

// ConnectWithRetry retries Connect with a fixed delay, for daemons that start
// before their database.
func ConnectWithRetry(ctx context.Context, cfg *Config, maxAttempts int, retryDelay time.Duration) (*pgxpool.Pool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err := Connect(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", maxAttempts, lastErr)
}

// migration is one versioned schema step. Versions are applied in slice
// order and recorded in schema_migrations; never reorder or edit a shipped
// step, append a new one.
type migration struct {
	Version string
	SQL     string
}

func migrations() []migration {
	return []migration{
		{
			Version: "001_meetings",
			SQL: `
CREATE TABLE IF NOT EXISTS meetings (
    id             TEXT PRIMARY KEY,
    platform       TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    page_url       TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ,
    recovered      BOOLEAN NOT NULL DEFAULT FALSE,
    webhook_status TEXT NOT NULL DEFAULT 'new'
);
CREATE INDEX IF NOT EXISTS meetings_started_at_idx ON meetings (started_at DESC);
CREATE INDEX IF NOT EXISTS meetings_unfinalized_idx ON meetings (started_at) WHERE ended_at IS NULL;`,
		},
		{
			Version: "002_transcript",
			SQL: `
CREATE TABLE IF NOT EXISTS transcript_blocks (
    meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
    seq        BIGINT NOT NULL,
    speaker    TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (meeting_id, seq)
);
CREATE TABLE IF NOT EXISTS chat_messages (
    meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
    seq        BIGINT NOT NULL,
    speaker    TEXT NOT NULL,
    sent_at    TIMESTAMPTZ NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (meeting_id, seq)
);`,
		},
	}
}

// runMigrations applies pending migrations in order, each in its own
// transaction, recording applied versions in schema_migrations.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations() {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(ctx, pool, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit(ctx)
}

// isNoRows reports whether err is the pgx no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
