// Package cmd provides the CLI commands for captrail.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/captrail/captrail/config"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/store"
	"github.com/captrail/captrail/pkg/store/postgres"
	"github.com/captrail/captrail/pkg/store/sqlite"
)

// CommandDeps holds the dependencies commands need, swappable in tests.
type CommandDeps struct {
	// LoadConfig loads the daemon configuration.
	LoadConfig func() (*config.Config, error)

	// OpenStore opens the backend the configuration selects.
	OpenStore func(ctx context.Context, cfg *config.Config) (store.Store, error)

	// NewLogger builds the logger after global flags are parsed.
	NewLogger func() logging.Logger

	// Out is where command output goes.
	Out io.Writer
}

// DefaultDeps returns the production dependencies.
func DefaultDeps(newLogger func() logging.Logger) *CommandDeps {
	return &CommandDeps{
		LoadConfig: config.LoadConfig,
		OpenStore:  openStore,
		NewLogger:  newLogger,
		Out:        os.Stdout,
	}
}

func (d *CommandDeps) logger() logging.Logger {
	if d.NewLogger != nil {
		return d.NewLogger()
	}
	return logging.NewNopLogger()
}

func (d *CommandDeps) out() io.Writer {
	if d.Out != nil {
		return d.Out
	}
	return os.Stdout
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		return sqlite.Open(cfg.SQLitePath())
	case config.StorePostgres:
		return postgres.Open(ctx, postgresConfig(cfg))
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// postgresConfig merges the file config over the CAPTRAIL_DB_* environment.
func postgresConfig(cfg *config.Config) *postgres.Config {
	pc := postgres.ConfigFromEnv()
	p := cfg.Store.Postgres
	if p.Host != "" {
		pc.Host = p.Host
	}
	if p.Port != 0 {
		pc.Port = p.Port
	}
	if p.Database != "" {
		pc.Database = p.Database
	}
	if p.User != "" {
		pc.User = p.User
	}
	if p.Password != "" {
		pc.Password = p.Password
	}
	if p.SSLMode != "" {
		pc.SSLMode = p.SSLMode
	}
	if p.MaxConns != 0 {
		pc.MaxConns = int32(p.MaxConns)
	}
	return pc
}
