package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"agentrelay/internal/migrate"
)

const (
	defaultDir    = ".relay"
	defaultDBName = "relay.db"
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"
)

type Config struct {
	// Workspace holds the .relay directory. Ignored when Path is set.
	Workspace string
	// Path overrides the database file location.
	Path string
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, defaultDir, defaultDBName)
}

// Open opens the SQLite database with foreign keys on and applies pending
// migrations.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	path := cfg.path()
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps an in-memory database alive.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxIdleTime(0)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Path returns the database path selected by cfg.
func Path(cfg Config) string {
	return cfg.path()
}
