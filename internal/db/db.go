package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "recordflow.db"
	workspaceDir  = ".recordflow"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	Workspace    string
	Driver       string
	DSN          string
	MaxOpenConns int
}

func (c Config) Dialect() Dialect {
	if c.Driver == string(Postgres) {
		return Postgres
	}
	return SQLite
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite lives in the workspace with
// foreign keys and WAL on, and a single connection so writers serialize.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Dialect() == Postgres {
		return openPostgres(cfg)
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	path := cfg.DSN
	if path == "" {
		path = dbPath(cfg.Workspace)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	conn, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen / 2)
	conn.SetConnMaxLifetime(15 * time.Minute)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
