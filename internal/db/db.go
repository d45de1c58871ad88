package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	stateDir      = ".phabbridge"
	defaultDBName = "phabbridge.db"
)

// Config locates the database. Path, when set, wins over the workspace
// default of <workspace>/.phabbridge/phabbridge.db.
type Config struct {
	Workspace string
	Path      string
}

// File is the resolved database file.
func (c Config) File() string {
	if c.Path != "" {
		return c.Path
	}
	return Path(c.Workspace)
}

// Path returns the default db path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, defaultDBName)
}

// EnsureWorkspace creates the state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens and pings the SQLite database with foreign keys on. Callers
// share one connection: while a transaction is open, every query must go
// through that transaction, since a query on the *sqlx.DB would wait for
// the connection forever.
func Open(cfg Config) (*sqlx.DB, error) {
	file := cfg.File()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", file)
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening sqlite db %s: %w", file, err)
	}
	return conn, nil
}
