package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbName = "dealdesk.db"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .dealdesk directory for a workspace if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".dealdesk")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace SQLite database with foreign keys enforced.
// A single connection avoids SQLITE_BUSY under concurrent writers; the
// busy timeout covers the automation goroutines that share it.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".dealdesk", dbName)
}
