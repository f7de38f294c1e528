// Package db opens the timeline database. SQLite is the default engine
// and gets split writer/reader handles; Postgres is the served-deployment
// option behind the same Pool type.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// WAL allows many readers beside the single writer; four read
	// connections covers timeline pagination without starving the fd
	// budget on small deployments.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write handle: one connection, WAL journal,
// foreign keys on. The single connection is what serializes writes;
// widening this pool reintroduces SQLITE_BUSY under contention.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := ensureSQLitePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("prepare sqlite path: %w", err)
	}

	handle, err := sql.Open("sqlite3", sqliteDSN(path, "rwc")+"&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	return handle, nil
}

// OpenSQLiteReader opens the read-only handle against the same file.
// Journal mode and synchronous level are database-wide and already set
// by the writer, so the reader DSN leaves them alone.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := ensureSQLitePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("prepare sqlite path: %w", err)
	}

	handle, err := sql.Open("sqlite3", sqliteDSN(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	handle.SetMaxOpenConns(sqliteReaderConns)
	handle.SetMaxIdleConns(sqliteReaderConns)
	return handle, nil
}

// sqliteDSN builds the file: DSN shared by both handles. Foreign keys
// are per-connection in SQLite and must be on every DSN; busy_timeout
// keeps short lock waits from surfacing as errors; shared cache lets
// the connections share one page cache.
func sqliteDSN(path, mode string) string {
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond),
	)
}

// ensureSQLitePath resolves the file path and guarantees the file exists
// so the read-only open cannot race the first write on a fresh data dir.
func ensureSQLitePath(dbPath string) (string, error) {
	path := dbPath
	if abs, err := filepath.Abs(dbPath); err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, file.Close()
}
