// Package store is BoxLite's embedded metadata store: two sqlite databases
// under $HOME/db/ (boxes.db, images.db) holding the authoritative box and
// image records, plus a process-wide advisory lock serializing structural
// mutations across cooperating processes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps boxes.db and images.db. Reads never block on structural
// mutations; mutations are serialized by the HomeLock in lock.go.
type DB struct {
	Boxes  *sql.DB
	Images *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) both databases under homeDir/db/ and
// applies their migrations. Each is configured for single-writer WAL mode,
// matching sqlite's recommended concurrency model for an embedded store.
func Open(ctx context.Context, homeDir string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(homeDir+"/db", 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	boxesDB, err := openOne(ctx, homeDir+"/db/boxes.db", "migrations/boxes_001_initial.sql")
	if err != nil {
		return nil, fmt.Errorf("open boxes.db: %w", err)
	}

	imagesDB, err := openOne(ctx, homeDir+"/db/images.db", "migrations/images_001_initial.sql")
	if err != nil {
		_ = boxesDB.Close()
		return nil, fmt.Errorf("open images.db: %w", err)
	}

	logger.Info("metadata store opened", "home", homeDir)

	return &DB{Boxes: boxesDB, Images: imagesDB, logger: logger}, nil
}

func openOne(ctx context.Context, path, migrationPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// sqlite serializes writers regardless; a single conn avoids SQLITE_BUSY
	// surfacing as spurious errors under our own WAL pragma.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	if _, err := conn.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	schema, err := migrationFiles.ReadFile(migrationPath)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read migration %s: %w", migrationPath, err)
	}

	if _, err := conn.ExecContext(ctx, string(schema)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migration %s: %w", migrationPath, err)
	}

	return conn, nil
}

// Close checkpoints the WAL and closes both databases.
func (d *DB) Close() error {
	var errs []error

	for _, conn := range []*sql.DB{d.Boxes, d.Images} {
		if conn == nil {
			continue
		}
		if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			d.logger.Warn("wal checkpoint failed", "error", err)
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close store: %v", errs)
	}
	return nil
}
