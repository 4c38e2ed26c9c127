package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/MRamiBalles/devjails/internal/platform/optimization"
)

const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"

// InitSQLite opens the database file and creates the jails, areas and
// prisoners tables. A nil tuning uses the default profile.
func InitSQLite(dbPath string, tuning *optimization.Config) (*sql.DB, error) {
	if tuning == nil {
		tuning = optimization.DefaultConfig()
	}

	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath + sqlitePragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(tuning.DBMaxOpenConns)
		db.SetMaxIdleConns(tuning.DBMaxIdleConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := createSchemas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schemas: %w", err)
	}

	return db, nil
}

func createSchemas(db *sql.DB) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS jails (
			name_key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			world TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			yaw REAL NOT NULL DEFAULT 0,
			pitch REAL NOT NULL DEFAULT 0,
			area_binding TEXT NOT NULL DEFAULT 'none',
			area_ref TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS areas (
			name_key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			world TEXT NOT NULL,
			min_x INTEGER NOT NULL,
			min_y INTEGER NOT NULL,
			min_z INTEGER NOT NULL,
			max_x INTEGER NOT NULL,
			max_y INTEGER NOT NULL,
			max_z INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS prisoners (
			subject_id TEXT PRIMARY KEY,
			jail_name TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			staff TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			bail_amount REAL,
			bail_enabled BOOLEAN NOT NULL DEFAULT 0,
			restrained BOOLEAN NOT NULL DEFAULT 0,
			release_spawn TEXT NOT NULL DEFAULT 'world_spawn',
			orig_world TEXT,
			orig_x REAL,
			orig_y REAL,
			orig_z REAL,
			orig_yaw REAL,
			orig_pitch REAL,
			served_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_prisoners_jail ON prisoners(jail_name);`,
	}

	for _, query := range schemas {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}
