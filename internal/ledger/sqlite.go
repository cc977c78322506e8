package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps one row per correspondent.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS correspondents (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Load reads every row.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]Status, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, status FROM correspondents`)
	if err != nil {
		return nil, fmt.Errorf("query correspondents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Status)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scan correspondent: %w", err)
		}
		status, err := ParseStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("correspondent %q: %w", name, err)
		}
		out[name] = status
	}
	return out, rows.Err()
}

// Put upserts one row.
func (s *SQLiteStore) Put(ctx context.Context, correspondent string, status Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correspondents (name, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		correspondent, status.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert correspondent: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
