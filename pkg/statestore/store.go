// Package statestore keeps a peer's tracked files across restarts.
package statestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package state
var migrateMu sync.Mutex

// Record is one tracked file as persisted.
type Record struct {
	Name        string
	Path        string
	Size        int64
	Modified    time.Time
	AddedAt     time.Time
	Published   bool
	PublishedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db %s: %w", dsn, err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate state db: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces everything stored for hostname with records.
func (s *Store) Save(ctx context.Context, hostname string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_files WHERE hostname = ?`, hostname); err != nil {
		return fmt.Errorf("error clearing state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tracked_files (hostname, name, path, size, modified, added_at, is_published, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("error preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var publishedAt sql.NullInt64
		if !r.PublishedAt.IsZero() {
			publishedAt = sql.NullInt64{Int64: r.PublishedAt.UnixNano(), Valid: true}
		}
		_, err := stmt.ExecContext(ctx, hostname, r.Name, r.Path, r.Size,
			r.Modified.UnixNano(), r.AddedAt.UnixNano(), r.Published, publishedAt)
		if err != nil {
			return fmt.Errorf("error saving %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// Load returns the records saved for hostname, ordered by name.
func (s *Store) Load(ctx context.Context, hostname string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, path, size, modified, added_at, is_published, published_at
		 FROM tracked_files WHERE hostname = ? ORDER BY name`, hostname)
	if err != nil {
		return nil, fmt.Errorf("error loading state: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                 Record
			modified, addedAt int64
			publishedAt       sql.NullInt64
		)
		if err := rows.Scan(&r.Name, &r.Path, &r.Size, &modified, &addedAt, &r.Published, &publishedAt); err != nil {
			return nil, fmt.Errorf("error reading state: %w", err)
		}
		r.Modified = time.Unix(0, modified)
		r.AddedAt = time.Unix(0, addedAt)
		if publishedAt.Valid {
			r.PublishedAt = time.Unix(0, publishedAt.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
