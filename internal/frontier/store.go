// Package frontier persists the pending and visited URL sets of one domain in
// its own SQLite database.
package frontier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schemaVersion = 1

// Entry is one frontier URL. Identity is the URL alone. Pending entries use
// IsSitemap; the validators and RowID are carried across both sets so a
// re-check can issue a conditional request and reuse the indexed row.
type Entry struct {
	URL          string    `json:"url"`
	IsSitemap    bool      `json:"is_sitemap,omitempty"`
	LastModified time.Time `json:"last_modified,omitzero"`
	ETag         string    `json:"etag,omitempty"`
	RowID        int64     `json:"row_id,omitempty"`
}

// Store is the durable frontier of one domain.
type Store struct {
	db      *sql.DB
	path    string
	Pending *Set
	Visited *Set
}

// Path returns the database location for a domain id under dir.
func Path(dir, id string) string {
	return filepath.Join(dir, id+".db")
}

// Exists reports whether a frontier database was already created for id.
func Exists(dir, id string) bool {
	_, err := os.Stat(Path(dir, id))
	return err == nil
}

// Open opens or creates the frontier database for id under dir. Reopening the
// same id yields the same logical sets.
func Open(dir, id string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create frontier dir: %w", err)
	}
	path := Path(dir, id)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open frontier db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path}
	s.Pending = &Set{db: db, table: "pending", count: -1, pages: -1}
	s.Visited = &Set{db: db, table: "visited", count: -1, pages: -1, upsert: true}
	s.Pending.sibling = s.Visited
	s.Visited.sibling = s.Pending
	return s, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read frontier schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS pending (
	  url            TEXT PRIMARY KEY,
	  is_sitemap     INTEGER NOT NULL DEFAULT 0,
	  last_modified  INTEGER,
	  etag           TEXT,
	  content_row_id INTEGER
	);
	CREATE TABLE IF NOT EXISTS visited (
	  url            TEXT PRIMARY KEY,
	  is_sitemap     INTEGER NOT NULL DEFAULT 0,
	  last_modified  INTEGER,
	  etag           TEXT,
	  content_row_id INTEGER
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate frontier schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("set frontier schema version: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close frontier db: %w", err)
	}
	return nil
}

// RefreshFromVisited moves every visited entry back into pending, keeping its
// validators and row id so the next pass re-checks it conditionally.
func (s *Store) RefreshFromVisited(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO pending (url, is_sitemap, last_modified, etag, content_row_id)
			SELECT url, is_sitemap, last_modified, etag, content_row_id FROM visited ORDER BY rowid`); err != nil {
			return fmt.Errorf("copy visited: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM visited`); err != nil {
			return fmt.Errorf("clear visited: %w", err)
		}
		return nil
	})
	s.Pending.invalidate()
	s.Visited.invalidate()
	return err
}

// Purge empties both sets.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.Pending.Purge(ctx); err != nil {
		return err
	}
	return s.Visited.Purge(ctx)
}

// Restore replaces both sets with the given entries.
func (s *Store) Restore(ctx context.Context, pending, visited []Entry) error {
	if err := s.Purge(ctx); err != nil {
		return err
	}
	if err := s.Visited.AppendMany(ctx, visited); err != nil {
		return err
	}
	return s.Pending.AppendMany(ctx, pending)
}

// Remove deletes the database files for id.
func Remove(dir, id string) error {
	base := Path(dir, id)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove frontier file: %w", err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return withTx(ctx, s.db, fn)
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin frontier tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit frontier tx: %w", err)
	}
	return nil
}
