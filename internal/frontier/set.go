package frontier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Set is one URL-keyed collection of a Store. Inserting a URL removes it from
// the sibling set in the same transaction, so a URL is never in both.
type Set struct {
	db      *sql.DB
	table   string
	sibling *Set
	upsert  bool

	mu    sync.Mutex
	count int
	pages int
}

// Append inserts e. Re-inserting a pending URL is a no-op; re-inserting a
// visited URL refreshes its validators and row id.
func (s *Set) Append(ctx context.Context, e Entry) error {
	return s.AppendMany(ctx, []Entry{e})
}

// AppendMany inserts entries in one transaction.
func (s *Set) AppendMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	insert := `INSERT OR IGNORE INTO ` + s.table + ` (url, is_sitemap, last_modified, etag, content_row_id) VALUES (?, ?, ?, ?, ?)`
	if s.upsert {
		insert = `INSERT INTO ` + s.table + ` (url, is_sitemap, last_modified, etag, content_row_id) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET is_sitemap = excluded.is_sitemap, last_modified = excluded.last_modified,
			etag = excluded.etag, content_row_id = excluded.content_row_id`
	}
	remove := `DELETE FROM ` + s.sibling.table + ` WHERE url = ?`
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", s.table, err)
		}
		defer ins.Close()
		del, err := tx.PrepareContext(ctx, remove)
		if err != nil {
			return fmt.Errorf("prepare %s delete: %w", s.sibling.table, err)
		}
		defer del.Close()
		for _, e := range entries {
			if _, err := ins.ExecContext(ctx, e.URL, e.IsSitemap, nullTime(e.LastModified), nullString(e.ETag), nullInt(e.RowID)); err != nil {
				return fmt.Errorf("insert %s entry: %w", s.table, err)
			}
			if _, err := del.ExecContext(ctx, e.URL); err != nil {
				return fmt.Errorf("delete %s entry: %w", s.sibling.table, err)
			}
		}
		return nil
	})
	s.invalidate()
	s.sibling.invalidate()
	return err
}

// Delete removes url if present.
func (s *Set) Delete(ctx context.Context, url string) error {
	return s.DeleteMany(ctx, []string{url})
}

// DeleteMany removes every listed url.
func (s *Set) DeleteMany(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM `+s.table+` WHERE url = ?`)
		if err != nil {
			return fmt.Errorf("prepare %s delete: %w", s.table, err)
		}
		defer stmt.Close()
		for _, u := range urls {
			if _, err := stmt.ExecContext(ctx, u); err != nil {
				return fmt.Errorf("delete %s entry: %w", s.table, err)
			}
		}
		return nil
	})
	s.invalidate()
	return err
}

// Subtract removes from s every URL present in other.
func (s *Set) Subtract(ctx context.Context, other *Set) error {
	if other == nil || other == s {
		return nil
	}
	if other.db == s.db {
		_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE url IN (SELECT url FROM `+other.table+`)`)
		s.invalidate()
		if err != nil {
			return fmt.Errorf("subtract %s from %s: %w", other.table, s.table, err)
		}
		return nil
	}
	entries, err := other.All(ctx)
	if err != nil {
		return err
	}
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	return s.DeleteMany(ctx, urls)
}

// Missing returns the urls that are not in s, preserving order.
func (s *Set) Missing(ctx context.Context, urls []string) ([]string, error) {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		ok, err := s.Contains(ctx, u)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// Next returns the oldest entry without removing it.
func (s *Set) Next(ctx context.Context) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT url, is_sitemap, last_modified, etag, content_row_id FROM `+s.table+` ORDER BY rowid LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("next %s entry: %w", s.table, err)
	}
	return e, true, nil
}

// Get looks up url.
func (s *Set) Get(ctx context.Context, url string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT url, is_sitemap, last_modified, etag, content_row_id FROM `+s.table+` WHERE url = ?`, url)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s entry: %w", s.table, err)
	}
	return e, true, nil
}

// Contains reports whether url is in s.
func (s *Set) Contains(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+s.table+` WHERE url = ?`, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s entry: %w", s.table, err)
	}
	return true, nil
}

// Count returns the number of entries. The value is cached until the next
// mutation.
func (s *Set) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= 0 {
		return s.count, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	s.count = n
	return n, nil
}

// CountPages is Count without sitemap entries.
func (s *Set) CountPages(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages >= 0 {
		return s.pages, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table+` WHERE is_sitemap = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s pages: %w", s.table, err)
	}
	s.pages = n
	return n, nil
}

// All returns every entry in insertion order.
func (s *Set) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, is_sitemap, last_modified, etag, content_row_id FROM `+s.table+` ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", s.table, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", s.table, err)
	}
	return out, nil
}

// Purge removes every entry.
func (s *Set) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table)
	s.invalidate()
	if err != nil {
		return fmt.Errorf("purge %s: %w", s.table, err)
	}
	return nil
}

func (s *Set) invalidate() {
	s.mu.Lock()
	s.count = -1
	s.pages = -1
	s.mu.Unlock()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e        Entry
		modified sql.NullInt64
		etag     sql.NullString
		rowID    sql.NullInt64
	)
	if err := row.Scan(&e.URL, &e.IsSitemap, &modified, &etag, &rowID); err != nil {
		return Entry{}, err
	}
	if modified.Valid {
		e.LastModified = time.Unix(modified.Int64, 0).UTC()
	}
	e.ETag = etag.String
	e.RowID = rowID.Int64
	return e, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
