// Package fulltext stores content records in a SQLite FTS5 table ranked with
// BM25.
package fulltext

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

const (
	schemaVersion = 1

	// rowIDBlock is how many row ids one meta-table write reserves.
	rowIDBlock = 256
	hwmKey     = "row_hwm"
)

// Column weights for bm25(), in table column order. Unindexed columns get 0.
const rankExpr = `bm25(pages, 0, 0, 10.0, 3.0, 1.0, 8.0, 0, 0, 0)`

const columns = `rowid, domain, url, title, description, content, keywords, thumbnail_url, last_modified, condensed`

// Store is the full-text half of the index.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	nextRow int64
	limit   int64
}

// Open opens or creates the index database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read index schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	const schema = `
	CREATE VIRTUAL TABLE IF NOT EXISTS pages USING fts5(
	  domain UNINDEXED,
	  url UNINDEXED,
	  title,
	  description,
	  content,
	  keywords,
	  thumbnail_url UNINDEXED,
	  last_modified UNINDEXED,
	  condensed UNINDEXED,
	  tokenize = 'porter unicode61'
	);
	CREATE TABLE IF NOT EXISTS meta (
	  key   TEXT PRIMARY KEY,
	  value INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate index schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("set index schema version: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close index db: %w", err)
	}
	return nil
}

// NextRowID reserves a fresh row id. Ids are handed out from blocks persisted
// in the meta table, so a restart never reuses an id even if the rows it was
// meant for were never written.
func (s *Store) NextRowID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRow == 0 || s.nextRow >= s.limit {
		if err := s.reserve(ctx); err != nil {
			return 0, err
		}
	}
	id := s.nextRow
	s.nextRow++
	return id, nil
}

func (s *Store) reserve(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin row id tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var hwm sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, hwmKey).Scan(&hwm)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read row id mark: %w", err)
	}
	var maxRow sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT max(rowid) FROM pages`).Scan(&maxRow); err != nil {
		return fmt.Errorf("read max row id: %w", err)
	}
	base := max(hwm.Int64, maxRow.Int64+1, 1)
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, hwmKey, base+rowIDBlock); err != nil {
		return fmt.Errorf("write row id mark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit row id tx: %w", err)
	}
	s.nextRow, s.limit = base, base+rowIDBlock
	return nil
}

// Replace writes records, replacing any row that already has the same row id.
func (s *Store) Replace(ctx context.Context, records []crawler.ContentRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del, err := tx.PrepareContext(ctx, `DELETE FROM pages WHERE rowid = ?`)
	if err != nil {
		return fmt.Errorf("prepare page delete: %w", err)
	}
	defer del.Close()
	ins, err := tx.PrepareContext(ctx, `INSERT INTO pages (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare page insert: %w", err)
	}
	defer ins.Close()

	for _, r := range records {
		if r.RowID <= 0 {
			return fmt.Errorf("replace %s: row id is required", r.URL)
		}
		if _, err := del.ExecContext(ctx, r.RowID); err != nil {
			return fmt.Errorf("delete page %d: %w", r.RowID, err)
		}
		var modified sql.NullInt64
		if !r.LastModified.IsZero() {
			modified = sql.NullInt64{Int64: r.LastModified.Unix(), Valid: true}
		}
		if _, err := ins.ExecContext(ctx, r.RowID, r.Domain, r.URL, r.Title, r.Description, r.Content,
			strings.Join(r.Keywords, ", "), r.ThumbnailURL, modified, r.Condensed); err != nil {
			return fmt.Errorf("insert page %d: %w", r.RowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

// Delete removes rows by id.
func (s *Store) Delete(ctx context.Context, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM pages WHERE rowid = ?`)
	if err != nil {
		return fmt.Errorf("prepare page delete: %w", err)
	}
	defer stmt.Close()
	for _, id := range rowIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete page %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// DeleteDomain removes every row of domain and returns their ids.
func (s *Store) DeleteDomain(ctx context.Context, domain string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rowid FROM pages WHERE domain = ? ORDER BY rowid`, domain)
	if err != nil {
		return nil, fmt.Errorf("list domain rows: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan domain row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close domain rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain rows: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE domain = ?`, domain); err != nil {
		return nil, fmt.Errorf("delete domain rows: %w", err)
	}
	return ids, nil
}

// Count returns the number of stored rows, optionally limited to one domain.
func (s *Store) Count(ctx context.Context, domain string) (int, error) {
	query, args := `SELECT count(*) FROM pages`, []any{}
	if domain != "" {
		query, args = query+` WHERE domain = ?`, append(args, domain)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Get loads records by row id. Missing ids are absent from the map.
func (s *Store) Get(ctx context.Context, rowIDs []int64) (map[int64]crawler.ContentRecord, error) {
	out := make(map[int64]crawler.ContentRecord, len(rowIDs))
	if len(rowIDs) == 0 {
		return out, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(rowIDs)), ",")
	args := make([]any, len(rowIDs))
	for i, id := range rowIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM pages WHERE rowid IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get pages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.RowID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

// Search runs a BM25-ranked match and returns up to limit hits, best first.
// Snippets wrap matched terms in <mark>.
func (s *Store) Search(ctx context.Context, text string, limit int) ([]crawler.SearchResult, error) {
	match := MatchExpr(text)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+`,
		snippet(pages, -1, '<mark>', '</mark>', '…', 16), `+rankExpr+` AS score
		FROM pages WHERE pages MATCH ? ORDER BY score LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	defer rows.Close()
	var out []crawler.SearchResult
	for rows.Next() {
		var (
			res  crawler.SearchResult
			rank float64
		)
		rec, err := scanRecord(rows, &res.Snippet, &rank)
		if err != nil {
			return nil, err
		}
		res.Record = rec
		res.Score = -rank
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search: %w", err)
	}
	return out, nil
}

// MatchExpr turns free text into an FTS5 query: every word becomes a quoted
// term and all terms must match.
func MatchExpr(text string) string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		words[i] = `"` + strings.ToLower(w) + `"`
	}
	return strings.Join(words, " ")
}

func scanRecord(rows *sql.Rows, extra ...any) (crawler.ContentRecord, error) {
	var (
		rec      crawler.ContentRecord
		keywords string
		modified sql.NullInt64
	)
	dest := append([]any{&rec.RowID, &rec.Domain, &rec.URL, &rec.Title, &rec.Description, &rec.Content,
		&keywords, &rec.ThumbnailURL, &modified, &rec.Condensed}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return rec, fmt.Errorf("scan page: %w", err)
	}
	if keywords != "" {
		for _, k := range strings.Split(keywords, ",") {
			if k = strings.TrimSpace(k); k != "" {
				rec.Keywords = append(rec.Keywords, k)
			}
		}
	}
	if modified.Valid {
		rec.LastModified = time.Unix(modified.Int64, 0).UTC()
	}
	return rec, nil
}
