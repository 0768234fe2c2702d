// Package storage combines the full-text table and the sorted vector file into
// the hybrid index shared by every domain.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/storage/fulltext"
	"github.com/JakeFAU/sitesearch/internal/storage/vectorfile"
)

// MaxSentences is the largest number of vectors kept per row.
const MaxSentences = 1 << 16

// Key returns the vector key of the ordinal-th sentence of rowID. All keys of
// one row are contiguous in the vector file.
func Key(rowID int64, ordinal int) int64 {
	return rowID<<16 | int64(ordinal&(MaxSentences-1))
}

// RowOf recovers the row id from a vector key.
func RowOf(key int64) int64 {
	return key >> 16
}

// Index is the hybrid keyword and semantic index.
type Index struct {
	text    *fulltext.Store
	vectors *vectorfile.File
	logger  *zap.Logger

	// mu keeps the two halves in step when several checkpoint slots write.
	mu sync.Mutex
}

// Open opens index.db and vectors.bin under dir.
func Open(dir string, dims int, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	text, err := fulltext.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, err
	}
	vectors, err := vectorfile.Open(filepath.Join(dir, "vectors.bin"), dims)
	if err != nil {
		_ = text.Close()
		return nil, fmt.Errorf("open vectors: %w", err)
	}
	logger.Info("index opened",
		zap.String("dir", dir),
		zap.Int("dims", dims),
		zap.Int("vectors", vectors.Len()),
	)
	return &Index{text: text, vectors: vectors, logger: logger}, nil
}

// Dims returns the embedding dimensionality.
func (x *Index) Dims() int {
	return x.vectors.Dims()
}

// NextRowID reserves a row id for a new content record.
func (x *Index) NextRowID(ctx context.Context) (int64, error) {
	id, err := x.text.NextRowID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	return id, nil
}

// Apply removes the rows in removed, then writes items. A re-indexed row
// replaces both its text and all of its previous sentence vectors.
func (x *Index) Apply(ctx context.Context, items []crawler.IndexItem, removed []int64) error {
	if len(items) == 0 && len(removed) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	records := make([]crawler.ContentRecord, len(items))
	var vecs []vectorfile.Vector
	for i, item := range items {
		records[i] = item.Record
		row := item.Record.RowID
		for n, coords := range item.Sentences {
			if n >= MaxSentences {
				break
			}
			if len(coords) != x.vectors.Dims() {
				return fmt.Errorf("%w: row %d sentence %d: %w", crawler.ErrStorage, row, n, vectorfile.ErrDimensionMismatch)
			}
			vecs = append(vecs, vectorfile.Vector{RowID: Key(row, n), Coords: coords})
		}
	}

	// Text goes first: until it commits, the vector file is untouched.
	if err := x.text.Delete(ctx, removed); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	if err := x.text.Replace(ctx, records); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	for _, id := range removed {
		x.vectors.DeleteRange(Key(id, 0), Key(id+1, 0))
	}
	for _, r := range records {
		x.vectors.DeleteRange(Key(r.RowID, 0), Key(r.RowID+1, 0))
	}
	if err := x.vectors.Insert(vecs...); err != nil {
		return fmt.Errorf("%w: insert vectors: %w", crawler.ErrStorage, err)
	}
	if err := x.vectors.Sync(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	x.logger.Debug("index applied",
		zap.Int("items", len(items)),
		zap.Int("removed", len(removed)),
		zap.Int("vectors", len(vecs)),
	)
	return nil
}

// PurgeDomain drops every row of domain along with its vectors.
func (x *Index) PurgeDomain(ctx context.Context, domain string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	ids, err := x.text.DeleteDomain(ctx, domain)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	for _, id := range ids {
		x.vectors.DeleteRange(Key(id, 0), Key(id+1, 0))
	}
	if err := x.vectors.Sync(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	x.logger.Info("domain purged from index", zap.String("domain", domain), zap.Int("rows", len(ids)))
	return nil
}

// Count returns the number of stored records, optionally for one domain.
func (x *Index) Count(ctx context.Context, domain string) (int, error) {
	return x.text.Count(ctx, domain)
}

// KeywordQuery answers from the full-text table only.
func (x *Index) KeywordQuery(ctx context.Context, text string, limit int) ([]crawler.SearchResult, error) {
	return x.text.Search(ctx, text, limit)
}

// SemanticQuery ranks rows by their best sentence similarity to query. The
// query text is attached as the snippet since no literal span matched.
func (x *Index) SemanticQuery(ctx context.Context, query []float32, text string, limit int) ([]crawler.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	matches, err := x.vectors.TopK(query, limit*8, nil)
	if err != nil {
		if errors.Is(err, vectorfile.ErrDimensionMismatch) {
			return nil, fmt.Errorf("semantic query: %w", err)
		}
		return nil, err
	}

	order := make([]int64, 0, limit)
	scores := make(map[int64]float32, limit)
	for _, m := range matches {
		row := RowOf(m.RowID)
		if _, seen := scores[row]; seen {
			continue
		}
		scores[row] = m.Score
		order = append(order, row)
		if len(order) == limit {
			break
		}
	}

	records, err := x.text.Get(ctx, order)
	if err != nil {
		return nil, err
	}
	out := make([]crawler.SearchResult, 0, len(order))
	for _, row := range order {
		rec, ok := records[row]
		if !ok {
			continue
		}
		out = append(out, crawler.SearchResult{Record: rec, Snippet: text, Score: float64(scores[row])})
	}
	return out, nil
}

// Close flushes and releases both stores.
func (x *Index) Close() error {
	return errors.Join(x.vectors.Close(), x.text.Close())
}
