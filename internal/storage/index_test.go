package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

func item(row int64, domain, title string, sentences ...[]float32) crawler.IndexItem {
	return crawler.IndexItem{
		Record:    crawler.ContentRecord{RowID: row, Domain: domain, URL: "https://" + domain + "/" + title, Title: title},
		Sentences: sentences,
	}
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := Open(t.TempDir(), 3, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, x.Close()) })
	return x
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(5), RowOf(Key(5, 0)))
	require.Equal(t, int64(5), RowOf(Key(5, MaxSentences-1)))
	require.Less(t, Key(5, MaxSentences-1), Key(6, 0))
}

func TestSemanticQueryDedupesRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := openTestIndex(t)
	require.NoError(t, x.Apply(ctx, []crawler.IndexItem{
		item(1, "a", "east", []float32{1, 0, 0}, []float32{0.9, 0.1, 0}),
		item(2, "a", "north", []float32{0, 1, 0}),
		item(3, "b", "mixed", []float32{0.7, 0.7, 0}),
	}, nil))

	hits, err := x.SemanticQuery(ctx, []float32{1, 0, 0}, "eastward", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, int64(1), hits[0].Record.RowID)
	require.Equal(t, int64(3), hits[1].Record.RowID)
	require.Equal(t, "eastward", hits[0].Snippet)
	require.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestApplyReplacesSentences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := openTestIndex(t)
	require.NoError(t, x.Apply(ctx, []crawler.IndexItem{
		item(1, "a", "first", []float32{1, 0, 0}, []float32{0, 1, 0}, []float32{0, 0, 1}),
	}, nil))
	require.Equal(t, 3, x.vectors.Len())

	require.NoError(t, x.Apply(ctx, []crawler.IndexItem{item(1, "a", "second", []float32{0, 1, 0})}, nil))
	require.Equal(t, 1, x.vectors.Len())

	hits, err := x.KeywordQuery(ctx, "second", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, x.Apply(ctx, nil, []int64{1}))
	require.Zero(t, x.vectors.Len())
	n, err := x.Count(ctx, "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestApplyFailureLeavesVectorsIntact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := openTestIndex(t)
	require.NoError(t, x.Apply(ctx, []crawler.IndexItem{
		item(1, "a", "first", []float32{1, 0, 0}, []float32{0, 1, 0}),
	}, nil))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := x.Apply(canceled, []crawler.IndexItem{item(1, "a", "second", []float32{0, 0, 1})}, nil)
	require.ErrorIs(t, err, crawler.ErrStorage)
	require.Equal(t, 2, x.vectors.Len())

	err = x.Apply(ctx, []crawler.IndexItem{item(1, "a", "third", []float32{0, 1})}, nil)
	require.ErrorIs(t, err, crawler.ErrStorage)
	require.Equal(t, 2, x.vectors.Len())

	hits, err := x.KeywordQuery(ctx, "first", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestPurgeDomain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := openTestIndex(t)
	require.NoError(t, x.Apply(ctx, []crawler.IndexItem{
		item(1, "a", "one", []float32{1, 0, 0}),
		item(2, "b", "two", []float32{0, 1, 0}),
		item(3, "a", "three", []float32{0, 0, 1}),
	}, nil))

	require.NoError(t, x.PurgeDomain(ctx, "a"))
	require.Equal(t, []int64{Key(2, 0)}, x.vectors.RowIDs())
	n, err := x.Count(ctx, "a")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSemanticQueryDimensionMismatch(t *testing.T) {
	t.Parallel()

	x := openTestIndex(t)
	_, err := x.SemanticQuery(context.Background(), []float32{1, 0}, "q", 3)
	require.Error(t, err)
}
