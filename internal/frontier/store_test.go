package frontier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, "domain-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestAppendIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	e := Entry{URL: "https://example.com/a"}
	require.NoError(t, s.Pending.Append(ctx, e))
	require.NoError(t, s.Pending.Append(ctx, e))

	n, err := s.Pending.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendMovesBetweenSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.Pending.AppendMany(ctx, []Entry{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
	}))
	pending, err := s.Pending.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Visited.Append(ctx, Entry{URL: "https://example.com/a", ETag: `"v1"`, LastModified: modified, RowID: 7}))

	inPending, err := s.Pending.Contains(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, inPending)
	pending, err = s.Pending.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	got, ok, err := s.Visited.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"v1"`, got.ETag)
	assert.Equal(t, modified, got.LastModified)
	assert.Equal(t, int64(7), got.RowID)

	// Visited upserts keep the newest metadata.
	require.NoError(t, s.Visited.Append(ctx, Entry{URL: "https://example.com/a", ETag: `"v2"`, RowID: 7}))
	got, _, err = s.Visited.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, got.ETag)
	assert.True(t, got.LastModified.IsZero())
}

func TestSubtractLeavesSetsDisjoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, dir := openTestStore(t)

	// Write directly so both tables hold the same URL before subtracting.
	_, err := s.db.ExecContext(ctx, `INSERT INTO visited (url) VALUES ('https://example.com/a')`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO pending (url) VALUES ('https://example.com/a'), ('https://example.com/b')`)
	require.NoError(t, err)
	s.Pending.invalidate()

	require.NoError(t, s.Pending.Subtract(ctx, s.Visited))
	all, err := s.Pending.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "https://example.com/b", all[0].URL)

	other, err := Open(dir, "domain-2")
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Visited.Append(ctx, Entry{URL: "https://example.com/b"}))
	require.NoError(t, s.Pending.Subtract(ctx, other.Visited))
	n, err := s.Pending.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNextIsDeterministicPeek(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, ok, err := s.Pending.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Pending.AppendMany(ctx, []Entry{
		{URL: "https://example.com/sitemap.xml", IsSitemap: true},
		{URL: "https://example.com/"},
	}))
	first, ok, err := s.Pending.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/sitemap.xml", first.URL)
	assert.True(t, first.IsSitemap)

	again, _, err := s.Pending.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, s.Pending.Delete(ctx, first.URL))
	second, _, err := s.Pending.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", second.URL)
}

func TestReopenKeepsSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, "persist")
	require.NoError(t, err)
	require.NoError(t, s.Pending.Append(ctx, Entry{URL: "https://example.com/p"}))
	require.NoError(t, s.Visited.Append(ctx, Entry{URL: "https://example.com/v", RowID: 3}))
	require.NoError(t, s.Close())
	require.True(t, Exists(dir, "persist"))

	s, err = Open(dir, "persist")
	require.NoError(t, err)
	defer s.Close()
	pending, err := s.Pending.All(ctx)
	require.NoError(t, err)
	visited, err := s.Visited.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{URL: "https://example.com/p"}}, pending)
	assert.Equal(t, []Entry{{URL: "https://example.com/v", RowID: 3}}, visited)
}

func TestRefreshFromVisited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.Visited.AppendMany(ctx, []Entry{
		{URL: "https://example.com/a", ETag: "x", RowID: 1},
		{URL: "https://example.com/b", RowID: 2},
	}))
	require.NoError(t, s.RefreshFromVisited(ctx))

	visited, err := s.Visited.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, visited)
	pending, err := s.Pending.All(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "x", pending[0].ETag)
	assert.Equal(t, int64(2), pending[1].RowID)
}

func TestMissingAndPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, dir := openTestStore(t)

	require.NoError(t, s.Visited.Append(ctx, Entry{URL: "https://example.com/a"}))
	missing, err := s.Visited.Missing(ctx, []string{"https://example.com/a", "https://example.com/b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/b"}, missing)

	require.NoError(t, s.Pending.Append(ctx, Entry{URL: "https://example.com/c"}))
	require.NoError(t, s.Purge(ctx))
	for _, set := range []*Set{s.Pending, s.Visited} {
		n, err := set.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	require.NoError(t, s.Close())
	require.NoError(t, Remove(dir, "domain-1"))
	assert.False(t, Exists(dir, "domain-1"))
	require.NoError(t, Remove(dir, "domain-1"))
}

func TestCountPagesSkipsSitemaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.Visited.AppendMany(ctx, []Entry{
		{URL: "https://example.com/sitemap.xml", IsSitemap: true},
		{URL: "https://example.com/a", RowID: 1},
		{URL: "https://example.com/b", RowID: 2},
	}))
	total, err := s.Visited.Count(ctx)
	require.NoError(t, err)
	pages, err := s.Visited.CountPages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, pages)

	require.NoError(t, s.Pending.Append(ctx, Entry{URL: "https://example.com/a"}))
	pages, err = s.Visited.CountPages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
}
