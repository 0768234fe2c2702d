package crawler

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/progress"
)

func TestSinglePageCrawlReachesDone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Home", text: "the only page mentions xylophone"})

	require.Equal(t, PhasePaused, h.domain.State().Phase)
	require.NoError(t, h.domain.Start(context.Background()))
	h.waitIdle(t)

	st := h.domain.State()
	require.Equal(t, PhaseDone, st.Phase)
	require.Equal(t, 1, st.Indexed)
	require.False(t, st.CompletedAt.IsZero())
	require.Equal(t, []Phase{PhaseStarting, PhaseIndexing, PhaseDone}, h.events.phases())

	require.Zero(t, h.pendingCount(t))
	visited := h.visited(t)
	require.Len(t, visited, 1)
	require.Equal(t, testRoot, visited[0].URL)

	items := h.checks.items()
	require.Len(t, items, 1)
	require.Equal(t, "Home", items[0].Record.Title)
	require.Equal(t, "d1", items[0].Record.Domain)
	require.Equal(t, visited[0].RowID, items[0].Record.RowID)
	require.Len(t, items[0].Sentences, 1)

	last := h.checks.last()
	require.Equal(t, PhaseDone, last.State.Phase)
	require.Len(t, last.Visited, 1)
	require.Empty(t, last.Pending)
	require.Equal(t, []progress.Outcome{progress.OutcomeFailed}, h.events.outcomes(testRoot+"sitemap.xml"))
}

func TestSitemapAndLinksAreFollowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set(testRoot+"robots.txt", page{raw: "User-agent: *\nDisallow: /private\nSitemap: https://example.com/posts.xml\n"})
	h.fetcher.set(testRoot+"sitemap.xml", page{raw: `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/posts.xml</loc></sitemap>
</sitemapindex>`})
	h.fetcher.set(testRoot+"posts.xml", page{raw: `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/a</loc></url>
  <url><loc>https://example.com/private/secret</loc></url>
  <url><loc>https://elsewhere.net/x</loc></url>
</urlset>`})
	h.fetcher.set(testRoot, page{title: "Home", links: []string{"/a", "/b#top", "/private/hidden", "https://other.org/"}})
	h.fetcher.set(testRoot+"a", page{title: "A"})
	h.fetcher.set(testRoot+"b", page{title: "B", links: []string{"/"}})

	require.NoError(t, h.domain.Start(context.Background()))
	h.waitIdle(t)
	require.Equal(t, PhaseDone, h.domain.State().Phase)

	var urls []string
	for _, e := range h.visited(t) {
		urls = append(urls, e.URL)
	}
	require.ElementsMatch(t, []string{
		testRoot + "sitemap.xml",
		testRoot + "posts.xml",
		testRoot,
		testRoot + "a",
		testRoot + "b",
	}, urls)
	require.True(t, h.domain.blocked.Check(testRoot+"private/secret"))
	require.True(t, h.domain.blocked.Check(testRoot+"private/hidden"))
	require.Zero(t, h.fetcher.count(http.MethodGet, testRoot+"private/secret"))
	require.Equal(t, 1, h.fetcher.count(http.MethodGet, testRoot+"posts.xml"))
	require.Len(t, h.checks.items(), 3)
	require.Equal(t, 3, h.domain.State().Indexed)
	require.Equal(t, 3, h.checks.last().State.Indexed)
}

func TestConditionalRecheckSkipsExtraction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Home", etag: `"v1"`})

	require.NoError(t, h.domain.Start(ctx))
	h.waitIdle(t)
	require.Equal(t, int32(1), h.extract.calls.Load())
	first := h.visited(t)[0]
	require.Equal(t, `"v1"`, first.ETag)

	require.NoError(t, h.domain.Restart(ctx, false))
	h.waitIdle(t)

	require.Equal(t, PhaseDone, h.domain.State().Phase)
	require.Equal(t, int32(1), h.extract.calls.Load())
	require.Equal(t, 1, h.fetcher.count(http.MethodHead, testRoot))
	require.Equal(t, []progress.Outcome{progress.OutcomeIndexed, progress.OutcomeUnchanged}, h.events.outcomes(testRoot))
	again := h.visited(t)
	require.Len(t, again, 1)
	require.Equal(t, first.RowID, again[0].RowID)
	require.Len(t, h.checks.items(), 1)
}

func TestChangedPageKeepsRowID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Old", etag: `"v1"`})
	require.NoError(t, h.domain.Start(ctx))
	h.waitIdle(t)

	h.fetcher.set(testRoot, page{title: "New", etag: `"v2"`})
	require.NoError(t, h.domain.Restart(ctx, false))
	h.waitIdle(t)

	items := h.checks.items()
	require.Len(t, items, 2)
	require.Equal(t, items[0].Record.RowID, items[1].Record.RowID)
	require.Equal(t, "New", items[1].Record.Title)
	require.Equal(t, int32(2), h.extract.calls.Load())
}

func TestHardFailureRemovesIndexedRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Home", links: []string{"/gone"}})
	h.fetcher.set(testRoot+"gone", page{title: "Gone soon", etag: `"g1"`})
	require.NoError(t, h.domain.Start(ctx))
	h.waitIdle(t)

	var goneRow int64
	for _, e := range h.visited(t) {
		if e.URL == testRoot+"gone" {
			goneRow = e.RowID
		}
	}
	require.NotZero(t, goneRow)

	h.fetcher.set(testRoot+"gone", page{status: http.StatusGone})
	require.NoError(t, h.domain.Restart(ctx, false))
	h.waitIdle(t)

	var removed []int64
	for _, s := range h.checks.all() {
		removed = append(removed, s.Removed...)
	}
	require.Equal(t, []int64{goneRow}, removed)
	for _, e := range h.visited(t) {
		require.NotEqual(t, testRoot+"gone", e.URL)
	}
	require.True(t, h.domain.failed.Check(testRoot+"gone"))
}

func TestPauseStopsAndResumes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	var links []string
	for i := range 30 {
		links = append(links, "/p"+strings.Repeat("x", i+1))
	}
	h.fetcher.set(testRoot, page{title: "Home", links: links})
	for _, l := range links {
		h.fetcher.set(testRoot+l[1:], page{title: l})
	}
	h.fetcher.delay = 5 * time.Millisecond

	require.NoError(t, h.domain.Start(ctx))
	require.Eventually(t, func() bool {
		return h.domain.State().Indexed >= 3
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, h.domain.Pause(ctx, true))
	st := h.domain.State()
	require.Equal(t, PhasePaused, st.Phase)
	require.True(t, st.Resumable)
	require.Positive(t, h.pendingCount(t))
	last := h.checks.last()
	require.Equal(t, PhasePaused, last.State.Phase)
	require.NotEmpty(t, last.Pending)

	require.NoError(t, h.domain.Start(ctx))
	h.waitIdle(t)
	require.Equal(t, PhaseDone, h.domain.State().Phase)
	require.Len(t, h.checks.items(), 31)
	require.Contains(t, h.events.phases(), PhasePausing)
}

func TestStartTwiceIsIllegal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.delay = 20 * time.Millisecond
	h.fetcher.set(testRoot, page{title: "Home"})

	require.NoError(t, h.domain.Start(ctx))
	require.ErrorIs(t, h.domain.Start(ctx), ErrIllegalTransition)
	require.NoError(t, h.domain.Pause(ctx, false))
}

func TestStorageFailurePausesWithError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.rows.err = errBoom
	h.fetcher.set(testRoot, page{title: "Home"})

	require.NoError(t, h.domain.Start(context.Background()))
	h.waitIdle(t)

	st := h.domain.State()
	require.Equal(t, PhasePaused, st.Phase)
	require.False(t, st.Resumable)
	require.Contains(t, st.Error, "boom")
	require.Equal(t, 1, h.pendingCount(t), "the failed url stays pending")
}

func TestWipeRestartPurges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Home"})
	require.NoError(t, h.domain.Start(ctx))
	h.waitIdle(t)
	firstRow := h.visited(t)[0].RowID

	require.NoError(t, h.domain.Restart(ctx, true))
	h.waitIdle(t)

	var purged bool
	for _, s := range h.checks.all() {
		purged = purged || s.PurgeIndex
	}
	require.True(t, purged)
	visited := h.visited(t)
	require.Len(t, visited, 1)
	require.NotEqual(t, firstRow, visited[0].RowID)
}

func TestSetPriorityRestartsRunningLoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.delay = 10 * time.Millisecond
	h.fetcher.set(testRoot, page{title: "Home", links: []string{"/a", "/b", "/c"}})
	for _, p := range []string{"a", "b", "c"} {
		h.fetcher.set(testRoot+p, page{title: p})
	}

	require.NoError(t, h.domain.Start(ctx))
	require.NoError(t, h.domain.SetPriority(ctx, PriorityInteractive))
	require.Equal(t, "interactive", h.domain.Info().Priority)
	h.waitIdle(t)
	require.Equal(t, PhaseDone, h.domain.State().Phase)
	require.Equal(t, PriorityInteractive, h.checks.last().Priority)

	starts := 0
	for _, p := range h.events.phases() {
		if p == PhaseStarting {
			starts++
		}
	}
	require.Equal(t, 2, starts)
}

func TestRemoveSubmitsDeleting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Home"})
	require.NoError(t, h.domain.Start(ctx))
	h.waitIdle(t)

	require.NoError(t, h.domain.Remove(ctx))
	require.Equal(t, PhaseDeleting, h.domain.State().Phase)
	require.Equal(t, PhaseDeleting, h.checks.last().State.Phase)
	require.ErrorIs(t, h.domain.Start(ctx), ErrIllegalTransition)
	require.ErrorIs(t, h.domain.Restart(ctx, false), ErrIllegalTransition)
}

func TestRobotsOverrideFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/example.com.txt", "Disallow: /drafts\n"))
	h := newHarness(t, Config{RobotsOverrideDir: dir})
	h.fetcher.set(testRoot, page{title: "Home", links: []string{"/drafts/one", "/published"}})
	h.fetcher.set(testRoot+"published", page{title: "P"})

	require.NoError(t, h.domain.Start(context.Background()))
	h.waitIdle(t)

	require.True(t, h.domain.blocked.Check(testRoot+"drafts/one"))
	require.Len(t, h.checks.items(), 2)
}

func TestVisitedEntryCarriesValidators(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Home", etag: `"abc"`})
	require.NoError(t, h.domain.Start(context.Background()))
	h.waitIdle(t)

	got, ok, err := h.store.Visited.Get(context.Background(), testRoot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frontier.Entry{URL: testRoot, ETag: `"abc"`, RowID: got.RowID}, got)
}

func TestStartWaitsForFinalCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.fetcher.set(testRoot, page{title: "Home"})
	release := make(chan struct{})
	h.checks.holdDone = release

	require.NoError(t, h.domain.Start(ctx))
	require.Eventually(t, func() bool {
		return h.domain.State().Phase == PhaseDone
	}, 5*time.Second, time.Millisecond)

	started := make(chan error, 1)
	go func() { started <- h.domain.Start(ctx) }()
	require.Never(t, func() bool { return len(started) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, []Phase{PhaseStarting, PhaseIndexing, PhaseDone}, h.events.phases())

	close(release)
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second start never returned")
	}
	h.waitIdle(t)
	require.Equal(t, PhaseDone, h.domain.State().Phase)
	require.Equal(t, []Phase{PhaseStarting, PhaseIndexing, PhaseDone, PhaseStarting, PhaseIndexing, PhaseDone}, h.events.phases())
}
