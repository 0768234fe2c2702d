package checkpoint

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/progress"
)

func TestSubmitAppliesIndexThenSnapshot(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex(0)
	snaps := &fakeSnapshots{}
	p := New(Config{Workers: 2}, idx, snaps, nil, nil)
	t.Cleanup(func() { require.NoError(t, p.Close(context.Background())) })

	item := crawler.IndexItem{Record: crawler.ContentRecord{RowID: 7, Domain: "d1", URL: "https://a.test/"}}
	err := <-p.Submit(crawler.Snapshot{
		DomainID: "d1",
		State:    crawler.Paused(1, 0, true),
		Items:    []crawler.IndexItem{item},
		Removed:  []int64{3},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"apply:d1", "save:d1"}, merge(idx.log(), snaps.log()))
	assert.Equal(t, []int64{3}, idx.removed)
	assert.Equal(t, 0, p.Depth())
}

func TestSnapshotsOfOneDomainAreSerialInOrder(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex(10 * time.Millisecond)
	snaps := &fakeSnapshots{}
	p := New(Config{Workers: 4}, idx, snaps, nil, nil)

	var acks []<-chan error
	for i := 1; i <= 5; i++ {
		acks = append(acks, p.Submit(withItem("d1", crawler.Indexing(i, 0, ""))))
	}
	for _, ack := range acks {
		require.NoError(t, <-ack)
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, 1, idx.maxPerDomain["d1"])
	var order []int
	for _, s := range snaps.saved {
		order = append(order, s.State.Indexed)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestSlotsBoundCrossDomainConcurrency(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex(20 * time.Millisecond)
	p := New(Config{Workers: 2}, idx, &fakeSnapshots{}, nil, nil)

	var acks []<-chan error
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		acks = append(acks, p.Submit(withItem(id, crawler.Paused(0, 0, false))))
	}
	for _, ack := range acks {
		require.NoError(t, <-ack)
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, 2, idx.maxTotal)
}

func TestPurgeIndexRunsBeforeApply(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex(0)
	p := New(Config{Workers: 1}, idx, &fakeSnapshots{}, nil, nil)
	snap := withItem("d1", crawler.Paused(0, 0, false))
	snap.PurgeIndex = true
	require.NoError(t, <-p.Submit(snap))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, []string{"purge:d1", "apply:d1"}, idx.log())
}

func TestDeletingRemovesEverything(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := frontier.Open(dir, "d1")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.True(t, frontier.Exists(dir, "d1"))

	idx := newFakeIndex(0)
	snaps := &fakeSnapshots{}
	events := &captureEmitter{}
	p := New(Config{Workers: 1, FrontierDir: dir}, idx, snaps, events, nil)
	require.NoError(t, <-p.Submit(crawler.Snapshot{DomainID: "d1", State: crawler.Deleting()}))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, []string{"purge:d1"}, idx.log())
	assert.Equal(t, []string{"d1"}, snaps.removed)
	assert.False(t, frontier.Exists(dir, "d1"))
	_, statErr := os.Stat(frontier.Path(dir, "d1"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	evts := events.all()
	require.Len(t, evts, 1)
	assert.Equal(t, progress.KindCheckpoint, evts[0].Kind)
	assert.Equal(t, string(crawler.PhaseDeleting), evts[0].Phase)
}

func TestFailuresAreAcknowledged(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex(0)
	idx.err = errors.New("disk full")
	snaps := &fakeSnapshots{}
	events := &captureEmitter{}
	p := New(Config{Workers: 1}, idx, snaps, events, nil)

	err := <-p.Submit(crawler.Snapshot{DomainID: "d1", State: crawler.Paused(0, 0, false)})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, p.Close(context.Background()))
	assert.Empty(t, snaps.saved, "snapshot must not be written after an index failure")
	require.Len(t, events.all(), 1)
	assert.Equal(t, "disk full", events.all()[0].Error)
}

func TestCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex(5 * time.Millisecond)
	snaps := &fakeSnapshots{}
	p := New(Config{Workers: 1}, idx, snaps, nil, nil)
	var acks []<-chan error
	for i := 0; i < 10; i++ {
		acks = append(acks, p.Submit(crawler.Snapshot{DomainID: "d1", State: crawler.Paused(i, 0, true)}))
	}
	require.NoError(t, p.Close(context.Background()))
	for _, ack := range acks {
		select {
		case err := <-ack:
			require.NoError(t, err)
		default:
			t.Fatal("snapshot left unacknowledged after Close")
		}
	}
	assert.Len(t, snaps.saved, 10)

	err := <-p.Submit(crawler.Snapshot{DomainID: "d1"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseHonoursContext(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex(200 * time.Millisecond)
	p := New(Config{Workers: 1}, idx, &fakeSnapshots{}, nil, nil)
	ack := p.Submit(crawler.Snapshot{DomainID: "d1", State: crawler.Paused(0, 0, false)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	require.NoError(t, <-ack)
}

type fakeIndex struct {
	delay time.Duration
	err   error

	mu           sync.Mutex
	calls        []string
	removed      []int64
	inflight     map[string]int
	total        int
	maxPerDomain map[string]int
	maxTotal     int
}

func newFakeIndex(delay time.Duration) *fakeIndex {
	return &fakeIndex{delay: delay, inflight: map[string]int{}, maxPerDomain: map[string]int{}}
}

func (f *fakeIndex) enter(domain, op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op+":"+domain)
	f.inflight[domain]++
	f.total++
	f.maxPerDomain[domain] = max(f.maxPerDomain[domain], f.inflight[domain])
	f.maxTotal = max(f.maxTotal, f.total)
	f.mu.Unlock()
	time.Sleep(f.delay)
	f.mu.Lock()
	f.inflight[domain]--
	f.total--
	f.mu.Unlock()
}

func (f *fakeIndex) Apply(_ context.Context, items []crawler.IndexItem, removed []int64) error {
	if f.err != nil {
		return f.err
	}
	domain := "?"
	for _, it := range items {
		domain = it.Record.Domain
	}
	f.mu.Lock()
	f.removed = append(f.removed, removed...)
	f.mu.Unlock()
	f.enter(domain, "apply")
	return nil
}

func (f *fakeIndex) PurgeDomain(_ context.Context, domain string) error {
	if f.err != nil {
		return f.err
	}
	f.enter(domain, "purge")
	return nil
}

func (f *fakeIndex) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSnapshots struct {
	mu      sync.Mutex
	saved   []crawler.Snapshot
	removed []string
	calls   []string
}

func (f *fakeSnapshots) Save(s crawler.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, s)
	f.calls = append(f.calls, "save:"+s.DomainID)
	return nil
}

func (f *fakeSnapshots) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeSnapshots) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) all() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Event(nil), c.events...)
}

func withItem(domain string, st crawler.State) crawler.Snapshot {
	return crawler.Snapshot{
		DomainID: domain,
		State:    st,
		Items:    []crawler.IndexItem{{Record: crawler.ContentRecord{RowID: 1, Domain: domain}}},
	}
}

func merge(a, b []string) []string {
	return append(append([]string(nil), a...), b...)
}
