package crawler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/progress"
)

// page describes one fake document. Body is rendered as
// "title|link,link|text" for fakeExtractor.
type page struct {
	status int
	etag   string
	title  string
	links  []string
	text   string
	raw    string
}

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]page
	calls  []FetchRequest
	delay  time.Duration
	failOn map[string]error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]page{}, failOn: map[string]error{}}
}

func (f *fakeFetcher) set(url string, p page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = p
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	p, ok := f.pages[req.URL]
	err := f.failOn[req.URL]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return FetchResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return FetchResponse{}, err
	}
	resp := FetchResponse{URL: req.URL, Headers: http.Header{}, Attempts: 1}
	if !ok {
		resp.StatusCode = http.StatusNotFound
		return resp, nil
	}
	resp.StatusCode = p.status
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if p.etag != "" {
		resp.Headers.Set("ETag", p.etag)
		if req.ETag == p.etag {
			resp.StatusCode = http.StatusNotModified
			return resp, nil
		}
	}
	resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
	if req.Method == http.MethodHead {
		return resp, nil
	}
	if p.raw != "" {
		resp.Body = []byte(p.raw)
	} else {
		resp.Body = []byte(p.title + "|" + strings.Join(p.links, ",") + "|" + p.text)
	}
	return resp, nil
}

func (f *fakeFetcher) count(method, url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.URL == url {
			n++
		}
	}
	return n
}

type fakeExtractor struct {
	calls atomic.Int32
}

func (x *fakeExtractor) Extract(pageURL, _ string, body []byte) (Extracted, error) {
	x.calls.Add(1)
	parts := strings.SplitN(string(body), "|", 3)
	if len(parts) != 3 {
		return Extracted{}, ErrParse
	}
	var links []string
	for _, l := range strings.Split(parts[1], ",") {
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "/") {
			l = strings.TrimSuffix(rootOf(pageURL), "/") + l
		}
		links = append(links, l)
	}
	return Extracted{Title: parts[0], Links: links, Text: parts[2]}, nil
}

func rootOf(u string) string {
	root, _ := DomainRoot(u)
	return root
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedSentences(_ context.Context, text string) ([][]float32, error) {
	return [][]float32{{float32(len(text)), 1}}, nil
}

func (fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

type fakeRowIDs struct {
	next atomic.Int64
	err  error
}

func (r *fakeRowIDs) NextRowID(context.Context) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.next.Add(1), nil
}

type fakeCheckpoints struct {
	mu    sync.Mutex
	snaps []Snapshot
	// holdDone delays the ack of the next Done snapshot until it is closed.
	holdDone chan struct{}
}

func (c *fakeCheckpoints) Submit(s Snapshot) <-chan error {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	hold := c.holdDone
	if s.State.Phase == PhaseDone {
		c.holdDone = nil
	} else {
		hold = nil
	}
	c.mu.Unlock()
	ch := make(chan error, 1)
	if hold == nil {
		ch <- nil
		return ch
	}
	go func() {
		<-hold
		ch <- nil
	}()
	return ch
}

func (c *fakeCheckpoints) all() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.snaps...)
}

func (c *fakeCheckpoints) last() Snapshot {
	all := c.all()
	return all[len(all)-1]
}

func (c *fakeCheckpoints) items() []IndexItem {
	var out []IndexItem
	for _, s := range c.all() {
		out = append(out, s.Items...)
	}
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// phases returns the distinct consecutive state phases seen.
func (r *recordingEmitter) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, e := range r.events {
		if e.Kind != progress.KindState {
			continue
		}
		p := Phase(e.Phase)
		if len(out) == 0 || out[len(out)-1] != p {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingEmitter) outcomes(url string) []progress.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Outcome
	for _, e := range r.events {
		if e.Kind == progress.KindPage && e.URL == url {
			out = append(out, e.Outcome)
		}
	}
	return out
}

type harness struct {
	domain  *Domain
	store   *frontier.Store
	fetcher *fakeFetcher
	extract *fakeExtractor
	rows    *fakeRowIDs
	checks  *fakeCheckpoints
	events  *recordingEmitter
}

const testRoot = "https://example.com/"

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := frontier.Open(t.TempDir(), "d1")
	require.NoError(t, err)
	h := &harness{
		store:   store,
		fetcher: newFakeFetcher(),
		extract: &fakeExtractor{},
		rows:    &fakeRowIDs{},
		checks:  &fakeCheckpoints{},
		events:  &recordingEmitter{},
	}
	h.domain, err = NewDomain(Registration{ID: "d1", BaseURL: testRoot}, store, cfg, Deps{
		Fetcher:     h.fetcher,
		Extractor:   h.extract,
		Embedder:    fakeEmbedder{},
		RowIDs:      h.rows,
		Checkpoints: h.checks,
		Events:      h.events,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, h.domain.Close(context.Background()))
	})
	return h
}

// waitIdle blocks until the current loop, if any, has fully exited.
func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	h.domain.mu.Lock()
	done := h.domain.done
	h.domain.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("crawl loop did not exit")
	}
}

func (h *harness) visited(t *testing.T) []frontier.Entry {
	t.Helper()
	all, err := h.store.Visited.All(context.Background())
	require.NoError(t, err)
	return all
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.Pending.Count(context.Background())
	require.NoError(t, err)
	return n
}

var errBoom = errors.New("boom")

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
