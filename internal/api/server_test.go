package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/manager"
	"github.com/JakeFAU/sitesearch/internal/progress"
	"github.com/JakeFAU/sitesearch/internal/progress/sinks"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(newFakeDomains()), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RegisterDomain(t *testing.T) {
	t.Parallel()

	domains := newFakeDomains()
	server := newTestServer(domains)

	rec := serve(t, server, http.MethodPost, "/v1/domains", `{"base_url":"https://example.com","priority":"interactive","start":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		Domain crawler.Info `json:"domain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "d1", body.Domain.ID)
	assert.Equal(t, "interactive", body.Domain.Priority)
	assert.Equal(t, crawler.PhaseStarting, body.Domain.State.Phase)

	rec = serve(t, server, http.MethodPost, "/v1/domains", `{"base_url":"https://example.com"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_RegisterDomain_BadInput(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeDomains())

	cases := map[string]string{
		"invalid json":     `{invalid`,
		"missing base url": `{"priority":"normal"}`,
		"bad priority":     `{"base_url":"https://example.com","priority":"urgent"}`,
		"malformed url":    `{"base_url":"ftp://example.com"}`,
	}
	for name, body := range cases {
		rec := serve(t, server, http.MethodPost, "/v1/domains", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestServer_DomainNotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeDomains())
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/domains/nope"},
		{http.MethodDelete, "/v1/domains/nope"},
		{http.MethodPost, "/v1/domains/nope/start"},
		{http.MethodPost, "/v1/domains/nope/pause"},
	} {
		rec := serve(t, server, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), "error")
	}
}

func TestServer_ControlCommands(t *testing.T) {
	t.Parallel()

	domains := newFakeDomains()
	_, err := domains.Register(context.Background(), "https://example.com", crawler.PriorityNormal)
	require.NoError(t, err)
	server := newTestServer(domains)

	rec := serve(t, server, http.MethodPost, "/v1/domains/d1/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodPost, "/v1/domains/d1/start", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, server, http.MethodPost, "/v1/domains/d1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, domains.lastResumable)

	rec = serve(t, server, http.MethodPost, "/v1/domains/d1/restart", `{"wipe":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, domains.lastWipe)
	assert.Contains(t, rec.Body.String(), `"phase":"starting"`)

	rec = serve(t, server, http.MethodPost, "/v1/domains/d1/pause", `{"resumable":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, domains.lastResumable)

	rec = serve(t, server, http.MethodPut, "/v1/domains/d1/priority", `{"priority":"background"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"priority":"background"`)

	rec = serve(t, server, http.MethodPut, "/v1/domains/d1/priority", `{"priority":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/domains", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"d1"`)

	rec = serve(t, server, http.MethodDelete, "/v1/domains/d1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(t, server, http.MethodGet, "/v1/domains/d1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Search(t *testing.T) {
	t.Parallel()

	domains := newFakeDomains()
	server := newTestServer(domains)

	rec := serve(t, server, http.MethodGet, "/v1/search?q=cheese&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"keyword"`)
	assert.Contains(t, rec.Body.String(), "keyword:cheese")
	assert.Equal(t, 5, domains.lastLimit)

	rec = serve(t, server, http.MethodGet, "/v1/search?q=cheese&mode=semantic&limit=10000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "semantic:cheese")
	assert.Equal(t, maxSearchLimit, domains.lastLimit)

	for _, path := range []string{"/v1/search", "/v1/search?q=x&mode=fuzzy", "/v1/search?q=x&limit=-1"} {
		rec = serve(t, server, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestServer_EventsStream(t *testing.T) {
	t.Parallel()

	broadcaster := sinks.NewBroadcaster()
	server := NewServer(newFakeDomains(), broadcaster, zap.NewNop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?domain_id=d1", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered before the headers are flushed.
	batch := []progress.Event{
		{DomainID: "other", TS: time.Now(), Kind: progress.KindState, Phase: "indexing"},
		{DomainID: "d1", TS: time.Now(), Kind: progress.KindState, Phase: "done"},
	}
	require.NoError(t, broadcaster.Consume(ctx, batch))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: STATE\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"domain_id":"d1"`)
	assert.Contains(t, line, `"phase":"done"`)
}

func newTestServer(domains Domains) *Server {
	return NewServer(domains, sinks.NewBroadcaster(), zap.NewNop())
}

func serve(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeDomains struct {
	mu            sync.Mutex
	next          int
	domains       map[string]*crawler.Info
	lastResumable bool
	lastWipe      bool
	lastLimit     int
}

func newFakeDomains() *fakeDomains {
	return &fakeDomains{domains: map[string]*crawler.Info{}}
}

func (f *fakeDomains) Register(_ context.Context, baseURL string, p crawler.Priority) (crawler.Info, error) {
	root, err := crawler.DomainRoot(baseURL)
	if err != nil {
		return crawler.Info{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.domains {
		if d.BaseURL == root {
			return crawler.Info{}, fmt.Errorf("%w: %s", manager.ErrDuplicateDomain, root)
		}
	}
	f.next++
	info := &crawler.Info{
		ID:       fmt.Sprintf("d%d", f.next),
		BaseURL:  root,
		Host:     strings.TrimSuffix(strings.TrimPrefix(root, "https://"), "/"),
		Priority: p.String(),
		State:    crawler.Paused(0, 0, false),
	}
	f.domains[info.ID] = info
	return *info, nil
}

func (f *fakeDomains) List() []crawler.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.Info, 0, len(f.domains))
	for _, d := range f.domains {
		out = append(out, *d)
	}
	return out
}

func (f *fakeDomains) Get(id string) (crawler.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return crawler.Info{}, fmt.Errorf("%w: %s", manager.ErrNotFound, id)
	}
	return *d, nil
}

func (f *fakeDomains) transition(id string, next crawler.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return fmt.Errorf("%w: %s", manager.ErrNotFound, id)
	}
	st, err := crawler.Transition(d.State, next)
	if err != nil {
		return err
	}
	d.State = st
	return nil
}

func (f *fakeDomains) Start(_ context.Context, id string) error {
	return f.transition(id, crawler.Starting(0, 0))
}

func (f *fakeDomains) Pause(_ context.Context, id string, resumable bool) error {
	f.mu.Lock()
	f.lastResumable = resumable
	f.mu.Unlock()
	return f.transition(id, crawler.Paused(0, 0, resumable))
}

func (f *fakeDomains) Restart(_ context.Context, id string, wipe bool) error {
	f.mu.Lock()
	f.lastWipe = wipe
	f.mu.Unlock()
	return f.transition(id, crawler.Starting(0, 0))
}

func (f *fakeDomains) SetPriority(_ context.Context, id string, p crawler.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return fmt.Errorf("%w: %s", manager.ErrNotFound, id)
	}
	d.Priority = p.String()
	return nil
}

func (f *fakeDomains) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.domains[id]; !ok {
		return fmt.Errorf("%w: %s", manager.ErrNotFound, id)
	}
	delete(f.domains, id)
	return nil
}

func (f *fakeDomains) KeywordQuery(_ context.Context, text string, limit int) ([]crawler.SearchResult, error) {
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	return []crawler.SearchResult{{Snippet: "keyword:" + text}}, nil
}

func (f *fakeDomains) SemanticQuery(_ context.Context, text string, limit int) ([]crawler.SearchResult, error) {
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	return []crawler.SearchResult{{Snippet: "semantic:" + text}}, nil
}
