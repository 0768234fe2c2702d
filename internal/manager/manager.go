// Package manager is the registry of crawled domains. It restores domains
// from their snapshots at startup, routes control commands to the right
// crawl loop, and answers search queries against the shared index.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/id/uuid"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("domain not found")
	ErrDuplicateDomain = errors.New("domain already registered")
	ErrNoEmbedder      = errors.New("semantic search needs an embedder")
)

// Index is the shared search index.
type Index interface {
	crawler.RowIDAllocator
	KeywordQuery(ctx context.Context, text string, limit int) ([]crawler.SearchResult, error)
	SemanticQuery(ctx context.Context, query []float32, text string, limit int) ([]crawler.SearchResult, error)
}

// Snapshots lists persisted domains.
type Snapshots interface {
	LoadAll() ([]crawler.Snapshot, error)
}

// IDGenerator creates domain ids.
type IDGenerator interface {
	NewID() (string, error)
}

// forgetter is implemented by throttles that keep per-host state.
type forgetter interface {
	Forget(key string)
}

// Config controls the registry.
type Config struct {
	FrontierDir   string
	ResumeOnStart bool
	Crawl         crawler.Config
}

// Deps are the registry's collaborators. Crawl is handed to every domain;
// its RowIDs defaults to Index.
type Deps struct {
	Crawl     crawler.Deps
	Index     Index
	Snapshots Snapshots
	IDs       IDGenerator
}

// Manager owns every registered domain.
type Manager struct {
	cfg    Config
	deps   crawler.Deps
	index  Index
	snaps  Snapshots
	ids    IDGenerator
	logger *zap.Logger

	mu      sync.RWMutex
	domains map[string]*crawler.Domain
}

// New builds an empty registry. Call Load to restore persisted domains.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Index == nil || deps.Snapshots == nil || deps.IDs == nil || deps.Crawl.Checkpoints == nil {
		return nil, errors.New("manager: index, snapshots, ids, and checkpoints are required")
	}
	if cfg.FrontierDir == "" {
		return nil, errors.New("manager: frontier dir is required")
	}
	if deps.Crawl.RowIDs == nil {
		deps.Crawl.RowIDs = deps.Index
	}
	logger := deps.Crawl.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps.Crawl,
		index:   deps.Index,
		snaps:   deps.Snapshots,
		ids:     deps.IDs,
		logger:  logger.Named("manager"),
		domains: make(map[string]*crawler.Domain),
	}, nil
}

// Load restores every domain with a snapshot. Domains caught mid-crawl come
// back as resumable pauses; resumable domains are started again when
// configured. Unreadable snapshots are logged and skipped.
func (m *Manager) Load(ctx context.Context) error {
	snaps, err := m.snaps.LoadAll()
	if err != nil {
		m.logger.Warn("some snapshots could not be read", zap.Error(err))
	}
	var resume []*crawler.Domain
	for _, snap := range snaps {
		if !uuid.Valid(snap.DomainID) {
			m.logger.Warn("skipping snapshot with foreign id", zap.String("domain_id", snap.DomainID))
			continue
		}
		if snap.State.Phase == crawler.PhaseDeleting {
			m.logger.Info("finishing interrupted removal", zap.String("domain_id", snap.DomainID))
			if err := <-m.deps.Checkpoints.Submit(crawler.Snapshot{DomainID: snap.DomainID, State: crawler.Deleting()}); err != nil {
				m.logger.Error("remove domain data", zap.String("domain_id", snap.DomainID), zap.Error(err))
			}
			continue
		}
		d, err := m.restore(ctx, snap)
		if err != nil {
			m.logger.Error("restore domain", zap.String("domain_id", snap.DomainID), zap.Error(err))
			continue
		}
		if st := d.State(); m.cfg.ResumeOnStart && st.Phase == crawler.PhasePaused && st.Resumable {
			resume = append(resume, d)
		}
	}
	for _, d := range resume {
		if err := d.Start(ctx); err != nil {
			m.logger.Warn("resume domain", zap.String("domain_id", d.ID()), zap.Error(err))
		}
	}
	m.logger.Info("domains loaded", zap.Int("domains", len(m.List())), zap.Int("resumed", len(resume)))
	return nil
}

func (m *Manager) restore(ctx context.Context, snap crawler.Snapshot) (*crawler.Domain, error) {
	st := snap.State
	if st.Active() {
		st = crawler.Paused(st.Indexed, st.Pending, true)
	}
	missing := !frontier.Exists(m.cfg.FrontierDir, snap.DomainID)
	store, err := frontier.Open(m.cfg.FrontierDir, snap.DomainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	if missing {
		if err := store.Restore(ctx, snap.Pending, snap.Visited); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("%w: restore frontier: %w", crawler.ErrStorage, err)
		}
		m.logger.Info("frontier rebuilt from snapshot",
			zap.String("domain_id", snap.DomainID),
			zap.Int("pending", len(snap.Pending)),
			zap.Int("visited", len(snap.Visited)),
		)
	}
	d, err := crawler.NewDomain(crawler.Registration{
		ID:       snap.DomainID,
		BaseURL:  snap.BaseURL,
		Priority: snap.Priority,
		State:    st,
	}, store, m.cfg.Crawl, m.deps)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := m.add(d); err != nil {
		_ = store.Close()
		return nil, err
	}
	return d, nil
}

// Register adds a domain by base URL and persists its first snapshot. The
// crawl is not started.
func (m *Manager) Register(ctx context.Context, baseURL string, priority crawler.Priority) (crawler.Info, error) {
	root, err := crawler.DomainRoot(baseURL)
	if err != nil {
		return crawler.Info{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return crawler.Info{}, fmt.Errorf("generate domain id: %w", err)
	}
	if host := hostOf(root); m.byHost(host) != nil {
		return crawler.Info{}, fmt.Errorf("%w: %s", ErrDuplicateDomain, host)
	}
	store, err := frontier.Open(m.cfg.FrontierDir, id)
	if err != nil {
		return crawler.Info{}, fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	d, err := crawler.NewDomain(crawler.Registration{ID: id, BaseURL: root, Priority: priority}, store, m.cfg.Crawl, m.deps)
	if err != nil {
		_ = store.Close()
		return crawler.Info{}, err
	}
	if err := m.add(d); err != nil {
		_ = store.Close()
		_ = frontier.Remove(m.cfg.FrontierDir, id)
		return crawler.Info{}, err
	}
	if err := d.Checkpoint(ctx); err != nil {
		m.drop(id)
		_ = store.Close()
		_ = frontier.Remove(m.cfg.FrontierDir, id)
		return crawler.Info{}, err
	}
	m.logger.Info("domain registered", zap.String("domain_id", id), zap.String("base_url", root))
	return d.Info(), nil
}

// List returns every domain ordered by host.
func (m *Manager) List() []crawler.Info {
	m.mu.RLock()
	out := make([]crawler.Info, 0, len(m.domains))
	for _, d := range m.domains {
		out = append(out, d.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one domain.
func (m *Manager) Get(id string) (crawler.Info, error) {
	d, err := m.domain(id)
	if err != nil {
		return crawler.Info{}, err
	}
	return d.Info(), nil
}

// Start launches the crawl of id.
func (m *Manager) Start(ctx context.Context, id string) error {
	d, err := m.domain(id)
	if err != nil {
		return err
	}
	return d.Start(ctx)
}

// Pause stops the crawl of id and waits until it is quiescent.
func (m *Manager) Pause(ctx context.Context, id string, resumable bool) error {
	d, err := m.domain(id)
	if err != nil {
		return err
	}
	return d.Pause(ctx, resumable)
}

// Restart re-crawls id, discarding its frontier and index rows when wipe.
func (m *Manager) Restart(ctx context.Context, id string, wipe bool) error {
	d, err := m.domain(id)
	if err != nil {
		return err
	}
	return d.Restart(ctx, wipe)
}

// SetPriority changes how aggressively id is crawled.
func (m *Manager) SetPriority(ctx context.Context, id string, p crawler.Priority) error {
	d, err := m.domain(id)
	if err != nil {
		return err
	}
	return d.SetPriority(ctx, p)
}

// Remove stops id and deletes its frontier, snapshot, and index rows.
func (m *Manager) Remove(ctx context.Context, id string) error {
	d, err := m.domain(id)
	if err != nil {
		return err
	}
	if err := d.Remove(ctx); err != nil {
		return err
	}
	m.drop(id)
	if f, ok := m.deps.Throttle.(forgetter); ok {
		f.Forget(d.Host())
	}
	m.logger.Info("domain removed", zap.String("domain_id", id), zap.String("host", d.Host()))
	return nil
}

// KeywordQuery runs a BM25 search across every domain.
func (m *Manager) KeywordQuery(ctx context.Context, text string, limit int) ([]crawler.SearchResult, error) {
	metrics.ObserveSearch("keyword")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return m.index.KeywordQuery(ctx, text, limit)
}

// SemanticQuery embeds text and ranks pages by sentence similarity.
func (m *Manager) SemanticQuery(ctx context.Context, text string, limit int) ([]crawler.SearchResult, error) {
	metrics.ObserveSearch("semantic")
	if m.deps.Embedder == nil {
		return nil, ErrNoEmbedder
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := m.deps.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return m.index.SemanticQuery(ctx, vec, text, limit)
}

// Close pauses every domain as resumable and releases its frontier. The
// checkpoint pipeline is left to the caller to drain.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	domains := make([]*crawler.Domain, 0, len(m.domains))
	for _, d := range m.domains {
		domains = append(domains, d)
	}
	m.domains = make(map[string]*crawler.Domain)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, d := range domains {
		wg.Add(1)
		go func(d *crawler.Domain) {
			defer wg.Done()
			if err := d.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close domain %s: %w", d.ID(), err))
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) domain(id string) (*crawler.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

func (m *Manager) add(d *crawler.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[d.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDomain, d.ID())
	}
	for _, other := range m.domains {
		if other.Host() == d.Host() {
			return fmt.Errorf("%w: %s", ErrDuplicateDomain, d.Host())
		}
	}
	m.domains[d.ID()] = d
	return nil
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.domains, id)
}

func (m *Manager) byHost(host string) *crawler.Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.domains {
		if d.Host() == host {
			return d
		}
	}
	return nil
}

func hostOf(root string) string {
	u, err := url.Parse(root)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
