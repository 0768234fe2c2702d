package crawler

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/progress"
	"github.com/JakeFAU/sitesearch/internal/rejection"
)

// Config tunes a domain crawl.
type Config struct {
	// RobotsAgent is the name looked up in robots.txt groups.
	RobotsAgent string
	// Delay is the base pause between requests before priority scaling.
	Delay time.Duration
	// CheckpointEvery is how many indexed pages are batched per snapshot.
	CheckpointEvery int
	// RejectionCacheSize bounds each rejection cache.
	RejectionCacheSize int
	// RobotsOverrideDir holds optional <hostname>.txt files appended to the
	// remote robots.txt.
	RobotsOverrideDir string
}

func (c Config) withDefaults() Config {
	if c.RobotsAgent == "" {
		c.RobotsAgent = "sitesearch"
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 25
	}
	if c.RejectionCacheSize <= 0 {
		c.RejectionCacheSize = 1000
	}
	return c
}

// Deps are the collaborators of a domain crawl. Only Fetcher, Extractor,
// RowIDs, and Checkpoints are required.
type Deps struct {
	Fetcher      Fetcher
	Extractor    Extractor
	Embedder     Embedder
	RowIDs       RowIDAllocator
	Checkpoints  Checkpointer
	Throttle     Throttle
	Reachability Reachability
	Events       progress.Emitter
	Clock        Clock
	Logger       *zap.Logger
}

// Registration is the persisted identity of a domain.
type Registration struct {
	ID       string
	BaseURL  string
	Priority Priority
	State    State
}

// Info is a point-in-time view of a domain.
type Info struct {
	ID       string `json:"id"`
	BaseURL  string `json:"base_url"`
	Host     string `json:"host"`
	Priority string `json:"priority"`
	State    State  `json:"state"`
}

// Domain owns the crawl of one site: its frontier, rejection caches, and at
// most one running loop.
type Domain struct {
	id     string
	root   string
	host   string
	suffix string
	cfg    Config
	deps   Deps
	store  *frontier.Store
	logger *zap.Logger

	// Rejection caches survive across loops and are cleared on wipe.
	blocked *rejection.Cache[string]
	failed  *rejection.Cache[string]

	mu        sync.Mutex
	state     State
	priority  Priority
	resumable bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDomain wires a domain around an open frontier store. The store is owned
// by the domain from here on.
func NewDomain(reg Registration, store *frontier.Store, cfg Config, deps Deps) (*Domain, error) {
	root, err := DomainRoot(reg.BaseURL)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(root)
	if deps.Fetcher == nil || deps.Extractor == nil || deps.RowIDs == nil || deps.Checkpoints == nil {
		return nil, fmt.Errorf("domain %s: fetcher, extractor, row ids, and checkpoints are required", reg.ID)
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	state := reg.State
	if state.Phase == "" {
		state = Paused(0, 0, false)
	}
	return &Domain{
		id:       reg.ID,
		root:     root,
		host:     u.Hostname(),
		suffix:   SiteSuffix(u.Hostname()),
		cfg:      cfg,
		deps:     deps,
		store:    store,
		logger:   deps.Logger.Named("domain").With(zap.String("domain_id", reg.ID), zap.String("host", u.Hostname())),
		blocked:  rejection.New[string](cfg.RejectionCacheSize),
		failed:   rejection.New[string](cfg.RejectionCacheSize),
		state:    state,
		priority: reg.Priority,
	}, nil
}

// ID returns the domain id.
func (d *Domain) ID() string { return d.id }

// Host returns the hostname being crawled.
func (d *Domain) Host() string { return d.host }

// State returns the current crawl state.
func (d *Domain) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Info returns a display view of the domain.
func (d *Domain) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{ID: d.id, BaseURL: d.root, Host: d.host, Priority: d.priority.String(), State: d.state}
}

// Start launches the crawl loop. It fails unless the domain is Paused or Done.
// A previous loop that is still writing its final checkpoint is waited for,
// so at most one loop runs per domain.
func (d *Domain) Start(ctx context.Context) error {
	d.mu.Lock()
	for {
		if !CanTransition(d.state.Phase, PhaseStarting) {
			phase := d.state.Phase
			d.mu.Unlock()
			return fmt.Errorf("%w: start while %s", ErrIllegalTransition, phase)
		}
		prev := d.done
		if loopExited(prev) {
			break
		}
		d.mu.Unlock()
		if err := awaitLoop(ctx, prev); err != nil {
			return err
		}
		d.mu.Lock()
	}
	defer d.mu.Unlock()

	indexed, pending, err := d.counts(ctx)
	if err != nil {
		return err
	}
	if err := d.setLocked(Starting(indexed, pending)); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.resumable = false
	go d.run(loopCtx, d.priority, d.done)
	return nil
}

// Pause asks the running loop to stop and waits until it has checkpointed
// and exited. A loop that already reached Done or Paused is only waited for.
func (d *Domain) Pause(ctx context.Context, resumable bool) error {
	d.mu.Lock()
	if !d.state.Active() {
		done := d.done
		d.mu.Unlock()
		return awaitLoop(ctx, done)
	}
	if d.state.Phase != PhasePausing {
		if err := d.setLocked(Pausing(d.state.Indexed, d.state.Pending, resumable)); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.resumable = resumable
	d.cancel()
	done := d.done
	d.mu.Unlock()
	return awaitLoop(ctx, done)
}

func loopExited(done <-chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// awaitLoop blocks until the loop owning done has exited.
func awaitLoop(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl loop: %w", ctx.Err())
	}
}

// Restart stops any running loop and starts a fresh one. With wipe the
// frontier and this domain's index rows are discarded first; otherwise every
// visited URL is queued again for a conditional re-check.
func (d *Domain) Restart(ctx context.Context, wipe bool) error {
	if st := d.State(); st.Phase == PhaseDeleting {
		return fmt.Errorf("%w: restart while %s", ErrIllegalTransition, st.Phase)
	}
	if err := d.Pause(ctx, false); err != nil {
		return err
	}
	storeCtx := context.WithoutCancel(ctx)
	if wipe {
		if err := d.store.Purge(storeCtx); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		d.blocked.Reset()
		d.failed.Reset()
		snap, err := d.snapshot(storeCtx, d.State(), nil, nil)
		if err != nil {
			return err
		}
		snap.PurgeIndex = true
		if err := <-d.deps.Checkpoints.Submit(snap); err != nil {
			return fmt.Errorf("%w: purge index: %w", ErrStorage, err)
		}
		d.logger.Info("frontier and index wiped")
	} else if err := d.store.RefreshFromVisited(storeCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return d.Start(ctx)
}

// SetPriority changes the pacing priority. A running loop is stopped and a
// new one started with the new priority.
func (d *Domain) SetPriority(ctx context.Context, p Priority) error {
	d.mu.Lock()
	if d.priority == p {
		d.mu.Unlock()
		return nil
	}
	d.priority = p
	running := d.state.Active()
	d.mu.Unlock()

	d.logger.Info("priority changed", zap.Stringer("priority", p), zap.Bool("running", running))
	if running {
		if err := d.Pause(ctx, true); err != nil {
			return err
		}
		return d.Start(ctx)
	}
	snap, err := d.snapshot(context.WithoutCancel(ctx), d.State(), nil, nil)
	if err != nil {
		return err
	}
	return <-d.deps.Checkpoints.Submit(snap)
}

// Remove stops the domain, closes its frontier, and waits until every
// persisted artifact is gone. The domain is unusable afterwards.
func (d *Domain) Remove(ctx context.Context) error {
	if err := d.Pause(ctx, false); err != nil {
		return err
	}
	d.mu.Lock()
	err := d.setLocked(Deleting())
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close frontier", zap.Error(err))
	}
	return <-d.deps.Checkpoints.Submit(Snapshot{DomainID: d.id, BaseURL: d.root, State: Deleting()})
}

// Close pauses the domain as resumable and releases its frontier.
func (d *Domain) Close(ctx context.Context) error {
	if err := d.Pause(ctx, true); err != nil {
		return err
	}
	if d.State().Phase == PhaseDeleting {
		return nil
	}
	return d.store.Close()
}

// Checkpoint submits the current state and frontier and waits for it to be
// durable. Used after registration and by callers that need a fresh file.
func (d *Domain) Checkpoint(ctx context.Context) error {
	snap, err := d.snapshot(context.WithoutCancel(ctx), d.State(), nil, nil)
	if err != nil {
		return err
	}
	return <-d.deps.Checkpoints.Submit(snap)
}

func (d *Domain) setLocked(next State) error {
	st, err := Transition(d.state, next)
	if err != nil {
		return err
	}
	d.state = st
	d.emitState(st)
	return nil
}

func (d *Domain) emitState(st State) {
	d.deps.Events.Emit(progress.Event{
		DomainID:   d.id,
		Host:       d.host,
		TS:         d.deps.Clock.Now(),
		Kind:       progress.KindState,
		Phase:      string(st.Phase),
		Indexed:    st.Indexed,
		Pending:    st.Pending,
		Resumable:  st.Resumable,
		CurrentURL: st.CurrentURL,
		Error:      st.Error,
	})
}

// counts reports visited content pages and everything still pending.
// Sitemaps are crawled but never indexed, so they are left out of indexed.
func (d *Domain) counts(ctx context.Context) (indexed, pending int, err error) {
	if indexed, err = d.store.Visited.CountPages(ctx); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if pending, err = d.store.Pending.Count(ctx); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return indexed, pending, nil
}

func (d *Domain) snapshot(ctx context.Context, st State, items []IndexItem, removed []int64) (Snapshot, error) {
	pending, err := d.store.Pending.All(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	visited, err := d.store.Visited.All(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	d.mu.Lock()
	priority := d.priority
	d.mu.Unlock()
	return Snapshot{
		DomainID: d.id,
		BaseURL:  d.root,
		Priority: priority,
		State:    st,
		Items:    items,
		Removed:  removed,
		Pending:  pending,
		Visited:  visited,
	}, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
