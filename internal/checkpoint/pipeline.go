// Package checkpoint persists domain snapshots on a fixed pool of worker
// slots. Snapshots of one domain are applied in submission order and never
// concurrently; different domains proceed in parallel up to the slot count.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	"github.com/JakeFAU/sitesearch/internal/progress"
)

// ErrClosed is returned for snapshots submitted after Close.
var ErrClosed = errors.New("checkpoint pipeline closed")

// Index receives the index half of a snapshot.
type Index interface {
	Apply(ctx context.Context, items []crawler.IndexItem, removed []int64) error
	PurgeDomain(ctx context.Context, domain string) error
}

// Snapshots stores the crawl-state half of a snapshot.
type Snapshots interface {
	Save(snapshot crawler.Snapshot) error
	Remove(id string) error
}

// Config controls the pipeline.
type Config struct {
	Workers int
	// FrontierDir is where per-domain frontier databases live; a Deleting
	// snapshot removes the domain's files from it.
	FrontierDir string
}

type job struct {
	snap   crawler.Snapshot
	ack    chan error
	queued time.Time
}

// Pipeline is the shared checkpoint queue.
type Pipeline struct {
	cfg       Config
	index     Index
	snapshots Snapshots
	events    progress.Emitter
	logger    *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string][]job
	ready  []string
	busy   map[string]bool
	depth  int
	closed bool

	wg sync.WaitGroup
}

// New starts cfg.Workers slots.
func New(cfg Config, index Index, snapshots Snapshots, events progress.Emitter, logger *zap.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:       cfg,
		index:     index,
		snapshots: snapshots,
		events:    events,
		logger:    logger.Named("checkpoint"),
		queues:    make(map[string][]job),
		busy:      make(map[string]bool),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work()
		}()
	}
	return p
}

// Submit queues snapshot and returns immediately. The channel yields nil once
// the snapshot is durable, or the error that prevented it.
func (p *Pipeline) Submit(snapshot crawler.Snapshot) <-chan error {
	ack := make(chan error, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ack <- ErrClosed
		return ack
	}
	id := snapshot.DomainID
	p.queues[id] = append(p.queues[id], job{snap: snapshot, ack: ack, queued: time.Now()})
	if !p.busy[id] && len(p.queues[id]) == 1 {
		p.ready = append(p.ready, id)
		p.cond.Signal()
	}
	p.depth++
	metrics.SetCheckpointQueueDepth(p.depth)
	return ack
}

// Depth returns the number of snapshots not yet applied.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth
}

// Close stops accepting snapshots and blocks until every queued one has been
// applied and all slots are idle, or ctx ends.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("checkpoint drain: %w", ctx.Err())
	}
}

func (p *Pipeline) work() {
	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return
		}
		id := p.ready[0]
		p.ready = p.ready[1:]
		j := p.queues[id][0]
		p.queues[id] = p.queues[id][1:]
		p.busy[id] = true
		p.mu.Unlock()

		err := p.apply(j)
		j.ack <- err

		p.mu.Lock()
		delete(p.busy, id)
		if len(p.queues[id]) > 0 {
			p.ready = append(p.ready, id)
			p.cond.Signal()
		} else {
			delete(p.queues, id)
		}
		p.depth--
		metrics.SetCheckpointQueueDepth(p.depth)
		p.mu.Unlock()
	}
}

func (p *Pipeline) apply(j job) error {
	start := time.Now()
	snap := j.snap
	ctx := context.Background()
	var err error
	if snap.State.Phase == crawler.PhaseDeleting {
		err = p.remove(ctx, snap.DomainID)
	} else {
		err = p.persist(ctx, snap)
	}

	result := "ok"
	evt := progress.Event{
		DomainID: snap.DomainID,
		TS:       time.Now(),
		Kind:     progress.KindCheckpoint,
		Phase:    string(snap.State.Phase),
		Indexed:  len(snap.Items),
		Pending:  len(snap.Pending),
		Dur:      time.Since(start),
	}
	if err != nil {
		result = "error"
		evt.Error = err.Error()
		p.logger.Error("checkpoint failed", zap.String("domain_id", snap.DomainID), zap.Error(err))
	} else {
		p.logger.Debug("checkpoint applied",
			zap.String("domain_id", snap.DomainID),
			zap.Stringer("state", snap.State),
			zap.Int("items", len(snap.Items)),
			zap.Int("removed", len(snap.Removed)),
			zap.Duration("queued", start.Sub(j.queued)),
		)
	}
	metrics.ObserveCheckpoint(result, time.Since(start))
	p.events.Emit(evt)
	return err
}

// persist writes index data before the snapshot file so a crash in between
// is repaired by re-crawling rather than by trusting a stale index.
func (p *Pipeline) persist(ctx context.Context, snap crawler.Snapshot) error {
	if snap.PurgeIndex {
		if err := p.index.PurgeDomain(ctx, snap.DomainID); err != nil {
			return err
		}
	}
	if err := p.index.Apply(ctx, snap.Items, snap.Removed); err != nil {
		return err
	}
	if err := p.snapshots.Save(snap); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	return nil
}

func (p *Pipeline) remove(ctx context.Context, id string) error {
	var errs []error
	if err := p.index.PurgeDomain(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if p.cfg.FrontierDir != "" {
		if err := frontier.Remove(p.cfg.FrontierDir, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.snapshots.Remove(id); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: remove domain: %w", crawler.ErrStorage, err)
	}
	p.logger.Info("domain data removed", zap.String("domain_id", id))
	return nil
}
