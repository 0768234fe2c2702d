package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	"github.com/JakeFAU/sitesearch/internal/progress"
	"github.com/JakeFAU/sitesearch/internal/robots"
)

// errStopped reports that the stop signal arrived while waiting; the current
// entry stays pending.
var errStopped = errors.New("crawl stopped")

// pass is the state of one run of the crawl loop. Only the loop goroutine
// touches it.
type pass struct {
	d *Domain
	// stop is cancelled by Pause; io carries no cancellation so storage
	// writes and in-flight requests always complete.
	stop   context.Context
	io     context.Context
	delay  time.Duration
	policy *robots.Policy

	items     []IndexItem
	removed   []int64
	processed int
	ack       <-chan error
}

func (d *Domain) run(ctx context.Context, priority Priority, done chan struct{}) {
	defer close(done)
	p := &pass{
		d:     d,
		stop:  ctx,
		io:    context.WithoutCancel(ctx),
		delay: priority.Delay(d.cfg.Delay),
	}
	d.logger.Info("crawl started", zap.Stringer("priority", priority))
	finished, err := p.crawl()
	d.finish(p, finished, err)
}

// crawl runs until the frontier is exhausted (true), the stop signal is seen
// (false), or storage fails.
func (p *pass) crawl() (bool, error) {
	d := p.d
	policy, err := p.loadRobots()
	if err != nil {
		return false, nil
	}
	p.policy = policy
	if floor := policy.CrawlDelay(d.cfg.RobotsAgent); floor > p.delay {
		p.delay = floor
	}
	if err := p.seed(); err != nil {
		return false, err
	}

	for {
		if p.stop.Err() != nil {
			return false, nil
		}
		entry, ok, err := d.store.Pending.Next(p.io)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if !ok {
			return true, nil
		}
		indexed, pending, err := d.counts(p.io)
		if err != nil {
			return false, err
		}
		if !d.advance(Indexing(indexed, pending, entry.URL)) {
			return false, nil
		}
		if err := p.visit(entry); err != nil {
			if errors.Is(err, errStopped) {
				return false, nil
			}
			return false, err
		}
		p.processed++
		if p.processed >= d.cfg.CheckpointEvery {
			if err := p.checkpoint(d.State(), false); err != nil {
				return false, err
			}
		}
	}
}

// advance moves to next unless a pause is in progress.
func (d *Domain) advance(next State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Phase == PhasePausing {
		return false
	}
	if err := d.setLocked(next); err != nil {
		d.logger.Warn("state not advanced", zap.Error(err))
		return false
	}
	return true
}

func (d *Domain) finish(p *pass, finished bool, err error) {
	indexed, pending, cerr := d.counts(p.io)
	if err == nil {
		err = cerr
	}

	d.mu.Lock()
	var next State
	switch {
	case err != nil:
		next = Paused(indexed, pending, false)
		next.Error = err.Error()
	case finished:
		next = Done(indexed, d.deps.Clock.Now())
	default:
		next = Paused(indexed, pending, d.resumable)
	}
	if serr := d.setLocked(next); serr != nil {
		d.logger.Error("final state rejected", zap.Error(serr), zap.Stringer("state", next))
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("crawl failed", zap.Error(err))
	}
	if cerr := p.checkpoint(next, true); cerr != nil {
		d.logger.Error("final checkpoint failed", zap.Error(cerr))
	}
	d.logger.Info("crawl stopped", zap.Stringer("state", next))
}

// checkpoint submits the batch gathered since the last one. At most one
// snapshot per pass is outstanding; wait blocks until it is durable.
func (p *pass) checkpoint(st State, wait bool) error {
	if p.ack != nil {
		err := <-p.ack
		p.ack = nil
		if err != nil {
			return fmt.Errorf("%w: checkpoint: %w", ErrStorage, err)
		}
	}
	snap, err := p.d.snapshot(p.io, st, p.items, p.removed)
	if err != nil {
		return err
	}
	p.items, p.removed, p.processed = nil, nil, 0
	ack := p.d.deps.Checkpoints.Submit(snap)
	if !wait {
		p.ack = ack
		return nil
	}
	if err := <-ack; err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrStorage, err)
	}
	return nil
}

func (p *pass) loadRobots() (*robots.Policy, error) {
	d := p.d
	var remote string
	resp, err := p.fetch(FetchRequest{Method: http.MethodGet, URL: d.root + "robots.txt"})
	switch {
	case errors.Is(err, errStopped):
		return nil, err
	case err != nil:
		d.logger.Warn("robots.txt fetch failed", zap.Error(err))
	case resp.OK():
		remote = string(resp.Body)
	}

	var local string
	if dir := d.cfg.RobotsOverrideDir; dir != "" {
		// #nosec G304 -- override files live in the configured directory.
		data, err := os.ReadFile(filepath.Join(dir, d.host+".txt"))
		switch {
		case err == nil:
			local = string(data)
		case !errors.Is(err, os.ErrNotExist):
			d.logger.Warn("robots override unreadable", zap.Error(err))
		}
	}

	policy := robots.Parse(robots.Merge(remote, local))
	d.logger.Info("robots loaded",
		zap.Int("status", resp.StatusCode),
		zap.Bool("override", local != ""),
		zap.Int("sitemaps", len(policy.Sitemaps)),
		zap.Duration("crawl_delay", policy.CrawlDelay(d.cfg.RobotsAgent)),
	)
	return policy, nil
}

// seed fills an empty frontier. A fresh domain gets its sitemaps and root;
// a domain with nothing pending gets its root again so every start makes
// progress.
func (p *pass) seed() error {
	d := p.d
	visited, err := d.store.Visited.Count(p.io)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if visited == 0 {
		seeds := []frontier.Entry{{URL: d.root + "sitemap.xml", IsSitemap: true}}
		for _, sm := range p.policy.SitemapURLs() {
			if norm, err := NormalizeURL(sm); err == nil {
				seeds = append(seeds, frontier.Entry{URL: norm, IsSitemap: true})
			}
		}
		seeds = append(seeds, frontier.Entry{URL: d.root})
		if err := d.store.Pending.AppendMany(p.io, seeds); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if err := d.store.Pending.Subtract(p.io, d.store.Visited); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		d.logger.Debug("frontier seeded", zap.Int("seeds", len(seeds)))
	}

	pending, err := d.store.Pending.Count(p.io)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if pending > 0 {
		return nil
	}
	boot, ok, err := d.store.Visited.Get(p.io, d.root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !ok {
		boot = frontier.Entry{URL: d.root}
	}
	boot.IsSitemap = false
	if err := d.store.Pending.Append(p.io, boot); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// fetch paces, waits for the network, then issues req. Only the waits are
// interrupted by the stop signal.
func (p *pass) fetch(req FetchRequest) (FetchResponse, error) {
	d := p.d
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if d.deps.Throttle != nil {
		release, err := d.deps.Throttle.Wait(p.stop, d.host, p.delay)
		if err != nil {
			return FetchResponse{}, p.stopOr(err)
		}
		defer release()
	}
	if d.deps.Reachability != nil {
		if err := d.deps.Reachability.Wait(p.stop, d.host); err != nil {
			return FetchResponse{}, p.stopOr(err)
		}
	}
	resp, err := d.deps.Fetcher.Fetch(p.stop, req)
	if err != nil {
		return resp, p.stopOr(err)
	}
	return resp, nil
}

func (p *pass) stopOr(err error) error {
	if p.stop.Err() != nil {
		return errStopped
	}
	return err
}

func (p *pass) visit(e frontier.Entry) error {
	start := p.d.deps.Clock.Now()
	if e.IsSitemap {
		return p.visitSitemap(e, start)
	}
	return p.visitPage(e, start)
}

// reject drops e from pending after a hard failure. A previously indexed
// row for the URL is scheduled for removal.
func (p *pass) reject(e frontier.Entry, resp FetchResponse, cause error, outcome progress.Outcome, start time.Time) error {
	d := p.d
	if err := d.store.Pending.Delete(p.io, e.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	d.failed.Add(e.URL)
	metrics.ObserveRejection(d.host, string(outcome))
	if e.RowID != 0 {
		p.removed = append(p.removed, e.RowID)
	}
	d.logger.Debug("url dropped",
		zap.String("url", e.URL),
		zap.Int("status", resp.StatusCode),
		zap.String("outcome", string(outcome)),
		zap.Error(cause),
	)
	p.emitPage(e.URL, outcome, resp, start)
	return nil
}

func (p *pass) emitPage(url string, outcome progress.Outcome, resp FetchResponse, start time.Time) {
	d := p.d
	now := d.deps.Clock.Now()
	d.deps.Events.Emit(progress.Event{
		DomainID:    d.id,
		Host:        d.host,
		TS:          now,
		Kind:        progress.KindPage,
		URL:         url,
		Outcome:     outcome,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Bytes:       int64(len(resp.Body)),
		Dur:         max(now.Sub(start), 0),
	})
}
