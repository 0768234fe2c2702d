package crawler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	"github.com/JakeFAU/sitesearch/internal/progress"
)

// ParseSitemap streams every <loc> of a sitemap or sitemap index and splits
// them into content pages and nested sitemaps.
func ParseSitemap(r io.Reader) (pages, sitemaps []string, err error) {
	parser, err := xmlquery.CreateStreamParser(r, "//loc")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sitemap: %w", ErrParse, err)
	}
	for {
		node, err := parser.Read()
		if errors.Is(err, io.EOF) {
			return pages, sitemaps, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: sitemap: %w", ErrParse, err)
		}
		loc := strings.TrimSpace(node.InnerText())
		if loc == "" {
			continue
		}
		if IsSitemapURL(loc) {
			sitemaps = append(sitemaps, loc)
		} else {
			pages = append(pages, loc)
		}
	}
}

func (p *pass) visitSitemap(e frontier.Entry, start time.Time) error {
	d := p.d
	resp, err := p.fetch(FetchRequest{Method: http.MethodGet, URL: e.URL})
	if errors.Is(err, errStopped) {
		return err
	}
	if err != nil || !resp.OK() {
		return p.reject(e, resp, err, progress.OutcomeFailed, start)
	}
	pages, nested, err := ParseSitemap(bytes.NewReader(resp.Body))
	if err != nil {
		return p.reject(e, resp, err, progress.OutcomeParse, start)
	}

	entries := p.admit(pages, true)
	for _, u := range p.admit(nested, false) {
		entries = append(entries, frontier.Entry{URL: u.URL, IsSitemap: true})
	}
	added, err := p.enqueue(entries)
	if err != nil {
		return err
	}
	if err := d.store.Visited.Append(p.io, frontier.Entry{
		URL:          e.URL,
		IsSitemap:    true,
		ETag:         resp.ETag(),
		LastModified: resp.LastModified(),
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	d.logger.Debug("sitemap read",
		zap.String("url", e.URL),
		zap.Int("pages", len(pages)),
		zap.Int("sitemaps", len(nested)),
		zap.Int("queued", added),
	)
	p.emitPage(e.URL, progress.OutcomeSitemap, resp, start)
	return nil
}

// admit normalizes raw URLs and keeps those on this site that are not in a
// rejection cache. With checkRobots, URLs the policy forbids are recorded in
// the blocked cache and dropped.
func (p *pass) admit(raw []string, checkRobots bool) []frontier.Entry {
	d := p.d
	seen := make(map[string]struct{}, len(raw))
	out := make([]frontier.Entry, 0, len(raw))
	for _, r := range raw {
		norm, err := NormalizeURL(r)
		if err != nil {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		if !SameSite(hostOf(norm), d.suffix) {
			continue
		}
		if d.blocked.Check(norm) || d.failed.Check(norm) {
			continue
		}
		if checkRobots && !p.policy.Allowed(d.cfg.RobotsAgent, norm) {
			d.blocked.Add(norm)
			metrics.ObserveRejection(d.host, "robots")
			continue
		}
		out = append(out, frontier.Entry{URL: norm})
	}
	return out
}

// enqueue adds entries that were never visited to pending.
func (p *pass) enqueue(entries []frontier.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	d := p.d
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	missing, err := d.store.Visited.Missing(p.io, urls)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	keep := make(map[string]struct{}, len(missing))
	for _, u := range missing {
		keep[u] = struct{}{}
	}
	fresh := entries[:0]
	for _, e := range entries {
		if _, ok := keep[e.URL]; ok {
			fresh = append(fresh, e)
		}
	}
	if err := d.store.Pending.AppendMany(p.io, fresh); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return len(fresh), nil
}
