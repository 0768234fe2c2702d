package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/progress"
)

// visitPage indexes one content URL. A URL with stored validators is first
// checked with a conditional HEAD so unchanged pages are never downloaded.
func (p *pass) visitPage(e frontier.Entry, start time.Time) error {
	d := p.d
	if e.ETag != "" || !e.LastModified.IsZero() {
		head, err := p.fetch(FetchRequest{Method: http.MethodHead, URL: e.URL, ETag: e.ETag, LastModified: e.LastModified})
		if errors.Is(err, errStopped) {
			return err
		}
		if err != nil {
			return p.reject(e, head, err, progress.OutcomeFailed, start)
		}
		if unchanged(e, head) {
			return p.keep(e, head, start)
		}
		if !head.OK() {
			return p.reject(e, head, nil, progress.OutcomeFailed, start)
		}
	}

	resp, err := p.fetch(FetchRequest{Method: http.MethodGet, URL: e.URL, ETag: e.ETag, LastModified: e.LastModified})
	if errors.Is(err, errStopped) {
		return err
	}
	if err != nil {
		return p.reject(e, resp, err, progress.OutcomeFailed, start)
	}
	if resp.StatusCode == http.StatusNotModified {
		return p.keep(e, resp, start)
	}
	if !resp.OK() {
		return p.reject(e, resp, nil, progress.OutcomeFailed, start)
	}

	ext, err := d.deps.Extractor.Extract(e.URL, resp.ContentType(), resp.Body)
	if err != nil {
		return p.reject(e, resp, err, progress.OutcomeParse, start)
	}

	rowID := e.RowID
	if rowID == 0 {
		if rowID, err = d.deps.RowIDs.NextRowID(p.io); err != nil {
			return fmt.Errorf("%w: allocate row id: %w", ErrStorage, err)
		}
	}
	var sentences [][]float32
	if d.deps.Embedder != nil && ext.Text != "" {
		if sentences, err = d.deps.Embedder.EmbedSentences(p.io, ext.Text); err != nil {
			d.logger.Warn("embedding failed, indexing text only", zap.String("url", e.URL), zap.Error(err))
			sentences = nil
		}
	}
	modified := ext.LastModified
	if modified.IsZero() {
		modified = resp.LastModified()
	}
	title := ext.Title
	if title == "" {
		title = e.URL
	}
	record := ContentRecord{
		RowID:        rowID,
		Domain:       d.id,
		URL:          e.URL,
		Title:        title,
		Description:  ext.Description,
		Content:      ext.Text,
		Condensed:    ext.Condensed,
		Keywords:     ext.Keywords,
		ThumbnailURL: ext.Thumbnail,
		LastModified: modified,
	}

	added, err := p.enqueue(p.admit(ext.Links, true))
	if err != nil {
		return err
	}
	if err := d.store.Visited.Append(p.io, frontier.Entry{
		URL:          e.URL,
		ETag:         resp.ETag(),
		LastModified: resp.LastModified(),
		RowID:        rowID,
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	p.items = append(p.items, IndexItem{Record: record, Sentences: sentences})
	d.logger.Debug("page indexed",
		zap.String("url", e.URL),
		zap.Int64("row_id", rowID),
		zap.Int("links", len(ext.Links)),
		zap.Int("queued", added),
		zap.Int("sentences", len(sentences)),
	)
	p.emitPage(e.URL, progress.OutcomeIndexed, resp, start)
	return nil
}

// unchanged reports whether a conditional response shows the stored copy is
// still current.
func unchanged(e frontier.Entry, resp FetchResponse) bool {
	if resp.StatusCode == http.StatusNotModified {
		return true
	}
	if !resp.OK() {
		return false
	}
	if e.ETag != "" && resp.ETag() == e.ETag {
		return true
	}
	lm := resp.LastModified()
	return !e.LastModified.IsZero() && !lm.IsZero() && lm.Equal(e.LastModified)
}

// keep marks e visited again without touching the index.
func (p *pass) keep(e frontier.Entry, resp FetchResponse, start time.Time) error {
	d := p.d
	e.IsSitemap = false
	if err := d.store.Visited.Append(p.io, e); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	d.logger.Debug("page unchanged", zap.String("url", e.URL), zap.Int("status", resp.StatusCode))
	p.emitPage(e.URL, progress.OutcomeUnchanged, resp, start)
	return nil
}
