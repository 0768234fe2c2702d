// Package extract turns fetched documents into indexable text and metadata.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

const defaultCondensedRunes = 320

// skipped elements never contribute text.
var skipped = "script, style, noscript, template, svg, iframe, nav, header, footer, form"

// HTML extracts pages with goquery. Plain-text documents are passed through.
type HTML struct {
	// CondensedRunes bounds the lead text stored alongside the record.
	CondensedRunes int
}

// New returns an HTML extractor with default limits.
func New() *HTML {
	return &HTML{CondensedRunes: defaultCondensedRunes}
}

// Extract implements crawler.Extractor.
func (h *HTML) Extract(pageURL, contentType string, body []byte) (crawler.Extracted, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extracted{}, fmt.Errorf("%w: page url: %w", crawler.ErrParse, err)
	}
	switch contentType {
	case "", "text/html", "application/xhtml+xml":
		return h.extractHTML(base, body)
	case "text/plain":
		text := collapse(string(body))
		return crawler.Extracted{
			Title:     path.Base(base.Path),
			Text:      text,
			Condensed: h.condense(text),
		}, nil
	default:
		return crawler.Extracted{}, fmt.Errorf("%w: unsupported content type %q", crawler.ErrParse, contentType)
	}
}

func (h *HTML) extractHTML(base *url.URL, body []byte) (crawler.Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extracted{}, fmt.Errorf("%w: html: %w", crawler.ErrParse, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = u
		}
	}

	out := crawler.Extracted{
		Title:       firstNonEmpty(meta(doc, "og:title"), collapse(doc.Find("title").First().Text()), collapse(doc.Find("h1").First().Text())),
		Description: firstNonEmpty(meta(doc, "description"), meta(doc, "og:description")),
		Keywords:    keywords(meta(doc, "keywords")),
		Links:       links(doc, base),
	}
	if img := meta(doc, "og:image"); img != "" {
		if u, err := base.Parse(img); err == nil {
			out.Thumbnail = u.String()
		}
	}
	for _, name := range []string{"article:modified_time", "og:updated_time", "last-modified"} {
		if t, ok := parseTime(meta(doc, name)); ok {
			out.LastModified = t
			break
		}
	}

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	root = root.Clone()
	root.Find(skipped).Remove()
	out.Text = blockText(root)
	out.Condensed = h.condense(firstNonEmpty(out.Description, out.Text))
	return out, nil
}

// meta reads a <meta name=...> or <meta property=...> content attribute.
func meta(doc *goquery.Document, key string) string {
	sel := doc.Find(`meta[name="` + key + `"], meta[property="` + key + `"], meta[http-equiv="` + key + `"]`).First()
	content, _ := sel.Attr("content")
	return collapse(content)
}

func keywords(raw string) []string {
	if raw == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// links resolves every anchor against base, keeping unique http(s) targets
// without fragments.
func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if rel, _ := s.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
		default:
			return
		}
		u.Fragment = ""
		s2 := u.String()
		if _, ok := seen[s2]; ok {
			return
		}
		seen[s2] = struct{}{}
		out = append(out, s2)
	})
	return out
}

// blockText joins the text of block-level elements with newlines so sentence
// boundaries survive whitespace collapsing.
func blockText(root *goquery.Selection) string {
	var parts []string
	blocks := root.Find("p, li, h1, h2, h3, h4, h5, h6, pre, blockquote, td, dt, dd")
	if blocks.Length() == 0 {
		return collapse(root.Text())
	}
	blocks.Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are reported by their own match.
		if s.Find("p, li").Length() > 0 {
			return
		}
		if t := collapse(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n")
}

func (h *HTML) condense(text string) string {
	limit := h.CondensedRunes
	if limit <= 0 {
		limit = defaultCondensedRunes
	}
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02", time.RFC1123} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
