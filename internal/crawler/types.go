package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/sitesearch/internal/frontier"
)

// Sentinel errors shared across subsystems.
var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrMalformedURL      = errors.New("malformed url")
	ErrParse             = errors.New("unparseable content")
	ErrStorage           = errors.New("storage failure")
)

// Phase names a CrawlState variant.
type Phase string

// Crawl phases.
const (
	PhaseStarting Phase = "starting"
	PhasePausing  Phase = "pausing"
	PhasePaused   Phase = "paused"
	PhaseIndexing Phase = "indexing"
	PhaseDone     Phase = "done"
	PhaseDeleting Phase = "deleting"
)

// State is the crawl state of one domain. Fields that do not apply to Phase
// stay zero.
type State struct {
	Phase       Phase     `json:"phase"`
	Indexed     int       `json:"indexed"`
	Pending     int       `json:"pending"`
	Resumable   bool      `json:"resumable,omitempty"`
	CurrentURL  string    `json:"current_url,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// Starting builds a Starting state.
func Starting(indexed, pending int) State {
	return State{Phase: PhaseStarting, Indexed: indexed, Pending: pending}
}

// Pausing builds a Pausing state.
func Pausing(indexed, pending int, resumable bool) State {
	return State{Phase: PhasePausing, Indexed: indexed, Pending: pending, Resumable: resumable}
}

// Paused builds a Paused state.
func Paused(indexed, pending int, resumable bool) State {
	return State{Phase: PhasePaused, Indexed: indexed, Pending: pending, Resumable: resumable}
}

// Indexing builds an Indexing state.
func Indexing(indexed, pending int, currentURL string) State {
	return State{Phase: PhaseIndexing, Indexed: indexed, Pending: pending, CurrentURL: currentURL}
}

// Done builds a Done state.
func Done(indexed int, completedAt time.Time) State {
	return State{Phase: PhaseDone, Indexed: indexed, CompletedAt: completedAt}
}

// Deleting builds the terminal Deleting state.
func Deleting() State {
	return State{Phase: PhaseDeleting}
}

// Active reports whether a crawl loop owns the domain in this state.
func (s State) Active() bool {
	switch s.Phase {
	case PhaseStarting, PhaseIndexing, PhasePausing:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s.Phase {
	case PhaseIndexing:
		return fmt.Sprintf("%s(%d/%d %s)", s.Phase, s.Indexed, s.Pending, s.CurrentURL)
	case PhaseDone:
		return fmt.Sprintf("%s(%d at %s)", s.Phase, s.Indexed, s.CompletedAt.Format(time.RFC3339))
	case PhaseDeleting:
		return string(s.Phase)
	default:
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Indexed, s.Pending)
	}
}

// Priority scales how aggressively a domain is crawled.
type Priority int

// Priorities, lowest first.
const (
	PriorityBackground Priority = iota
	PriorityNormal
	PriorityInteractive
)

// ParsePriority accepts the String form of a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "background":
		return PriorityBackground, nil
	case "", "normal":
		return PriorityNormal, nil
	case "interactive":
		return PriorityInteractive, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityInteractive:
		return "interactive"
	default:
		return "normal"
	}
}

// Delay scales base for the priority.
func (p Priority) Delay(base time.Duration) time.Duration {
	switch p {
	case PriorityBackground:
		return base * 4
	case PriorityInteractive:
		return base / 2
	default:
		return base
	}
}

// ContentRecord is the indexed form of one page.
type ContentRecord struct {
	RowID        int64     `json:"row_id"`
	Domain       string    `json:"domain"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Content      string    `json:"-"`
	Condensed    string    `json:"condensed,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// IndexItem is a record plus its per-sentence embeddings.
type IndexItem struct {
	Record    ContentRecord
	Sentences [][]float32
}

// SearchResult is one hit from either query path.
type SearchResult struct {
	Record  ContentRecord `json:"record"`
	Snippet string        `json:"snippet"`
	Score   float64       `json:"score"`
}

// Snapshot is one checkpoint unit for a domain.
type Snapshot struct {
	DomainID   string
	BaseURL    string
	Priority   Priority
	State      State
	Items      []IndexItem
	Removed    []int64
	PurgeIndex bool
	Pending    []frontier.Entry
	Visited    []frontier.Entry
}

// FetchRequest is a single HTTP request. ETag and LastModified, when set,
// become conditional request headers.
type FetchRequest struct {
	Method       string
	URL          string
	ETag         string
	LastModified time.Time
}

// FetchResponse is the network collaborator's answer.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Attempts   int
}

// OK reports a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ETag returns the entity tag header.
func (r FetchResponse) ETag() string {
	return r.Headers.Get("ETag")
}

// LastModified parses the Last-Modified header; zero when absent or invalid.
func (r FetchResponse) LastModified() time.Time {
	raw := r.Headers.Get("Last-Modified")
	if raw == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// ContentType returns the media type without parameters.
func (r FetchResponse) ContentType() string {
	ct := r.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Extracted is what the content extractor returns for a page.
type Extracted struct {
	Title        string
	Description  string
	Thumbnail    string
	Keywords     []string
	Links        []string
	Text         string
	Condensed    string
	LastModified time.Time
}
