package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes what an Event reports.
type Kind string

// Supported event kinds.
const (
	KindState      Kind = "STATE"
	KindPage       Kind = "PAGE"
	KindCheckpoint Kind = "CHECKPOINT"
)

// Outcome classifies how a single frontier entry was handled.
type Outcome string

// Page outcomes.
const (
	OutcomeIndexed   Outcome = "indexed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSitemap   Outcome = "sitemap"
	OutcomeFailed    Outcome = "failed"
	OutcomeParse     Outcome = "parse_error"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one observation from a domain loop.
type Event struct {
	DomainID string    `json:"domain_id"`
	Host     string    `json:"host,omitempty"`
	TS       time.Time `json:"ts"`
	Kind     Kind      `json:"kind"`

	// State fields.
	Phase      string `json:"phase,omitempty"`
	Indexed    int    `json:"indexed,omitempty"`
	Pending    int    `json:"pending,omitempty"`
	Resumable  bool   `json:"resumable,omitempty"`
	CurrentURL string `json:"current_url,omitempty"`
	Error      string `json:"error,omitempty"`

	// Page fields.
	URL         string        `json:"url,omitempty"`
	Outcome     Outcome       `json:"outcome,omitempty"`
	StatusClass StatusClass   `json:"status_class,omitempty"`
	Bytes       int64         `json:"bytes,omitempty"`
	Dur         time.Duration `json:"dur,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.DomainID == "" {
		return errors.New("domain id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindState:
		if e.Phase == "" {
			return errors.New("state event requires phase")
		}
	case KindPage:
		if e.URL == "" {
			return errors.New("page event requires url")
		}
		if e.Outcome == "" {
			return errors.New("page event requires outcome")
		}
	case KindCheckpoint:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
