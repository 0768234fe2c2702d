package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitesearch/internal/progress"
)

// PrometheusSink exports crawl progress: how many domains sit in each phase,
// and per-host page outcomes.
type PrometheusSink struct {
	domainsByPhase *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	pages          *prometheus.CounterVec
	pageBytes      *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec

	mu     sync.Mutex
	phases map[string]string
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		domainsByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitesearch_domains",
			Help: "Registered domains partitioned by crawl phase.",
		}, []string{"phase"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesearch_state_transitions_total",
			Help: "Crawl state transitions partitioned by target phase.",
		}, []string{"phase"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesearch_pages_total",
			Help: "Frontier entries processed partitioned by host, outcome, and status class.",
		}, []string{"host", "outcome", "status_class"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesearch_page_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitesearch_page_duration_seconds",
			Help:    "Time spent processing one frontier entry.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "outcome"}),
		phases: make(map[string]string),
	}
	for _, collector := range []prometheus.Collector{
		s.domainsByPhase,
		s.transitions,
		s.pages,
		s.pageBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindState:
			s.handleState(evt)
		case progress.KindPage:
			s.handlePage(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleState(evt progress.Event) {
	s.transitions.WithLabelValues(evt.Phase).Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.phases[evt.DomainID]; ok {
		if prev == evt.Phase {
			return
		}
		s.domainsByPhase.WithLabelValues(prev).Dec()
	}
	if evt.Phase == "deleting" {
		delete(s.phases, evt.DomainID)
		return
	}
	s.phases[evt.DomainID] = evt.Phase
	s.domainsByPhase.WithLabelValues(evt.Phase).Inc()
}

func (s *PrometheusSink) handlePage(evt progress.Event) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pages.WithLabelValues(host, string(evt.Outcome), statusClass).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(host, string(evt.Outcome)).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
