// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries is how many times a network failure is retried before the
	// fetch is reported as a synthetic 404.
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	jar       http.CookieJar
	options   []colly.CollectorOption
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Fetches get their own collector but share the
// cookie jar and the pooled transport, so domains can fetch concurrently.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	options := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	}
	if cfg.UserAgent != "" {
		options = append(options, colly.UserAgent(cfg.UserAgent))
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		jar:       jar,
		options:   options,
	}, nil
}

// Fetch issues request once the previous attempt finished. Network failures
// are retried with a fixed backoff that ctx can interrupt; the request itself
// always runs to completion.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	retries := &retryTransport{
		base:     f.transport,
		stop:     ctx,
		timeout:  f.cfg.Timeout,
		backoff:  f.cfg.RetryBackoff,
		attempts: f.cfg.MaxRetries + 1,
	}
	collector := f.buildCollector(retries, &result, &fetchErr)

	err := f.runCollector(collector, method, request, &fetchErr)
	result.Attempts = retries.made
	if err != nil {
		metrics.ObserveFetch(request.URL, method, 0)
		return result, err
	}
	metrics.ObserveFetch(request.URL, method, result.StatusCode)
	return result, nil
}

func (f *Fetcher) buildCollector(transport http.RoundTripper, result *crawler.FetchResponse, fetchErr *error) *colly.Collector {
	collector := colly.NewCollector(f.options...)
	collector.SetCookieJar(f.jar)
	collector.WithTransport(transport)
	// Attempts enforce their own timeout; the client deadline only has to
	// outlast the whole retry budget.
	budget := time.Duration(f.cfg.MaxRetries+1)*f.cfg.Timeout + time.Duration(f.cfg.MaxRetries)*f.cfg.RetryBackoff
	collector.SetRequestTimeout(budget + time.Second)
	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *crawler.FetchResponse, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		if r.Headers.Get("Accept") == "" {
			r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(collector *colly.Collector, method string, request crawler.FetchRequest, fetchErr *error) error {
	if err := collector.Request(method, request.URL, nil, nil, conditionalHeaders(request)); err != nil {
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return fmt.Errorf("colly visit failed: %w", err)
	}
	if *fetchErr != nil {
		return fmt.Errorf("colly response failed: %w", *fetchErr)
	}
	return nil
}

func conditionalHeaders(request crawler.FetchRequest) http.Header {
	hdr := http.Header{}
	if request.ETag != "" {
		hdr.Set("If-None-Match", request.ETag)
	}
	if !request.LastModified.IsZero() {
		hdr.Set("If-Modified-Since", request.LastModified.UTC().Format(http.TimeFormat))
	}
	return hdr
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
