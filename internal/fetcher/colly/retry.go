package collyfetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// retryTransport retries network failures for a single fetch. When the
// budget is spent it answers with a synthetic 404 so callers treat the URL as
// a permanent failure instead of an error.
type retryTransport struct {
	base     http.RoundTripper
	stop     context.Context
	timeout  time.Duration
	backoff  time.Duration
	attempts int

	made int
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("retry transport received nil request")
	}
	attempts := max(t.attempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		t.made++
		resp, err := t.attempt(req)
		if err == nil {
			return resp, nil
		}
		if req.Context().Err() != nil || !isRetryable(err) {
			return nil, fmt.Errorf("roundtrip non-retryable: %w", err)
		}
		if attempt == attempts-1 {
			break
		}
		metrics.ObserveFetchRetry(req.URL.Host)
		if err := sleepWithContext(t.stop, t.backoff); err != nil {
			return nil, err
		}
	}
	return syntheticNotFound(req), nil
}

func (t *retryTransport) attempt(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.base.RoundTrip(cloneRequest(req.Context(), req))
	}
	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.base.RoundTrip(cloneRequest(ctx, req))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func cloneRequest(ctx context.Context, req *http.Request) *http.Request {
	clone := req.Clone(ctx)
	clone.Body = req.Body
	return clone
}

// cancelOnClose releases the attempt timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func syntheticNotFound(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusNotFound,
		Status:        "404 Not Found",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
		Header:        make(http.Header),
		Request:       req,
	}
}

// isRetryable reports whether err is a transient network failure. Certificate
// problems and cancellations are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verification) {
		return false
	}
	return true
}
