package crawler

import (
	"context"
	"time"
)

// Fetcher performs HTTP requests. Implementations retry transient failures
// and report exhausted retries as a synthetic 404 rather than an error.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns a fetched document into text, metadata, and absolute links.
type Extractor interface {
	Extract(pageURL, contentType string, body []byte) (Extracted, error)
}

// Embedder maps text to fixed-length vectors.
type Embedder interface {
	EmbedSentences(ctx context.Context, text string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// RowIDAllocator hands out row ids for new content records.
type RowIDAllocator interface {
	NextRowID(ctx context.Context) (int64, error)
}

// Checkpointer accepts snapshots without blocking. The returned channel
// yields the outcome once the snapshot is durable.
type Checkpointer interface {
	Submit(snapshot Snapshot) <-chan error
}

// Throttle paces requests per domain and optionally serializes them globally.
type Throttle interface {
	Wait(ctx context.Context, key string, delay time.Duration) (release func(), err error)
}

// Reachability blocks until host can be reached or ctx ends.
type Reachability interface {
	Wait(ctx context.Context, host string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
