// Package progress carries crawl state changes and page outcomes from domain
// loops to observers. Emit never blocks; a background goroutine batches events
// and fans them out to sinks such as logs, Prometheus, and live subscribers.
package progress
