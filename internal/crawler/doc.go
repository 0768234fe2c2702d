// Package crawler implements the per-domain crawl engine: the state machine,
// the crawl loop with its robots, sitemap, and conditional-fetch handling, and
// the core types shared with storage and checkpointing.
package crawler
