// Command sitesearch runs a personal incremental crawler over registered
// sites and answers keyword and semantic queries over what it indexed.
//
// Architecture overview:
//   - HTTP API: internal/api.Server registers domains, drives their state machine (start, pause, restart,
//     priority, remove), runs searches, and streams state events over SSE at /v1/events.
//   - Domains: internal/manager owns every crawler.Domain. Each domain has its own SQLite frontier (pending and
//     visited sets), rejection caches, and at most one crawl loop. Loops honor robots.txt, sitemaps, conditional
//     requests, and a per-host delay scaled by priority.
//   - Persistence: indexed pages reach the shared FTS5 database and the mmap vector file only through the
//     checkpoint pipeline, which also rewrites the domain's snapshot file. A crash loses at most one batch.
//   - Configuration & plumbing: Viper populates config from a YAML file and SITESEARCH_* env vars; zap provides
//     structured logging; Prometheus metrics are served at /metrics.
//
// Quick checklist:
//   - Run: sitesearch serve --config config.yaml
//   - Register: curl -XPOST localhost:8080/v1/domains -d '{"base_url":"https://example.com","start":true}'
//   - Query offline: sitesearch search --semantic "how do I configure retries"
package main
