// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawl control and search surface. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/domains/... to register domains and start, pause, restart, or
//     remove their crawls.
//   - GET /v1/search for keyword and semantic queries.
//   - GET /v1/events streams crawl state changes as server-sent events.
package api
