// Package api hosts the HTTP control surface for a running pool. Routes:
//   - GET /healthz and /readyz for probes; readyz fails once the pool stops.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and POST /v1/progress/reset for phase progress.
//   - POST /v1/tasks to submit targets.
//   - GET /v1/failed to read back the failed-task log.
package api
