// Package cmd implements the fetchpool CLI.
//
// Architecture overview:
//   - Pool: internal/pool runs a fixed number of workers over one unbounded task queue. Each worker owns its colly
//     fetch session and drives every task through the retrying fetch loop: up to pool.max_retries attempts, a fixed
//     pool.backoff after each failure, and optional proxy rotation through internal/proxy.
//   - Outcomes: a task either delivers its body to its handler (by default the blob handler writing to the configured
//     store under sha256(target)) or is appended to the failed-task log, optionally mirrored into Postgres.
//   - Progress: every phase keeps a (completed, total) pair; events are batched by the progress hub into Prometheus and
//     log sinks, and a periodic summary is logged every progress.report_interval.
//   - Control API: `serve` exposes /healthz, /readyz, /metrics, and the /v1 progress, task, and failed-log routes.
//
// Commands:
//   - fetch: submit targets from arguments or --file, wait until all of them finish, and print a summary.
//   - serve: run the pool behind the control API until SIGINT/SIGTERM.
//   - failed: print the failed-task log.
//
// Configuration comes from --config (any format Viper reads) and FETCHPOOL_* environment variables, e.g.
// FETCHPOOL_POOL_WORKERS=8 or FETCHPOOL_PROXY_ENABLED=true.
package cmd
