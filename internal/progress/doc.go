// Package progress tracks how far a fetch phase has advanced. A Tracker holds
// the monotonic (completed, total) counters for one phase; every change is also
// emitted as an Event so a non-blocking Hub can batch and fan it out to sinks
// such as structured logs or Prometheus.
package progress
