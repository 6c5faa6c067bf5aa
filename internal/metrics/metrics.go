// Package metrics exposes Prometheus collectors for the fetch pool and its
// control API.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every pool-level metric. A nil *Collectors is valid and
// records nothing, so components can take it as an optional dependency.
type Collectors struct {
	attemptsTotal          *prometheus.CounterVec
	attemptDuration        *prometheus.HistogramVec
	tasksTotal             *prometheus.CounterVec
	handlerErrorsTotal     prometheus.Counter
	activeWorkers          prometheus.Gauge
	queuePending           prometheus.Gauge
	proxyEvictionsTotal    prometheus.Counter
	proxyPoolSize          prometheus.Gauge
	proxyReplenishFailures prometheus.Counter
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
}

// New registers the collectors against reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchpool_attempts_total",
				Help: "Fetch attempts, labeled by site and result kind.",
			},
			[]string{"site", "result"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchpool_attempt_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies, labeled by proxied.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"proxied"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchpool_tasks_total",
				Help: "Tasks that reached an outcome, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		handlerErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchpool_handler_errors_total",
				Help: "Handler invocations that returned an error or panicked.",
			},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchpool_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		),
		queuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchpool_queue_pending",
				Help: "Tasks waiting in the queue.",
			},
		),
		proxyEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchpool_proxy_evictions_total",
				Help: "Proxy endpoints evicted after reaching the error threshold.",
			},
		),
		proxyPoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchpool_proxy_pool_size",
				Help: "Active proxy endpoints.",
			},
		),
		proxyReplenishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchpool_proxy_replenish_failures_total",
				Help: "Failed attempts to provision a replacement proxy.",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
	for _, collector := range []prometheus.Collector{
		c.attemptsTotal,
		c.attemptDuration,
		c.tasksTotal,
		c.handlerErrorsTotal,
		c.activeWorkers,
		c.queuePending,
		c.proxyEvictionsTotal,
		c.proxyPoolSize,
		c.proxyReplenishFailures,
		c.httpRequestsTotal,
		c.httpRequestDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return c, nil
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the metrics gathered by g. A nil
// gatherer serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveAttempt records one fetch attempt. result is a fetch error kind or
// "ok".
func (c *Collectors) ObserveAttempt(target, result string, proxied bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues(SanitizeSite(target), result).Inc()
	c.attemptDuration.WithLabelValues(strconv.FormatBool(proxied)).Observe(duration.Seconds())
}

// ObserveTask increments the outcome counter ("succeeded" or "exhausted").
func (c *Collectors) ObserveTask(outcome string) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveHandlerError counts a failed handler invocation.
func (c *Collectors) ObserveHandlerError() {
	if c == nil {
		return
	}
	c.handlerErrorsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func (c *Collectors) IncActiveWorkers() {
	if c == nil {
		return
	}
	c.activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func (c *Collectors) DecActiveWorkers() {
	if c == nil {
		return
	}
	c.activeWorkers.Dec()
}

// SetQueuePending records the current queue depth.
func (c *Collectors) SetQueuePending(n int) {
	if c == nil {
		return
	}
	c.queuePending.Set(float64(n))
}

// ObserveProxyEviction counts an evicted endpoint.
func (c *Collectors) ObserveProxyEviction() {
	if c == nil {
		return
	}
	c.proxyEvictionsTotal.Inc()
}

// ObserveReplenishFailure counts a failed replacement provision.
func (c *Collectors) ObserveReplenishFailure() {
	if c == nil {
		return
	}
	c.proxyReplenishFailures.Inc()
}

// SetProxyPoolSize records the active proxy count.
func (c *Collectors) SetProxyPoolSize(n int) {
	if c == nil {
		return
	}
	c.proxyPoolSize.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
