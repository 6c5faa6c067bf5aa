package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fetchpool/internal/progress"
)

const (
	resultSuccess   = "success"
	resultExhausted = "exhausted"
)

// PrometheusSink exports phase and task progress via Prometheus.
type PrometheusSink struct {
	phasesStarted  prometheus.Counter
	tasksSubmitted prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksInFlight  prometheus.Gauge
	taskAttempts   *prometheus.HistogramVec
	taskDuration   *prometheus.HistogramVec
	bodyBytes      prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		phasesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchpool_phases_started_total",
			Help: "Progress phases started, including resets.",
		}),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchpool_tasks_submitted_total",
			Help: "Tasks accepted by the pool.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchpool_tasks_completed_total",
			Help: "Tasks that reached an outcome partitioned by result.",
		}, []string{"result"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetchpool_tasks_outstanding",
			Help: "Submitted tasks without an outcome yet.",
		}),
		taskAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchpool_task_attempts",
			Help:    "Fetch attempts consumed per task.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchpool_task_duration_seconds",
			Help:    "Wall time from first attempt to outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		bodyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchpool_body_bytes_total",
			Help: "Bytes of response bodies handed to handlers.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.phasesStarted,
		s.tasksSubmitted,
		s.tasksCompleted,
		s.tasksInFlight,
		s.taskAttempts,
		s.taskDuration,
		s.bodyBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StagePhaseStart:
		s.phasesStarted.Inc()
	case progress.StageSubmitted:
		s.tasksSubmitted.Add(float64(evt.Count))
		s.tasksInFlight.Add(float64(evt.Count))
	case progress.StageSucceeded:
		s.observeOutcome(evt, resultSuccess)
		if evt.Bytes > 0 {
			s.bodyBytes.Add(float64(evt.Bytes))
		}
	case progress.StageExhausted:
		s.observeOutcome(evt, resultExhausted)
	}
}

func (s *PrometheusSink) observeOutcome(evt progress.Event, label string) {
	s.tasksCompleted.WithLabelValues(label).Inc()
	s.tasksInFlight.Dec()
	if evt.Attempts > 0 {
		s.taskAttempts.WithLabelValues(label).Observe(float64(evt.Attempts))
	}
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
