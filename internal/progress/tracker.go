package progress

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Tracker is the (completed, total) counter pair for one phase. Total only
// grows on submit and completed only grows on a terminal outcome, never past
// total. Safe for concurrent use.
type Tracker struct {
	id      uuid.UUID
	phase   string
	started time.Time
	emitter Emitter

	total     atomic.Int64
	completed atomic.Int64
	succeeded atomic.Int64
	exhausted atomic.Int64
}

// Snapshot is a point-in-time copy of a Tracker.
type Snapshot struct {
	PhaseID   string        `json:"phase_id"`
	Phase     string        `json:"phase"`
	Total     int64         `json:"total"`
	Completed int64         `json:"completed"`
	Succeeded int64         `json:"succeeded"`
	Exhausted int64         `json:"exhausted"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Done reports whether every submitted task has reached an outcome.
func (s Snapshot) Done() bool {
	return s.Completed == s.Total
}

// Percent returns completion in [0, 100]; an empty phase counts as complete.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed) * 100 / float64(s.Total)
}

// NewTracker starts a fresh {0,0} phase. emitter may be nil.
func NewTracker(phase string, emitter Emitter) *Tracker {
	t := &Tracker{
		id:      uuid.New(),
		phase:   phase,
		started: time.Now().UTC(),
		emitter: emitter,
	}
	t.emit(Event{Stage: StagePhaseStart})
	return t
}

// ID returns the phase UUID.
func (t *Tracker) ID() uuid.UUID {
	return t.id
}

// Add records n newly submitted tasks.
func (t *Tracker) Add(n int) {
	if n <= 0 {
		return
	}
	t.total.Add(int64(n))
	t.emit(Event{Stage: StageSubmitted, Count: int64(n)})
}

// Succeed records a task whose fetch returned a body.
func (t *Tracker) Succeed(target string, attempts int, bytes int, dur time.Duration) bool {
	if !t.complete() {
		return false
	}
	t.succeeded.Add(1)
	t.emit(Event{Stage: StageSucceeded, Target: target, Attempts: attempts, Bytes: int64(bytes), Dur: dur})
	return true
}

// Exhaust records a task that ran out of attempts.
func (t *Tracker) Exhaust(target string, attempts int, dur time.Duration, note string) bool {
	if !t.complete() {
		return false
	}
	t.exhausted.Add(1)
	t.emit(Event{Stage: StageExhausted, Target: target, Attempts: attempts, Dur: dur, Note: note})
	return true
}

// complete advances completed unless it would overtake total.
func (t *Tracker) complete() bool {
	for {
		done := t.completed.Load()
		if done >= t.total.Load() {
			return false
		}
		if t.completed.CompareAndSwap(done, done+1) {
			return true
		}
	}
}

// Snapshot copies the counters. Completed is read first so the copy never
// shows completed > total.
func (t *Tracker) Snapshot() Snapshot {
	completed := t.completed.Load()
	return Snapshot{
		PhaseID:   t.id.String(),
		Phase:     t.phase,
		Completed: completed,
		Total:     t.total.Load(),
		Succeeded: t.succeeded.Load(),
		Exhausted: t.exhausted.Load(),
		Elapsed:   time.Since(t.started),
	}
}

func (t *Tracker) emit(evt Event) {
	if t.emitter == nil {
		return
	}
	evt.PhaseID = t.id
	evt.Phase = t.phase
	evt.TS = time.Now().UTC()
	t.emitter.Emit(evt)
}
