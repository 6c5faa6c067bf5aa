package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StagePhaseStart Stage = "PHASE_START"
	StageSubmitted  Stage = "TASK_SUBMITTED"
	StageSucceeded  Stage = "TASK_SUCCEEDED"
	StageExhausted  Stage = "TASK_EXHAUSTED"
)

// Event captures a single change in phase progress.
type Event struct {
	// PhaseID identifies the tracker that produced the event.
	PhaseID uuid.UUID
	// Phase is the human label given on reset, e.g. "discover".
	Phase string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Target is the fetched URL for task outcomes.
	Target string
	// Count is the number of tasks added by a submit.
	Count int64
	// Attempts is how many fetch attempts the task consumed.
	Attempts int
	Bytes    int64
	Dur      time.Duration
	// Note carries low-volume context such as the last error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.PhaseID == uuid.Nil {
		return errors.New("phase id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StagePhaseStart:
	case StageSubmitted:
		if e.Count <= 0 {
			return errors.New("submitted requires a positive count")
		}
	case StageSucceeded, StageExhausted:
		if e.Target == "" {
			return fmt.Errorf("%s requires target", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
