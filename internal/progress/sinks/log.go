package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/progress"
)

// LogSink writes each progress event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("phase_id", evt.PhaseID.String()),
			zap.String("phase", evt.Phase),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageSubmitted:
			fields = append(fields, zap.Int64("count", evt.Count))
		case progress.StageSucceeded, progress.StageExhausted:
			fields = append(fields,
				zap.String("target", evt.Target),
				zap.Int("attempts", evt.Attempts),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
