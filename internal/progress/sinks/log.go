package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/incident-harvester/internal/progress"
)

// LogSink emits structured logs for progress streams. Per-attempt fetch
// events are logged at debug level; everything else at info, and worker
// errors at error.
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
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageFetchDone, progress.StageShapeIssue:
			level = zapcore.DebugLevel
		case progress.StageWorkerError:
			level = zapcore.ErrorLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("worker", evt.Worker),
			zap.String("partition", evt.Partition),
			zap.Int64("id", evt.ID),
			zap.Int("attempt", evt.Attempt),
			zap.String("outcome", evt.Outcome),
			zap.String("cause", evt.Cause),
			zap.String("section", evt.Section),
			zap.Int64("processed", evt.Processed),
			zap.Int64("found", evt.Found),
			zap.Int64("total", evt.Total),
			zap.Int("rows", evt.Rows),
			zap.Duration("dur", evt.Dur),
			zap.Duration("elapsed", evt.Elapsed),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
