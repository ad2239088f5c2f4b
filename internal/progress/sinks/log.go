package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
)

// LogSink emits structured logs for progress frames. Frames log at debug,
// end markers at info, so production logs show one line per encode.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the subscriber interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event.
func (s *LogSink) Consume(_ context.Context, evt progress.Event) error {
	fields := []zap.Field{
		zap.String("topic", evt.Topic),
		zap.Uint64("seq", evt.Seq),
		zap.String("source", evt.Source),
		zap.String("data", evt.Payload.Data),
		zap.Bool("end", evt.Payload.End),
	}
	if evt.Truncated {
		fields = append(fields, zap.Bool("truncated", true))
	}
	if evt.Payload.End {
		s.logger.Info("progress stream ended", fields...)
		return nil
	}
	s.logger.Debug("progress frame", fields...)
	return nil
}
