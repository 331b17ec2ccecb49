package events

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogHandler returns a wildcard handler that writes every event to logger,
// with the level derived from the event priority.
func NewLogHandler(logger *zap.Logger) Handler {
	logger = logger.Named("eventlog")
	return HandlerFunc(func(_ context.Context, e Event) error {
		level := zapcore.DebugLevel
		switch e.Priority {
		case PriorityCritical:
			level = zapcore.ErrorLevel
		case PriorityHigh:
			level = zapcore.WarnLevel
		case PriorityMedium:
			level = zapcore.InfoLevel
		}

		if ce := logger.Check(level, "Event"); ce != nil {
			ce.Write(
				zap.String("kind", string(e.Kind)),
				zap.Uint64("sequence", e.Sequence),
				zap.String("source", e.Source),
				zap.String("correlation_id", e.CorrelationID),
				zap.Any("payload", e.Payload))
		}
		return nil
	})
}
