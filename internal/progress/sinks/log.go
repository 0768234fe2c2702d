package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/progress"
)

// LogSink writes events as structured logs. State changes log at Info, page
// outcomes at Debug.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("domain_id", evt.DomainID),
			zap.String("host", evt.Host),
		}
		switch evt.Kind {
		case progress.KindState:
			fields = append(fields,
				zap.String("phase", evt.Phase),
				zap.Int("indexed", evt.Indexed),
				zap.Int("pending", evt.Pending),
			)
			if evt.Error != "" {
				fields = append(fields, zap.String("error", evt.Error))
			}
			s.logger.Info("crawl state changed", fields...)
		case progress.KindPage:
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.String("outcome", string(evt.Outcome)),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
			s.logger.Debug("page processed", fields...)
		case progress.KindCheckpoint:
			s.logger.Debug("checkpoint written", append(fields, zap.Duration("dur", evt.Dur))...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
