package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

// LogPublisher writes order events to the structured log. It is the default for local runs.
type LogPublisher struct {
	logger *zap.Logger
}

var _ services.OrderEventPublisher = (*LogPublisher)(nil)

// NewLogPublisher constructs a log-only publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	fields := []zap.Field{
		zap.String("type", event.Type),
		zap.String("order_id", event.OrderID),
		zap.String("order_number", event.OrderNumber),
		zap.String("previous_status", event.PreviousStatus),
		zap.String("current_status", event.CurrentStatus),
		zap.String("actor_id", event.ActorID),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}
	if traceID := requestctx.TraceID(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	p.logger.Info("order event", fields...)
	return nil
}

// Close flushes the logger. Sync errors from console sinks are ignored.
func (p *LogPublisher) Close() error {
	_ = p.logger.Sync()
	return nil
}
