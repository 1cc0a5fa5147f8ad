package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/metrics"
)

// DeliveryEvent is published once per recorded sweep outcome.
type DeliveryEvent struct {
	EntryID          uuid.UUID `json:"entry_id"`
	NotificationType string    `json:"notification_type"`
	Channel          string    `json:"channel"`
	Status           string    `json:"status"`
	RetryCount       int       `json:"retry_count"`
	Error            string    `json:"error,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// EventSink receives delivery events.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev DeliveryEvent) error
}

// FanoutSink publishes to every configured sink. One failing sink does not
// stop the others.
type FanoutSink struct {
	sinks  []EventSink
	logger *zap.Logger
}

func NewFanoutSink(logger *zap.Logger, sinks ...EventSink) *FanoutSink {
	return &FanoutSink{sinks: sinks, logger: logger}
}

func (f *FanoutSink) Name() string { return "fanout" }

// Len is the number of downstream sinks.
func (f *FanoutSink) Len() int { return len(f.sinks) }

func (f *FanoutSink) Publish(ctx context.Context, ev DeliveryEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.RecordSinkError(s.Name())
			f.logger.Warn("event sink publish failed",
				zap.String("sink", s.Name()),
				zap.String("notification_id", ev.EntryID.String()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
