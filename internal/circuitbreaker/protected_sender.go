package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/transport"
)

// ProtectedSender wraps a channel sender with a CircuitBreaker.
//
// Only connectivity-class failures count against the breaker. A rejected
// recipient or a malformed document says nothing about provider health.
type ProtectedSender struct {
	sender  notify.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender notify.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast while the circuit is open. The rejection wraps
// transport.ErrUnavailable so the sweep reschedules without spending retries.
func (p *ProtectedSender) Send(ctx context.Context, d *notify.Delivery) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", d.EntryID.String()),
			zap.String("channel", d.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %w: %s sender", transport.ErrUnavailable, ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, d)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case transport.IsConnectivity(err):
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	default:
		// the provider answered, so the request counts as a healthy round trip
		p.breaker.RecordSuccess()
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}
