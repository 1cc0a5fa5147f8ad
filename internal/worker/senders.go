package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
)

// Sender is the unified interface for all notification channels.
// Implementations: WhatsApp (outbound queue), Email (SES), SMS (SNS), Push.
type Sender = notify.Sender

// MultiSender routes deliveries to the appropriate channel sender
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the delivery to the first sender that supports its channel
func (m *MultiSender) Send(ctx context.Context, d *notify.Delivery) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(d.Channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", d.Channel),
				zap.String("notification_id", d.EntryID.String()),
			)
			return sender.Send(ctx, d)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", d.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them (development)
type LogSender struct {
	channels map[string]bool
	logger   *zap.Logger
}

// NewLogSender handles the given channels, or every channel when none are named.
func NewLogSender(logger *zap.Logger, channels ...string) *LogSender {
	if len(channels) == 0 {
		channels = []string{db.ChannelWhatsApp, db.ChannelEmail, db.ChannelSMS, db.ChannelPush}
	}
	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	return &LogSender{channels: set, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, d *notify.Delivery) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("notification_id", d.EntryID.String()),
		zap.String("channel", d.Channel),
		zap.String("recipient", d.To),
		zap.String("type", d.Type),
		zap.String("text", d.Text()),
		zap.String("attachment", d.AttachmentPath),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return s.channels[channel]
}
