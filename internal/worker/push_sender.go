package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/transport"
)

// PushPayload is the body posted to the push gateway. The gateway resolves
// the customer's registered devices.
type PushPayload struct {
	NotificationID string `json:"notification_id"`
	CustomerID     string `json:"customer_id"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Priority       string `json:"priority"`
}

// PushSender sends push notifications through an HTTP push gateway
type PushSender struct {
	client *resty.Client
	logger *zap.Logger
}

type PushConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// NewPushSender creates a push sender for the gateway at cfg.GatewayURL
func NewPushSender(logger *zap.Logger, cfg PushConfig) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.GatewayURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "Kabar/1.0.0").
		SetTimeout(timeout)

	return &PushSender{client: client, logger: logger}
}

// Send posts one delivery. A 5xx or transport error means the gateway is
// unavailable; a 4xx means the delivery itself was rejected.
func (s *PushSender) Send(ctx context.Context, d *notify.Delivery) error {
	if d.Channel != db.ChannelPush {
		return fmt.Errorf("push sender only supports push, got: %s", d.Channel)
	}
	if d.To == "" {
		return fmt.Errorf("push delivery missing customer")
	}

	payload := PushPayload{
		NotificationID: d.EntryID.String(),
		CustomerID:     d.To,
		Type:           d.Type,
		Title:          d.Title,
		Body:           d.Body,
		Priority:       d.Priority,
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Kabar-Notification-ID", d.EntryID.String()).
		SetBody(payload).
		Post("/v1/push")
	if err != nil {
		return fmt.Errorf("%w: push request failed: %w", transport.ErrUnavailable, err)
	}

	if resp.StatusCode() >= 500 {
		return fmt.Errorf("%w: push gateway returned %d", transport.ErrUnavailable, resp.StatusCode())
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway rejected delivery: status %d, body: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}

	s.logger.Info("push delivered",
		zap.String("notification_id", d.EntryID.String()),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}

// SupportsChannel checks if this sender supports push
func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
