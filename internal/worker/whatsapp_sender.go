package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/outbound"
	"github.com/lalithlochan/kabar/internal/transport"
)

// ErrDeliveryUnconfirmed means the queue was sending the message when the
// wait ran out, so it may or may not have been delivered.
var ErrDeliveryUnconfirmed = errors.New("whatsapp delivery unconfirmed")

// Enqueuer accepts chat messages for paced delivery.
type Enqueuer interface {
	Enqueue(to string, p transport.Payload) (*outbound.Handle, error)
}

// ReadyChecker reports whether the chat connection can send right now.
type ReadyChecker interface {
	Ready() bool
}

// WhatsAppSender hands deliveries to the outbound queue and waits for the
// job to resolve, so the sweep records the real outcome.
type WhatsAppSender struct {
	queue   Enqueuer
	conn    ReadyChecker
	timeout time.Duration
	grace   time.Duration
	logger  *zap.Logger
}

// NewWhatsAppSender creates a sender. timeout bounds how long one delivery
// may wait in the queue. conn may be nil.
func NewWhatsAppSender(queue Enqueuer, conn ReadyChecker, timeout time.Duration, logger *zap.Logger) *WhatsAppSender {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WhatsAppSender{queue: queue, conn: conn, timeout: timeout, grace: 30 * time.Second, logger: logger}
}

func (s *WhatsAppSender) Send(ctx context.Context, d *notify.Delivery) error {
	// a job parked behind a dead connection would outlive the row's claim
	if s.conn != nil && !s.conn.Ready() {
		return transport.ErrNotReady
	}

	handle, err := s.queue.Enqueue(d.To, payloadFor(d))
	if err != nil {
		if errors.Is(err, outbound.ErrQueueFull) || errors.Is(err, outbound.ErrQueueStopped) {
			return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
		}
		return fmt.Errorf("enqueue whatsapp message: %w", err)
	}

	res, err := s.wait(ctx, handle)
	switch {
	case err == nil:
	case errors.Is(err, outbound.ErrQueueStopped):
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	case res.Status == "":
		return err
	default:
		return fmt.Errorf("whatsapp %s: %w", res.Status, err)
	}

	s.logger.Info("whatsapp message delivered",
		zap.String("notification_id", d.EntryID.String()),
		zap.String("job_id", res.JobID),
		zap.String("message_id", res.MessageID),
		zap.Int("attempt", res.Attempts),
	)
	return nil
}

// wait blocks for the job outcome. A job still queued when the timeout hits
// is withdrawn, so rescheduling the row cannot double-send it. A job the
// queue is already sending gets a grace period to report its outcome.
func (s *WhatsAppSender) wait(ctx context.Context, h *outbound.Handle) (outbound.Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := h.Wait(waitCtx)
	cancel()
	if err == nil || res.Status != "" {
		return res, err
	}

	if h.Cancel() {
		return res, fmt.Errorf("%w: whatsapp job %s not started within %s", transport.ErrReadyTimeout, h.ID, s.timeout)
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	defer cancel()
	res, err = h.Wait(graceCtx)
	if err == nil || res.Status != "" {
		return res, err
	}
	// went back to the queue for a retry during the grace period
	if h.Cancel() {
		return res, fmt.Errorf("%w: whatsapp job %s withdrawn before retry", transport.ErrReadyTimeout, h.ID)
	}

	s.logger.Warn("whatsapp delivery outcome unknown",
		zap.String("job_id", h.ID),
		zap.Duration("waited", s.timeout+s.grace),
	)
	return res, fmt.Errorf("%w: job %s", ErrDeliveryUnconfirmed, h.ID)
}

func (s *WhatsAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}

// payloadFor picks the chat payload kind from the attachment extension.
// The notification text rides along as the caption.
func payloadFor(d *notify.Delivery) transport.Payload {
	if d.AttachmentPath == "" {
		return transport.Text(d.Text())
	}
	if strings.HasPrefix(transport.MimeTypeFor(d.AttachmentPath), "image/") {
		return transport.Image(d.AttachmentPath, d.Text())
	}
	return transport.Document(d.AttachmentPath, filepath.Base(d.AttachmentPath), d.Text())
}
