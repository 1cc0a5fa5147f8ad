package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/transport"
)

// SweepResult counts the outcomes of one sweep.
type SweepResult struct {
	Recovered   int64 `json:"recovered"`
	Claimed     int   `json:"claimed"`
	Sent        int   `json:"sent"`
	Failed      int   `json:"failed"`
	Skipped     int   `json:"skipped"`
	Rescheduled int   `json:"rescheduled"`
	Retried     int   `json:"retried"`
	Released    int   `json:"released"`
}

// outcome is the row update one delivery attempt produces.
type outcome struct {
	status       string
	retryCount   int
	errMsg       *string
	scheduledFor *time.Time
}

// SendPending runs one dispatch sweep over at most limit rows. When ids are
// given only those rows are eligible. Per-row failures become row updates;
// an error is returned only when no rows could be claimed.
func (s *Service) SendPending(ctx context.Context, limit int, ids ...uuid.UUID) (*SweepResult, error) {
	start := s.now()
	defer func() { metrics.RecordSweep(time.Since(start)) }()

	if limit <= 0 {
		limit = s.cfg.BatchSize
	}

	result := &SweepResult{}

	recovered, err := s.deps.Repo.RecoverStuck(ctx, s.cfg.RecoveryTimeout)
	if err != nil {
		s.logger.Warn("stuck row recovery failed", zap.Error(err))
	} else if recovered > 0 {
		result.Recovered = recovered
		metrics.RecordRecovered(int(recovered))
	}

	claimed, err := s.deps.Repo.ClaimPending(ctx, limit, ids)
	if err != nil {
		return result, fmt.Errorf("claim pending: %w", err)
	}
	result.Claimed = len(claimed)

	// Rows not reached by half the recovery timeout go back to pending, so
	// recovery never sees a row this sweep still holds. Each row reached in
	// time has its claim renewed first.
	leaseEnd := s.now().Add(s.cfg.RecoveryTimeout / 2)
	for i, n := range claimed {
		if s.now().After(leaseEnd) {
			s.release(ctx, claimed[i:], result)
			break
		}
		held, err := s.deps.Repo.TouchProcessing(ctx, n.ID)
		if err != nil {
			s.logger.Warn("failed to renew claim", zap.String("notification_id", n.ID.String()), zap.Error(err))
		} else if !held {
			s.logger.Warn("claimed row was recovered by another sweep, skipping",
				zap.String("notification_id", n.ID.String()),
			)
			continue
		}
		out := s.deliver(ctx, n)
		s.record(ctx, n, out, result)
	}

	if result.Claimed > 0 {
		s.logger.Info("sweep finished",
			zap.Int("claimed", result.Claimed),
			zap.Int("released", result.Released),
			zap.Int("sent", result.Sent),
			zap.Int("retried", result.Retried),
			zap.Int("rescheduled", result.Rescheduled),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// release returns unsent claimed rows to pending without spending a retry.
func (s *Service) release(ctx context.Context, rows []*db.Notification, result *SweepResult) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	for _, n := range rows {
		if err := s.deps.Repo.UpdateNotificationStatus(wctx, n.ID, db.StatusPending, n.RetryCount, nil, nil); err != nil {
			s.logger.Error("failed to release claimed row",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		result.Released++
	}
	s.logger.Info("sweep ran long, released unsent rows", zap.Int("released", result.Released))
}

func (s *Service) deliver(ctx context.Context, n *db.Notification) outcome {
	d, skip, err := s.resolve(ctx, n)
	if err != nil {
		if errors.Is(err, db.ErrCustomerNotFound) {
			return terminal(db.StatusFailed, n.RetryCount, "customer not found")
		}
		return s.failure(n, err)
	}
	if skip != "" {
		return terminal(db.StatusSkipped, n.RetryCount, skip)
	}

	if !s.deps.Sender.SupportsChannel(n.Channel) {
		return terminal(db.StatusFailed, n.RetryCount, "no sender configured for channel "+n.Channel)
	}

	s.checkAttachment(ctx, d)

	if err := s.deps.Sender.Send(ctx, d); err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("notification_id", n.ID.String()),
			zap.String("channel", n.Channel),
			zap.String("recipient", maskRecipient(d.To)),
			zap.Int("attempt", n.RetryCount+1),
			zap.Error(err),
		)
		return s.failure(n, err)
	}

	s.logger.Info("notification sent",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", n.Channel),
		zap.String("recipient", maskRecipient(d.To)),
	)
	return outcome{status: db.StatusSent, retryCount: n.RetryCount}
}

// resolve turns a row into a Delivery. A non-empty skip reason means the
// row can never be delivered on its channel.
func (s *Service) resolve(ctx context.Context, n *db.Notification) (*Delivery, string, error) {
	d := &Delivery{
		EntryID:    n.ID,
		Type:       n.Type,
		Channel:    n.Channel,
		Priority:   n.Priority,
		CustomerID: n.CustomerID,
		Title:      n.Title,
		Body:       n.Body,
	}
	if n.AttachmentPath != nil {
		d.AttachmentPath = *n.AttachmentPath
	}

	if n.Recipient != nil && *n.Recipient != "" {
		d.To = *n.Recipient
		return d, "", nil
	}
	if n.CustomerID == nil {
		return nil, "no recipient or customer on entry", nil
	}

	c, err := s.deps.Customers.GetCustomer(ctx, *n.CustomerID)
	if err != nil {
		return nil, "", err
	}

	switch n.Channel {
	case db.ChannelWhatsApp, db.ChannelSMS:
		d.To = c.Phone
	case db.ChannelEmail:
		d.To = c.Email
	case db.ChannelPush:
		d.To = strconv.FormatInt(c.ID, 10)
	}
	if d.To == "" {
		return nil, fmt.Sprintf("customer has no contact for %s", n.Channel), nil
	}
	return d, "", nil
}

// checkAttachment drops an attachment that no longer exists so the
// notification still goes out as text.
func (s *Service) checkAttachment(ctx context.Context, d *Delivery) {
	if d.AttachmentPath == "" || s.deps.Attachments == nil {
		return
	}

	ok, err := s.deps.Attachments.Exists(ctx, d.AttachmentPath)
	if err == nil && ok {
		return
	}

	s.logger.Warn("attachment missing, sending text only",
		zap.String("notification_id", d.EntryID.String()),
		zap.String("attachment", d.AttachmentPath),
		zap.Error(err),
	)
	d.AttachmentPath = ""
}

// failure classifies a send error. Connectivity keeps the retry count and
// pushes the row out; everything else spends one retry.
func (s *Service) failure(n *db.Notification, err error) outcome {
	msg := err.Error()

	if transport.IsConnectivity(err) {
		next := s.now().Add(s.cfg.ConnectivityBackoff)
		return outcome{
			status:       db.StatusPending,
			retryCount:   n.RetryCount,
			errMsg:       &msg,
			scheduledFor: &next,
		}
	}

	retry := n.RetryCount + 1
	if retry >= n.MaxRetries {
		return outcome{status: db.StatusFailed, retryCount: retry, errMsg: &msg}
	}

	next := s.now().Add(retryDelay(retry))
	return outcome{
		status:       db.StatusPending,
		retryCount:   retry,
		errMsg:       &msg,
		scheduledFor: &next,
	}
}

func terminal(status string, retryCount int, reason string) outcome {
	return outcome{status: status, retryCount: retryCount, errMsg: &reason}
}

// retryDelay spaces content-class retries out: 1m, 5m, then 15m.
func retryDelay(retry int) time.Duration {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}

	idx := retry - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// record persists the outcome and reports it. The update must land even if
// the sweep context was cancelled mid-send, or the row sits in processing
// until recovery.
func (s *Service) record(ctx context.Context, n *db.Notification, out outcome, result *SweepResult) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.deps.Repo.UpdateNotificationStatus(wctx, n.ID, out.status, out.retryCount, out.errMsg, out.scheduledFor); err != nil {
		s.logger.Error("failed to record notification outcome",
			zap.String("notification_id", n.ID.String()),
			zap.String("status", out.status),
			zap.Error(err),
		)
	}

	switch {
	case out.status == db.StatusSent:
		result.Sent++
		metrics.RecordNotificationLatency(n.Channel, s.now().Sub(n.CreatedAt))
	case out.status == db.StatusSkipped:
		result.Skipped++
	case out.status == db.StatusFailed:
		result.Failed++
	case out.retryCount == n.RetryCount:
		result.Rescheduled++
	default:
		result.Retried++
	}
	metrics.RecordNotificationProcessed(out.status, n.Channel)

	if s.deps.Sink == nil {
		return
	}
	ev := DeliveryEvent{
		EntryID:          n.ID,
		NotificationType: n.Type,
		Channel:          n.Channel,
		Status:           out.status,
		RetryCount:       out.retryCount,
		OccurredAt:       s.now().UTC(),
	}
	if out.errMsg != nil {
		ev.Error = *out.errMsg
	}
	if err := s.deps.Sink.Publish(wctx, ev); err != nil {
		s.logger.Warn("delivery event not published",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}
