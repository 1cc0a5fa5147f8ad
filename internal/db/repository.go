package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles the notification queue table
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, customer_id, invoice_id, payment_id, notification_type, channel,
	template_code, recipient, title, body, attachment_path, status, priority,
	retry_count, max_retries, scheduled_for, error_message, sent_at,
	created_at, updated_at`

// rowScanner is satisfied by both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.CustomerID,
		&n.InvoiceID,
		&n.PaymentID,
		&n.Type,
		&n.Channel,
		&n.TemplateCode,
		&n.Recipient,
		&n.Title,
		&n.Body,
		&n.AttachmentPath,
		&n.Status,
		&n.Priority,
		&n.RetryCount,
		&n.MaxRetries,
		&n.ScheduledFor,
		&n.ErrorMessage,
		&n.SentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotifications inserts the rows of one business event in a single
// transaction. Either every channel's row is queued or none is.
func (r *Repository) CreateNotifications(ctx context.Context, ns []*Notification) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, n := range ns {
		if err := insertNotification(ctx, tx, n); err != nil {
			r.logger.Error("failed to create notification",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
				zap.String("channel", n.Channel),
			)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, n := range ns {
		r.logger.Info("notification queued",
			zap.String("notification_id", n.ID.String()),
			zap.String("type", n.Type),
			zap.String("channel", n.Channel),
		)
	}
	return nil
}

func insertNotification(ctx context.Context, tx pgx.Tx, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = DefaultMaxRetries
	}

	query := `
		INSERT INTO notification_queue (
			id, customer_id, invoice_id, payment_id, notification_type, channel,
			template_code, recipient, title, body, attachment_path, status,
			priority, retry_count, max_retries, scheduled_for
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		RETURNING created_at, updated_at
	`

	err := tx.QueryRow(
		ctx,
		query,
		n.ID,
		n.CustomerID,
		n.InvoiceID,
		n.PaymentID,
		n.Type,
		n.Channel,
		n.TemplateCode,
		n.Recipient,
		n.Title,
		n.Body,
		n.AttachmentPath,
		n.Status,
		n.Priority,
		n.RetryCount,
		n.MaxRetries,
		n.ScheduledFor,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetNotification retrieves an entry by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_queue WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// RecoverStuck resets rows left in processing longer than olderThan.
// A crashed sweep leaves its claimed rows behind; this puts them back.
func (r *Repository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE notification_queue
		SET status = 'pending',
		    error_message = 'recovered from stuck processing state',
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`

	result, err := r.db.Pool().Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		r.logger.Error("failed to recover stuck notifications", zap.Error(err))
		return 0, fmt.Errorf("recover stuck notifications: %w", err)
	}

	recovered := result.RowsAffected()
	if recovered > 0 {
		r.logger.Warn("recovered stuck notifications",
			zap.Int64("count", recovered),
			zap.Duration("older_than", olderThan),
		)
	}
	return recovered, nil
}

// ClaimPending atomically moves up to limit due rows from pending to
// processing and returns them in dispatch order. When ids is non-empty only
// those rows are eligible. Rows locked by a concurrent claim are skipped,
// so two sweeps never receive the same row.
func (r *Repository) ClaimPending(ctx context.Context, limit int, ids []uuid.UUID) ([]*Notification, error) {
	query := `
		UPDATE notification_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			  AND ($2::uuid[] IS NULL OR id = ANY($2::uuid[]))
			ORDER BY
				CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
				created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + notificationColumns

	var idArg []uuid.UUID
	if len(ids) > 0 {
		idArg = ids
	}

	rows, err := r.db.Pool().Query(ctx, query, limit, idArg)
	if err != nil {
		r.logger.Error("failed to claim pending notifications", zap.Error(err))
		return nil, fmt.Errorf("claim pending notifications: %w", err)
	}
	defer rows.Close()

	var claimed []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// RETURNING does not preserve the subquery order
	SortForDispatch(claimed)
	return claimed, nil
}

// SortForDispatch orders rows high, normal, low, then oldest first.
func SortForDispatch(rows []*Notification) {
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := PriorityRank(rows[i].Priority), PriorityRank(rows[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

// TouchProcessing renews the claim on a processing row so stuck-row
// recovery leaves it alone. It reports false when the row is no longer
// processing.
func (r *Repository) TouchProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue SET updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("renew claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateNotificationStatus records the outcome of one dispatch attempt
func (r *Repository) UpdateNotificationStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	retryCount int,
	errorMsg *string,
	scheduledFor *time.Time,
) error {
	query := `
		UPDATE notification_queue
		SET status = $1,
		    retry_count = $2,
		    error_message = $3,
		    scheduled_for = $4,
		    sent_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE sent_at END,
		    updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, status, retryCount, errorMsg, scheduledFor, id)
	if err != nil {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return fmt.Errorf("update notification status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}

	return nil
}

// Requeue returns a failed entry to pending with a fresh retry budget
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', retry_count = 0, scheduled_for = NULL,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is not a failed entry", ErrNotificationNotFound, id)
	}

	r.logger.Info("notification requeued", zap.String("notification_id", id.String()))
	return nil
}

// ListNotifications returns the newest entries, optionally filtered by status
func (r *Repository) ListNotifications(ctx context.Context, status string, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notification_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Statistics counts entries created since the given time
func (r *Repository) Statistics(ctx context.Context, since time.Time) (*Stats, error) {
	query := `
		SELECT status, notification_type, channel, COUNT(*)
		FROM notification_queue
		WHERE created_at >= $1
		GROUP BY status, notification_type, channel
	`

	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query notification stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		Since:     since,
		ByStatus:  make(map[string]int64),
		ByType:    make(map[string]int64),
		ByChannel: make(map[string]int64),
	}
	for rows.Next() {
		var status, typ, channel string
		var count int64
		if err := rows.Scan(&status, &typ, &channel, &count); err != nil {
			return nil, fmt.Errorf("scan notification stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByType[typ] += count
		stats.ByChannel[channel] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return stats, nil
}
