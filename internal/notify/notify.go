// Package notify persists business notifications and drives them to
// delivery.
//
// QueueNotification renders a template per requested channel and inserts
// one pending row each. SendPending is the dispatch sweep: it recovers rows
// stuck in processing, atomically claims due rows, and records an outcome
// for every claimed row. Connectivity failures reschedule a row without
// consuming its retry budget; every other failure does.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/outbound"
	"github.com/lalithlochan/kabar/internal/templates"
)

var (
	ErrDuplicateEvent = errors.New("duplicate notification event")
	ErrInvalidChannel = errors.New("invalid notification channel")
	ErrMissingType    = errors.New("notification type is required")
)

// Repository is the notification queue table.
type Repository interface {
	CreateNotifications(ctx context.Context, ns []*db.Notification) error
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	ClaimPending(ctx context.Context, limit int, ids []uuid.UUID) ([]*db.Notification, error)
	TouchProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, retryCount int, errorMsg *string, scheduledFor *time.Time) error
	Requeue(ctx context.Context, id uuid.UUID) error
	Statistics(ctx context.Context, since time.Time) (*db.Stats, error)
}

// CustomerDirectory resolves contact fields for a customer.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id int64) (*db.Customer, error)
}

// AdminDirectory lists staff who receive operational broadcasts.
type AdminDirectory interface {
	ListAdminContacts(ctx context.Context) ([]db.Contact, error)
}

// Deduper reserves a business-event key. Reserve reports false when the key
// was already taken; Release gives it back after a failed enqueue.
type Deduper interface {
	Reserve(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
}

// AttachmentChecker reports whether a stored attachment still exists.
type AttachmentChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// DirectSender enqueues chat messages without persisting them.
type DirectSender interface {
	SendText(to, body string) (*outbound.Handle, error)
}

// Sender delivers a rendered notification over one or more channels.
type Sender interface {
	Send(ctx context.Context, d *Delivery) error
	SupportsChannel(channel string) bool
}

// Delivery is a claimed row resolved to a concrete address.
type Delivery struct {
	EntryID        uuid.UUID
	Type           string
	Channel        string
	Priority       string
	CustomerID     *int64
	To             string
	Title          string
	Body           string
	AttachmentPath string
}

// Text is the message as a chat user sees it.
func (d *Delivery) Text() string {
	if d.Title == "" {
		return d.Body
	}
	return d.Title + "\n\n" + d.Body
}

// Request is a business event to notify about.
type Request struct {
	CustomerID      *int64
	InvoiceID       *int64
	PaymentID       *int64
	Type            string
	Channels        []string
	Variables       map[string]string
	Priority        string
	AttachmentPath  string
	Recipient       string
	ScheduledFor    *time.Time
	SendImmediately bool
	IdempotencyKey  string
}

// Config tunes the sweep. Zero fields take defaults.
type Config struct {
	BatchSize           int
	RecoveryTimeout     time.Duration
	ConnectivityBackoff time.Duration
	ImmediateTimeout    time.Duration
	CompanyName         string
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 15 * time.Minute
	}
	if c.ConnectivityBackoff <= 0 {
		c.ConnectivityBackoff = 5 * time.Minute
	}
	if c.ImmediateTimeout <= 0 {
		c.ImmediateTimeout = 2 * time.Minute
	}
}

// Deps are the collaborators a Service needs. Repo, Templates, Customers
// and Sender are required.
type Deps struct {
	Repo        Repository
	Templates   templates.Source
	Customers   CustomerDirectory
	Sender      Sender
	Billing     BillingReader
	Documents   DocumentGenerator
	Admins      AdminDirectory
	Direct      DirectSender
	Dedupe      Deduper
	Attachments AttachmentChecker
	Sink        EventSink
}

// Service is the notification queue.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	now func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	cfg.defaults()
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// QueueNotification renders and persists one row per requested channel.
// Every template is loaded before anything is inserted, so a missing
// template for any channel fails the whole event.
func (s *Service) QueueNotification(ctx context.Context, req Request) ([]uuid.UUID, error) {
	if req.Type == "" {
		return nil, ErrMissingType
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{db.ChannelWhatsApp}
	}
	for _, c := range channels {
		if !db.ValidChannel(c) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, c)
		}
	}

	vars, err := s.mergeCustomerVars(ctx, req)
	if err != nil {
		return nil, err
	}

	tpls := make([]*db.Template, len(channels))
	for i, c := range channels {
		tpl, err := s.deps.Templates.GetActiveTemplate(ctx, req.Type, c)
		if err != nil {
			s.logger.Error("no usable template",
				zap.String("type", req.Type),
				zap.String("channel", c),
				zap.Error(err),
			)
			return nil, fmt.Errorf("load template %s/%s: %w", req.Type, c, err)
		}
		tpls[i] = tpl
	}

	rows := make([]*db.Notification, len(channels))
	for i, c := range channels {
		tpl := tpls[i]
		priority := req.Priority
		if priority == "" {
			priority = tpl.Priority
		}

		n := &db.Notification{
			ID:           uuid.New(),
			CustomerID:   req.CustomerID,
			InvoiceID:    req.InvoiceID,
			PaymentID:    req.PaymentID,
			Type:         req.Type,
			Channel:      c,
			TemplateCode: tpl.Code,
			Title:        templates.Render(tpl.TitleTemplate, vars),
			Body:         templates.Render(tpl.BodyTemplate, vars),
			Priority:     priority,
			ScheduledFor: req.ScheduledFor,
		}
		if req.Recipient != "" {
			n.Recipient = &req.Recipient
		}
		if req.AttachmentPath != "" {
			n.AttachmentPath = &req.AttachmentPath
		}
		rows[i] = n
	}

	// reserved only once the event is known to be queueable
	reserved, err := s.reserveEvent(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := s.deps.Repo.CreateNotifications(ctx, rows); err != nil {
		if reserved {
			s.releaseEvent(req.IdempotencyKey)
		}
		return nil, err
	}

	ids := make([]uuid.UUID, len(rows))
	for i, n := range rows {
		metrics.RecordNotificationEnqueued(req.Type, n.Channel)
		ids[i] = n.ID
	}

	if req.SendImmediately && len(ids) > 0 {
		s.dispatchAsync(ids)
	}

	return ids, nil
}

// reserveEvent takes the business-event key. It reports whether a key is
// now held, so a failed insert can give it back.
func (s *Service) reserveEvent(ctx context.Context, key string) (bool, error) {
	if key == "" || s.deps.Dedupe == nil {
		return false, nil
	}
	ok, err := s.deps.Dedupe.Reserve(ctx, "event", key)
	switch {
	case err != nil:
		// redis outage; accept the event rather than drop it
		s.logger.Warn("idempotency check failed", zap.Error(err))
		return false, nil
	case !ok:
		metrics.RecordIdempotencyHit()
		return false, fmt.Errorf("%w: %s", ErrDuplicateEvent, key)
	}
	return true, nil
}

func (s *Service) releaseEvent(key string) {
	// the caller's ctx may be what failed the insert
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Dedupe.Release(ctx, "event", key); err != nil {
		s.logger.Warn("failed to release event key",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
}

func (s *Service) mergeCustomerVars(ctx context.Context, req Request) (map[string]string, error) {
	vars := make(map[string]string, len(req.Variables)+5)
	if s.cfg.CompanyName != "" {
		vars["company_name"] = s.cfg.CompanyName
	}

	if req.CustomerID != nil {
		c, err := s.deps.Customers.GetCustomer(ctx, *req.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("load customer %d: %w", *req.CustomerID, err)
		}
		vars["customer_name"] = c.Name
		vars["customer_phone"] = c.Phone
		vars["customer_email"] = c.Email
		vars["customer_code"] = c.Code
		vars["customer_id"] = strconv.FormatInt(c.ID, 10)
	}

	// caller-supplied values win
	for k, v := range req.Variables {
		vars[k] = v
	}
	return vars, nil
}

// dispatchAsync runs a sweep restricted to ids without blocking the caller.
// It goes through the same claim as the periodic sweep.
func (s *Service) dispatchAsync(ids []uuid.UUID) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ImmediateTimeout)
		defer cancel()

		if _, err := s.SendPending(ctx, len(ids), ids...); err != nil {
			s.logger.Warn("immediate dispatch failed, periodic sweep will retry",
				zap.Int("count", len(ids)),
				zap.Error(err),
			)
		}
	}()
}

// Close waits for in-flight immediate dispatches. Rows inserted after Close
// are left for the next sweep.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Requeue returns a failed row to pending with a fresh retry budget.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) error {
	return s.deps.Repo.Requeue(ctx, id)
}

// Statistics summarises rows created in the last days days.
func (s *Service) Statistics(ctx context.Context, days int) (*db.Stats, error) {
	if days <= 0 {
		days = 7
	}
	return s.deps.Repo.Statistics(ctx, s.now().AddDate(0, 0, -days))
}

// BroadcastToAdmins sends text straight through the outbound queue to every
// admin contact. It reports how many messages were enqueued.
func (s *Service) BroadcastToAdmins(ctx context.Context, text string) (int, error) {
	if s.deps.Admins == nil || s.deps.Direct == nil {
		return 0, errors.New("admin broadcast is not configured")
	}

	contacts, err := s.deps.Admins.ListAdminContacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list admin contacts: %w", err)
	}

	var errs []error
	sent := 0
	for _, c := range contacts {
		if _, err := s.deps.Direct.SendText(c.Phone, text); err != nil {
			s.logger.Warn("admin broadcast enqueue failed",
				zap.String("recipient", maskRecipient(c.Phone)),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		sent++
	}

	if sent == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return sent, nil
}

func maskRecipient(to string) string {
	if len(to) <= 3 {
		return to + "***"
	}
	return to[:3] + "***"
}
