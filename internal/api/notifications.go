package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/redis"
)

const idempotencyScope = "notifications"

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	CustomerID      *int64            `json:"customer_id,omitempty"`
	InvoiceID       *int64            `json:"invoice_id,omitempty"`
	PaymentID       *int64            `json:"payment_id,omitempty"`
	Type            string            `json:"notification_type"`
	Channels        []string          `json:"channels,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	AttachmentPath  string            `json:"attachment_path,omitempty"`
	Recipient       string            `json:"recipient,omitempty"`
	ScheduledFor    *time.Time        `json:"scheduled_for,omitempty"`
	SendImmediately bool              `json:"send_immediately"`
	// EventKey dedupes the business event itself, e.g. "payment:981".
	EventKey string `json:"event_key,omitempty"`
}

// NotificationResponse is returned after queueing a notification
type NotificationResponse struct {
	IDs []string `json:"ids"`
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "notification_type is required")
		return
	}
	if req.CustomerID == nil && req.Recipient == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient", "customer_id or recipient is required")
		return
	}

	useIdempotency := idempotencyKey != "" && h.deps.Idempotency != nil
	if useIdempotency {
		cached, err := h.deps.Idempotency.CheckOrReserve(ctx, idempotencyScope, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			useIdempotency = false
		} else if cached != nil {
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, NotificationResponse{IDs: cached.EntryIDs})
			return
		}
	}

	ids, err := h.deps.Notifier.QueueNotification(ctx, notify.Request{
		CustomerID:      req.CustomerID,
		InvoiceID:       req.InvoiceID,
		PaymentID:       req.PaymentID,
		Type:            req.Type,
		Channels:        req.Channels,
		Variables:       req.Variables,
		Priority:        req.Priority,
		AttachmentPath:  req.AttachmentPath,
		Recipient:       req.Recipient,
		ScheduledFor:    req.ScheduledFor,
		SendImmediately: req.SendImmediately,
		IdempotencyKey:  req.EventKey,
	})
	if err != nil {
		if useIdempotency {
			// let the client retry with the same key
			if rerr := h.deps.Idempotency.Release(ctx, idempotencyScope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.queueError(w, req, err)
		return
	}

	resp := NotificationResponse{IDs: make([]string, len(ids))}
	for i, id := range ids {
		resp.IDs[i] = id.String()
	}

	h.logger.Info("notification queued",
		zap.String("type", req.Type),
		zap.Strings("ids", resp.IDs),
		zap.Bool("immediate", req.SendImmediately),
	)

	if useIdempotency {
		result := &redis.IdempotencyResult{EntryIDs: resp.IDs, StatusCode: http.StatusCreated}
		if err := h.deps.Idempotency.Store(ctx, idempotencyScope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) queueError(w http.ResponseWriter, req NotificationRequest, err error) {
	switch {
	case errors.Is(err, notify.ErrMissingType), errors.Is(err, notify.ErrInvalidChannel):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
	case errors.Is(err, notify.ErrDuplicateEvent):
		h.writeError(w, http.StatusConflict, "duplicate_event", "Event already notified", err.Error())
	case errors.Is(err, db.ErrCustomerNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Customer not found", "")
	case errors.Is(err, db.ErrTemplateNotFound), errors.Is(err, db.ErrTemplateInactive):
		h.writeError(w, http.StatusUnprocessableEntity, "template_unavailable", "No usable template", err.Error())
	default:
		h.logger.Error("failed to queue notification",
			zap.Error(err),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to queue notification", "")
	}
}

type dispatchRequest struct {
	Limit int      `json:"limit"`
	IDs   []string `json:"ids"`
}

// DispatchNotifications handles POST /v1/notifications/dispatch
func (h *Handler) DispatchNotifications(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, s := range req.IDs {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id", s+" is not a valid UUID")
			return
		}
		ids = append(ids, id)
	}

	result, err := h.deps.Notifier.SendPending(r.Context(), req.Limit, ids...)
	if err != nil {
		h.logger.Error("manual dispatch failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch sweep failed", "")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RequeueNotification handles POST /v1/notifications/{id}/requeue
func (h *Handler) RequeueNotification(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.deps.Notifier.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "No failed notification with this ID", "")
			return
		}
		h.logger.Error("failed to requeue notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to requeue notification", "")
		return
	}

	h.logger.Info("notification requeued", zap.String("id", idStr))
	h.writeJSON(w, http.StatusOK, map[string]string{"id": idStr, "status": db.StatusPending})
}

// NotificationStats handles GET /v1/notifications/stats?days=N
func (h *Handler) NotificationStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil || d <= 0 || d > 365 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid days", "days must be between 1 and 365")
			return
		}
		days = d
	}

	stats, err := h.deps.Notifier.Statistics(r.Context(), days)
	if err != nil {
		h.logger.Error("failed to load statistics", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load statistics", "")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// BroadcastAdmins handles POST /v1/broadcast/admins
func (h *Handler) BroadcastAdmins(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing message", "message is required")
		return
	}

	sent, err := h.deps.Notifier.BroadcastToAdmins(r.Context(), req.Message)
	if err != nil {
		h.logger.Warn("admin broadcast failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "broadcast_error", "Admin broadcast failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]int{"queued": sent})
}
