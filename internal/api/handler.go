package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/circuitbreaker"
	"github.com/lalithlochan/kabar/internal/connection"
	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/outbound"
	"github.com/lalithlochan/kabar/internal/redis"
	"github.com/lalithlochan/kabar/internal/transport"
)

// Notifier is the notification queue service
type Notifier interface {
	QueueNotification(ctx context.Context, req notify.Request) ([]uuid.UUID, error)
	SendPending(ctx context.Context, limit int, ids ...uuid.UUID) (*notify.SweepResult, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	Statistics(ctx context.Context, days int) (*db.Stats, error)
	BroadcastToAdmins(ctx context.Context, text string) (int, error)
}

// Connection is the chat transport session
type Connection interface {
	Status() connection.Status
	Restart(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Messenger enqueues direct chat sends
type Messenger interface {
	Enqueue(to string, p transport.Payload) (*outbound.Handle, error)
}

// Breakers reports and resets circuit breakers
type Breakers interface {
	Stats() []circuitbreaker.Stats
	Reset(name string) bool
}

// Checker is a dependency probed by /health
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a plain function, e.g. (*db.DB).Health.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Deps are the handler collaborators. Notifier is required; the rest
// disable their routes when nil.
type Deps struct {
	Notifier    Notifier
	Connection  Connection
	Messenger   Messenger
	Idempotency *redis.IdempotencyService
	Breakers    Breakers
	Checks      map[string]Checker
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{logger: logger, deps: deps}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) unavailable(w http.ResponseWriter, what string) {
	h.writeError(w, http.StatusServiceUnavailable, "not_configured", what+" is not configured", "")
}
