package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/circuitbreaker"
	"github.com/lalithlochan/kabar/internal/connection"
)

type healthResponse struct {
	Status     string                 `json:"status"`
	Checks     map[string]string      `json:"checks"`
	Connection *connection.Status     `json:"connection,omitempty"`
	Breakers   []circuitbreaker.Stats `json:"circuit_breakers,omitempty"`
}

// Health handles GET /health. A failing dependency returns 503; an open
// circuit or a disconnected chat session only degrades the status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.deps.Checks))}
	code := http.StatusOK

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.deps.Checks[name].Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	if h.deps.Connection != nil {
		st := h.deps.Connection.Status()
		resp.Connection = &st
		if !st.Ready && code == http.StatusOK {
			resp.Status = "degraded"
		}
	}

	if h.deps.Breakers != nil {
		resp.Breakers = h.deps.Breakers.Stats()
		for _, b := range resp.Breakers {
			if b.State != circuitbreaker.StateClosed.String() && code == http.StatusOK {
				resp.Status = "degraded"
			}
		}
	}

	h.writeJSON(w, code, resp)
}

// ResetBreaker handles POST /v1/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.deps.Breakers == nil {
		h.unavailable(w, "Circuit breakers")
		return
	}
	name := chi.URLParam(r, "name")
	if !h.deps.Breakers.Reset(name) {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown circuit breaker", name)
		return
	}
	h.logger.Info("circuit breaker reset by operator", zap.String("name", name))
	h.writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": circuitbreaker.StateClosed.String()})
}
