package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/connection"
	"github.com/lalithlochan/kabar/internal/outbound"
	"github.com/lalithlochan/kabar/internal/transport"
)

const (
	qrImageSize = 256
	pngDataURL  = "data:image/png;base64,"
)

// ConnectionStatus handles GET /v1/connection
func (h *Handler) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connection == nil {
		h.unavailable(w, "Chat connection")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Connection.Status())
}

// ConnectionQR handles GET /v1/connection/qr. ?format=png renders the code.
func (h *Handler) ConnectionQR(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connection == nil {
		h.unavailable(w, "Chat connection")
		return
	}

	st := h.deps.Connection.Status()
	if st.State != connection.StateQRPending || st.QR == "" {
		h.writeError(w, http.StatusNotFound, "no_qr", "No pairing code pending",
			"connection state is "+string(st.State))
		return
	}

	if r.URL.Query().Get("format") != "png" {
		h.writeJSON(w, http.StatusOK, map[string]string{"qr": st.QR, "state": string(st.State)})
		return
	}

	png, err := renderQR(st.QR)
	if err != nil {
		h.logger.Error("failed to render qr code", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "qr_error", "Failed to render QR code", "")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// renderQR encodes a raw pairing code. Gateways that already hand out a
// PNG data URL are passed through.
func renderQR(code string) ([]byte, error) {
	if b64, ok := strings.CutPrefix(code, pngDataURL); ok {
		return base64.StdEncoding.DecodeString(b64)
	}
	return qrcode.Encode(code, qrcode.Medium, qrImageSize)
}

// RestartConnection handles POST /v1/connection/restart
func (h *Handler) RestartConnection(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connection == nil {
		h.unavailable(w, "Chat connection")
		return
	}
	h.connectionAction(w, r, "restart", h.deps.Connection.Restart)
}

// LogoutConnection handles POST /v1/connection/logout
func (h *Handler) LogoutConnection(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connection == nil {
		h.unavailable(w, "Chat connection")
		return
	}
	h.connectionAction(w, r, "logout", h.deps.Connection.Logout)
}

func (h *Handler) connectionAction(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		h.logger.Error("connection action failed", zap.String("action", name), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "connection_error", "Connection "+name+" failed", err.Error())
		return
	}
	h.logger.Info("connection action requested", zap.String("action", name))
	h.writeJSON(w, http.StatusAccepted, map[string]string{"action": name, "status": "accepted"})
}

// MessageRequest is a direct chat send
type MessageRequest struct {
	To             string `json:"to"`
	Kind           string `json:"kind,omitempty"`
	Text           string `json:"text,omitempty"`
	AttachmentPath string `json:"attachment_path,omitempty"`
	Caption        string `json:"caption,omitempty"`
	FileName       string `json:"file_name,omitempty"`
	// Wait blocks until the queue resolves the job, bounded by WaitSeconds.
	Wait        bool `json:"wait"`
	WaitSeconds int  `json:"wait_seconds,omitempty"`
}

type MessageResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (m MessageRequest) payload() (transport.Payload, error) {
	switch transport.PayloadKind(m.Kind) {
	case "", transport.KindText:
		if m.Text == "" {
			return transport.Payload{}, errors.New("text is required")
		}
		return transport.Text(m.Text), nil
	case transport.KindImage:
		if m.AttachmentPath == "" {
			return transport.Payload{}, errors.New("attachment_path is required")
		}
		return transport.Image(m.AttachmentPath, m.Caption), nil
	case transport.KindDocument:
		if m.AttachmentPath == "" {
			return transport.Payload{}, errors.New("attachment_path is required")
		}
		return transport.Document(m.AttachmentPath, m.FileName, m.Caption), nil
	}
	return transport.Payload{}, errors.New("kind must be text, image or document")
}

// SendMessage handles POST /v1/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Messenger == nil {
		h.unavailable(w, "Outbound queue")
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.To == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient", "to is required")
		return
	}
	p, err := req.payload()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
		return
	}

	handle, err := h.deps.Messenger.Enqueue(req.To, p)
	switch {
	case errors.Is(err, transport.ErrInvalidRecipient):
		h.writeError(w, http.StatusBadRequest, "invalid_recipient", "Invalid recipient", err.Error())
		return
	case errors.Is(err, outbound.ErrQueueFull), errors.Is(err, outbound.ErrQueueStopped):
		w.Header().Set("Retry-After", "30")
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Outbound queue unavailable", err.Error())
		return
	case err != nil:
		h.logger.Error("failed to enqueue message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue message", "")
		return
	}

	if !req.Wait {
		h.writeJSON(w, http.StatusAccepted, MessageResponse{JobID: handle.ID, Status: "queued"})
		return
	}

	wait := 30 * time.Second
	if req.WaitSeconds > 0 && req.WaitSeconds < 120 {
		wait = time.Duration(req.WaitSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	res, err := handle.Wait(ctx)
	resp := MessageResponse{
		JobID:     handle.ID,
		Status:    string(res.Status),
		MessageID: res.MessageID,
		Attempts:  res.Attempts,
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) && res.Status == "":
		resp.Status = "queued"
		h.writeJSON(w, http.StatusAccepted, resp)
	case err != nil:
		resp.Error = err.Error()
		h.writeJSON(w, http.StatusBadGateway, resp)
	default:
		h.writeJSON(w, http.StatusOK, resp)
	}
}
