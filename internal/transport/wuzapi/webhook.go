package wuzapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/transport"
)

const (
	maxWebhookBody   = 32 << 20
	signatureHeader  = "X-Wuzapi-Signature"
	downloadDeadline = 30 * time.Second
)

type webhookPayload struct {
	Type         string          `json:"type"`
	Event        json.RawMessage `json:"event"`
	Base64       string          `json:"base64"`
	MimeType     string          `json:"mimeType"`
	FileName     string          `json:"fileName"`
	QRCode       string          `json:"qrCode"`
	QRCodeBase64 string          `json:"qrCodeBase64"`
}

type messageInfo struct {
	ID        string    `json:"ID"`
	Chat      string    `json:"Chat"`
	Sender    string    `json:"Sender"`
	IsFromMe  bool      `json:"IsFromMe"`
	IsGroup   bool      `json:"IsGroup"`
	PushName  string    `json:"PushName"`
	Timestamp time.Time `json:"Timestamp"`
}

type imageMessage struct {
	URL           string `json:"URL"`
	Mimetype      string `json:"mimetype"`
	Caption       string `json:"caption"`
	DirectPath    string `json:"directPath"`
	MediaKey      string `json:"mediaKey"`
	FileEncSHA256 string `json:"fileEncSHA256"`
	FileSHA256    string `json:"fileSHA256"`
	FileLength    uint64 `json:"fileLength"`
}

type messageEvent struct {
	Info    messageInfo `json:"Info"`
	Message struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage    *imageMessage `json:"imageMessage"`
		LocationMessage *struct {
			DegreesLatitude  float64 `json:"degreesLatitude"`
			DegreesLongitude float64 `json:"degreesLongitude"`
		} `json:"locationMessage"`
	} `json:"Message"`
}

// Webhook turns gateway callbacks into transport events on the client's
// Events channel.
type Webhook struct {
	client *Client
	secret string
	logger *zap.Logger
}

// NewWebhook creates the ingress handler. An empty secret disables
// signature checks.
func NewWebhook(client *Client, secret string, logger *zap.Logger) *Webhook {
	return &Webhook{client: client, secret: secret, logger: logger}
}

func (h *Webhook) validSignature(body []byte, signature string) bool {
	if h.secret == "" {
		return true
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	want, err := hex.DecodeString(signature)
	if err != nil || len(want) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if !h.validSignature(body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("invalid webhook signature", zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// older gateway builds post form data with the JSON in jsonData
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			http.Error(w, "invalid form payload", http.StatusBadRequest)
			return
		}
		body = []byte(form.Get("jsonData"))
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("invalid webhook payload", zap.Error(err))
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	ev, ok := h.translate(r.Context(), payload)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	select {
	case h.client.events <- ev:
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
		// the gateway retries on non-2xx
		http.Error(w, "event buffer full", http.StatusServiceUnavailable)
	}
}

func (h *Webhook) translate(ctx context.Context, p webhookPayload) (transport.Event, bool) {
	switch p.Type {
	case "Message":
		return h.message(ctx, p)
	case "QR":
		code := p.QRCode
		if code == "" {
			code = p.QRCodeBase64
		}
		if code == "" {
			return transport.Event{}, false
		}
		return transport.Event{Type: transport.EventQR, QR: code}, true
	case "Connected", "PairSuccess":
		ev := transport.Event{Type: transport.EventConnected}
		if st, err := call[sessionStatus](ctx, h.client, http.MethodGet, "/session/status", nil); err == nil {
			ev.Identity = identity(st)
		}
		return ev, true
	case "LoggedOut":
		return transport.Event{Type: transport.EventDisconnected, Reason: transport.CloseLoggedOut}, true
	case "StreamReplaced":
		return transport.Event{Type: transport.EventDisconnected, Reason: transport.CloseConflict}, true
	case "Disconnected", "KeepAliveTimeout", "ConnectFailure":
		return transport.Event{Type: transport.EventDisconnected, Reason: transport.CloseConnectionLost}, true
	}
	h.logger.Debug("ignoring webhook event", zap.String("type", p.Type))
	return transport.Event{}, false
}

func (h *Webhook) message(ctx context.Context, p webhookPayload) (transport.Event, bool) {
	var ev messageEvent
	if err := json.Unmarshal(p.Event, &ev); err != nil {
		h.logger.Warn("malformed message event", zap.Error(err))
		return transport.Event{}, false
	}
	if ev.Info.IsGroup {
		return transport.Event{}, false
	}

	from := ev.Info.Sender
	if from == "" {
		from = ev.Info.Chat
	}
	if i := strings.IndexByte(from, '@'); i >= 0 {
		from = transport.PhoneOf(from) + from[i:]
	}

	msg := &transport.Message{
		ID:        ev.Info.ID,
		From:      from,
		PushName:  ev.Info.PushName,
		FromMe:    ev.Info.IsFromMe,
		Timestamp: ev.Info.Timestamp,
	}

	m := ev.Message
	switch {
	case m.Conversation != "":
		msg.Text = m.Conversation
	case m.ExtendedTextMessage != nil:
		msg.Text = m.ExtendedTextMessage.Text
	case m.LocationMessage != nil:
		msg.Location = &transport.Location{
			Latitude:  m.LocationMessage.DegreesLatitude,
			Longitude: m.LocationMessage.DegreesLongitude,
		}
	case m.ImageMessage != nil:
		msg.Text = m.ImageMessage.Caption
		msg.Media = h.media(ctx, p, m.ImageMessage)
	}

	return transport.Event{Type: transport.EventMessage, Message: msg}, true
}

// media prefers the inline copy the gateway can attach and falls back to
// a download call.
func (h *Webhook) media(ctx context.Context, p webhookPayload, img *imageMessage) *transport.Media {
	if p.Base64 != "" {
		data, err := decodeDataURL(p.Base64)
		if err == nil {
			mimeType := p.MimeType
			if mimeType == "" {
				mimeType = img.Mimetype
			}
			return &transport.Media{Data: data, MimeType: mimeType, FileName: p.FileName}
		}
		h.logger.Warn("inline media not decodable", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(ctx, downloadDeadline)
	defer cancel()
	media, err := h.client.downloadImage(ctx, img)
	if err != nil {
		h.logger.Warn("image download failed", zap.Error(err))
		return nil
	}
	return media
}
