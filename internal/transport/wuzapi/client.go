// Package wuzapi adapts the wuzapi REST gateway to transport.Transport.
// Outbound calls go over REST; inbound traffic and session changes arrive
// on the webhook handler.
package wuzapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/transport"
)

const eventBuffer = 64

// Opener reads outbound attachments, e.g. attachments.Router.
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

type Config struct {
	URL   string
	Token string
	// WebhookURL, when set, is registered with the gateway on Connect.
	WebhookURL string
	Timeout    time.Duration
}

// Client is one wuzapi user session.
type Client struct {
	http       *resty.Client
	files      Opener
	webhookURL string
	events     chan transport.Event
	logger     *zap.Logger
}

var _ transport.Transport = (*Client)(nil)

func New(cfg Config, files Opener, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetHeader("Token", cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	return &Client{
		http:       httpClient,
		files:      files,
		webhookURL: cfg.WebhookURL,
		events:     make(chan transport.Event, eventBuffer),
		logger:     logger,
	}
}

func (c *Client) Events() <-chan transport.Event { return c.events }

// envelope is the gateway's response wrapper.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Data    T      `json:"data"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// call performs one request and maps gateway failures onto the transport
// error categories.
func call[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var out envelope[T]
	req := c.http.R().SetContext(ctx).SetResult(&out).SetError(&out)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w: wuzapi %s: %v", transport.ErrUnavailable, path, err)
	}
	if resp.IsError() || (!out.Success && out.Error != "") {
		return out.Data, classify(path, resp.StatusCode(), out.Error)
	}
	return out.Data, nil
}

func classify(path string, status int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no session"), strings.Contains(lower, "not connected"), strings.Contains(lower, "not logged"):
		return fmt.Errorf("%w: %s", transport.ErrNotReady, msg)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: wuzapi %s returned %d", transport.ErrUnavailable, path, status)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("wuzapi rejected token on %s", path)
	}
	return fmt.Errorf("wuzapi %s failed (%d): %s", path, status, msg)
}

type sessionStatus struct {
	Connected bool   `json:"Connected"`
	LoggedIn  bool   `json:"LoggedIn"`
	JID       string `json:"jid"`
	Name      string `json:"name"`
}

type qrData struct {
	QRCode string `json:"QRCode"`
}

// emitNow never blocks; Connect runs on the manager's own goroutine.
func (c *Client) emitNow(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("transport event buffer full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// Connect starts the gateway session and reports where it stands: already
// logged in, or waiting for a QR scan.
func (c *Client) Connect(ctx context.Context) error {
	if c.webhookURL != "" {
		if _, err := call[map[string]any](ctx, c, http.MethodPost, "/webhook", map[string]any{
			"webhookURL": c.webhookURL,
		}); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
	}

	_, err := call[map[string]any](ctx, c, http.MethodPost, "/session/connect", map[string]any{
		"Subscribe": []string{"Message", "Connected", "QR", "LoggedOut", "StreamReplaced", "Disconnected"},
		"Immediate": true,
	})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already connected") {
		return err
	}

	st, err := call[sessionStatus](ctx, c, http.MethodGet, "/session/status", nil)
	if err != nil {
		return err
	}
	if st.LoggedIn {
		c.emitNow(transport.Event{Type: transport.EventConnected, Identity: identity(st)})
		return nil
	}

	qr, err := call[qrData](ctx, c, http.MethodGet, "/session/qr", nil)
	if err != nil {
		// the QR also arrives on the webhook
		c.logger.Debug("qr not available yet", zap.Error(err))
		return nil
	}
	if qr.QRCode != "" {
		c.emitNow(transport.Event{Type: transport.EventQR, QR: qr.QRCode})
	}
	return nil
}

func identity(st sessionStatus) *transport.Identity {
	if st.JID == "" {
		return nil
	}
	return &transport.Identity{ID: st.JID, DisplayName: st.Name}
}

func (c *Client) Disconnect(ctx context.Context) error {
	_, err := call[map[string]any](ctx, c, http.MethodPost, "/session/disconnect", nil)
	return err
}

func (c *Client) ClearSession(ctx context.Context) error {
	_, err := call[map[string]any](ctx, c, http.MethodPost, "/session/logout", nil)
	return err
}

// phone is the gateway's recipient form. Plain users go as digits; groups
// and channels keep their full address.
func phone(to string) string {
	if transport.IsBroadcastStyle(to) {
		return to
	}
	return transport.PhoneOf(to)
}

type sendResult struct {
	ID      string `json:"Id"`
	Details string `json:"Details"`
}

func (c *Client) Send(ctx context.Context, to string, p transport.Payload) (string, error) {
	var (
		path string
		body = map[string]any{"Phone": phone(to)}
	)

	switch p.Kind {
	case transport.KindText, "":
		path = "/chat/send/text"
		body["Body"] = p.Text
	case transport.KindImage:
		data, err := c.dataURL(ctx, p.AttachmentPath, transport.MimeTypeFor(p.AttachmentPath))
		if err != nil {
			return "", err
		}
		path = "/chat/send/image"
		body["Image"] = data
		body["Caption"] = p.Caption
	case transport.KindDocument:
		// the gateway only accepts documents as octet-stream
		data, err := c.dataURL(ctx, p.AttachmentPath, "application/octet-stream")
		if err != nil {
			return "", err
		}
		path = "/chat/send/document"
		body["Document"] = data
		body["FileName"] = p.FileName
		if p.Caption != "" {
			body["Caption"] = p.Caption
		}
	default:
		return "", fmt.Errorf("unsupported payload kind %q", p.Kind)
	}

	res, err := call[sendResult](ctx, c, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func (c *Client) dataURL(ctx context.Context, ref, mimeType string) (string, error) {
	if c.files == nil {
		return "", errors.New("no attachment store configured")
	}
	rc, err := c.files.Open(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("open attachment %s: %w", ref, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read attachment %s: %w", ref, err)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}

func (c *Client) SendPresence(ctx context.Context, to string) error {
	_, err := call[map[string]any](ctx, c, http.MethodPost, "/chat/presence", map[string]any{
		"Phone": phone(to),
		"State": "composing",
	})
	return err
}

type checkResult struct {
	Users []struct {
		Query        string `json:"Query"`
		IsInWhatsapp bool   `json:"IsInWhatsapp"`
		JID          string `json:"JID"`
	} `json:"Users"`
}

func (c *Client) IsRegistered(ctx context.Context, to string) (bool, error) {
	res, err := call[checkResult](ctx, c, http.MethodPost, "/user/check", map[string]any{
		"Phone": []string{phone(to)},
	})
	if err != nil {
		return false, err
	}
	for _, u := range res.Users {
		if u.IsInWhatsapp {
			return true, nil
		}
	}
	return false, nil
}

type downloadResult struct {
	Data     string `json:"Data"`
	Mimetype string `json:"Mimetype"`
}

// downloadImage asks the gateway to fetch and decrypt an inbound image.
func (c *Client) downloadImage(ctx context.Context, img *imageMessage) (*transport.Media, error) {
	res, err := call[downloadResult](ctx, c, http.MethodPost, "/chat/downloadimage", map[string]any{
		"Url":           img.URL,
		"DirectPath":    img.DirectPath,
		"MediaKey":      img.MediaKey,
		"Mimetype":      img.Mimetype,
		"FileEncSHA256": img.FileEncSHA256,
		"FileSHA256":    img.FileSHA256,
		"FileLength":    img.FileLength,
	})
	if err != nil {
		return nil, err
	}

	mimeType := res.Mimetype
	if mimeType == "" {
		mimeType = img.Mimetype
	}
	data, err := decodeDataURL(res.Data)
	if err != nil {
		return nil, err
	}
	return &transport.Media{Data: data, MimeType: mimeType}, nil
}

// decodeDataURL accepts "data:<mime>;base64,<payload>" or bare base64.
func decodeDataURL(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}
	return data, nil
}
