package wuzapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/transport"
)

// gateway is a scripted wuzapi server.
type gateway struct {
	mu       sync.Mutex
	requests map[string]map[string]any
	token    string
	loggedIn bool
	qr       string
	sendErr  string
	inWA     bool
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Token") != "user-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":401,"error":"unauthorized","success":false}`))
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	g.mu.Lock()
	g.requests[r.URL.Path] = body
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	reply := func(data any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": data, "success": true})
	}

	switch r.URL.Path {
	case "/session/connect", "/session/disconnect", "/session/logout", "/chat/presence", "/webhook":
		reply(map[string]any{"details": "ok"})
	case "/session/status":
		data := map[string]any{"Connected": true, "LoggedIn": g.loggedIn}
		if g.loggedIn {
			data["jid"] = "6281100000099:12@s.whatsapp.net"
			data["name"] = "Kabar Net"
		}
		reply(data)
	case "/session/qr":
		reply(map[string]any{"QRCode": g.qr})
	case "/chat/send/text", "/chat/send/image", "/chat/send/document":
		if g.sendErr != "" {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 500, "error": g.sendErr, "success": false})
			return
		}
		reply(map[string]any{"Details": "Sent", "Id": "3EB0ABC", "Timestamp": time.Now().Unix()})
	case "/user/check":
		reply(map[string]any{"Users": []map[string]any{{"Query": "6281234567890", "IsInWhatsapp": g.inWA, "JID": "6281234567890@s.whatsapp.net"}}})
	case "/chat/downloadimage":
		reply(map[string]any{"Data": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpegbytes")), "Mimetype": "image/jpeg"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *gateway) request(path string) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[path]
}

type memFiles map[string]string

func (m memFiles) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	data, ok := m[ref]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func setupGateway(t *testing.T, g *gateway) *Client {
	t.Helper()
	g.requests = make(map[string]map[string]any)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	files := memFiles{"invoices/7.pdf": "%PDF-1.4", "qris.png": "\x89PNG"}
	return New(Config{URL: srv.URL, Token: "user-token", WebhookURL: "http://kabar/webhooks/transport"}, files, zap.NewNop())
}

func nextEvent(t *testing.T, c *Client) transport.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
		return transport.Event{}
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name      string
		loggedIn  bool
		qr        string
		wantType  transport.EventType
		wantQR    string
		wantPhone string
	}{
		{"already paired", true, "", transport.EventConnected, "", "6281100000099"},
		{"needs pairing", false, "data:image/png;base64,AAAA", transport.EventQR, "data:image/png;base64,AAAA", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &gateway{loggedIn: tt.loggedIn, qr: tt.qr}
			c := setupGateway(t, g)

			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error: %v", err)
			}
			if g.request("/webhook")["webhookURL"] != "http://kabar/webhooks/transport" {
				t.Error("webhook not registered")
			}
			if g.request("/session/connect")["Immediate"] != true {
				t.Error("connect should be immediate")
			}

			ev := nextEvent(t, c)
			if ev.Type != tt.wantType {
				t.Fatalf("expected %s, got %s", tt.wantType, ev.Type)
			}
			if ev.QR != tt.wantQR {
				t.Errorf("expected qr %q, got %q", tt.wantQR, ev.QR)
			}
			if tt.wantPhone != "" && transport.PhoneOf(ev.Identity.ID) != tt.wantPhone {
				t.Errorf("unexpected identity %+v", ev.Identity)
			}
		})
	}
}

func TestSend(t *testing.T) {
	tests := []struct {
		name     string
		to       string
		payload  transport.Payload
		path     string
		check    func(t *testing.T, body map[string]any)
		wantErr  bool
		sendErr  string
		errClass error
	}{
		{
			name:    "text",
			to:      "6281234567890@s.whatsapp.net",
			payload: transport.Text("halo"),
			path:    "/chat/send/text",
			check: func(t *testing.T, body map[string]any) {
				if body["Phone"] != "6281234567890" || body["Body"] != "halo" {
					t.Errorf("unexpected body %v", body)
				}
			},
		},
		{
			name:    "group keeps full address",
			to:      "120363000000@g.us",
			payload: transport.Text("info"),
			path:    "/chat/send/text",
			check: func(t *testing.T, body map[string]any) {
				if body["Phone"] != "120363000000@g.us" {
					t.Errorf("unexpected phone %v", body["Phone"])
				}
			},
		},
		{
			name:    "image",
			to:      "6281234567890@s.whatsapp.net",
			payload: transport.Image("qris.png", "Scan untuk bayar"),
			path:    "/chat/send/image",
			check: func(t *testing.T, body map[string]any) {
				img, _ := body["Image"].(string)
				if !strings.HasPrefix(img, "data:image/png;base64,") || body["Caption"] != "Scan untuk bayar" {
					t.Errorf("unexpected image body %v", body)
				}
			},
		},
		{
			name:    "document",
			to:      "6281234567890@s.whatsapp.net",
			payload: transport.Document("invoices/7.pdf", "INV-7.pdf", ""),
			path:    "/chat/send/document",
			check: func(t *testing.T, body map[string]any) {
				doc, _ := body["Document"].(string)
				if !strings.HasPrefix(doc, "data:application/octet-stream;base64,") || body["FileName"] != "INV-7.pdf" {
					t.Errorf("unexpected document body %v", body)
				}
			},
		},
		{
			name:    "missing attachment",
			to:      "6281234567890@s.whatsapp.net",
			payload: transport.Image("nope.png", ""),
			wantErr: true,
		},
		{
			name:     "gateway not connected",
			to:       "6281234567890@s.whatsapp.net",
			payload:  transport.Text("halo"),
			sendErr:  "no session",
			wantErr:  true,
			errClass: transport.ErrNotReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &gateway{sendErr: tt.sendErr}
			c := setupGateway(t, g)

			id, err := c.Send(context.Background(), tt.to, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.errClass != nil && !errors.Is(err, tt.errClass) {
				t.Errorf("expected %v, got %v", tt.errClass, err)
			}
			if tt.wantErr {
				return
			}
			if id != "3EB0ABC" {
				t.Errorf("expected message id, got %q", id)
			}
			tt.check(t, g.request(tt.path))
		})
	}
}

func TestSend_GatewayDown(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", Token: "user-token", Timeout: time.Second}, nil, zap.NewNop())

	_, err := c.Send(context.Background(), "6281234567890@s.whatsapp.net", transport.Text("halo"))
	if !transport.IsConnectivity(err) {
		t.Errorf("expected connectivity error, got %v", err)
	}
}

func TestIsRegistered(t *testing.T) {
	for _, inWA := range []bool{true, false} {
		g := &gateway{inWA: inWA}
		c := setupGateway(t, g)

		got, err := c.IsRegistered(context.Background(), "6281234567890@s.whatsapp.net")
		if err != nil {
			t.Fatalf("IsRegistered() error: %v", err)
		}
		if got != inWA {
			t.Errorf("IsRegistered() = %v, want %v", got, inWA)
		}
	}
}

func TestSessionCalls(t *testing.T) {
	g := &gateway{}
	c := setupGateway(t, g)
	ctx := context.Background()

	if err := c.SendPresence(ctx, "6281234567890@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	if g.request("/chat/presence")["State"] != "composing" {
		t.Error("presence should be composing")
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.ClearSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.requests["/session/logout"]; !ok {
		t.Error("ClearSession should log out")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   error
	}{
		{500, "no session", transport.ErrNotReady},
		{500, "Not connected", transport.ErrNotReady},
		{503, "", transport.ErrUnavailable},
		{400, "missing Phone", nil},
	}
	for _, tt := range tests {
		err := classify("/chat/send/text", tt.status, tt.msg)
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("classify(%d, %q) = %v, want %v", tt.status, tt.msg, err, tt.want)
		}
		if tt.want == nil && transport.IsConnectivity(err) {
			t.Errorf("classify(%d, %q) should not be connectivity", tt.status, tt.msg)
		}
	}
}
