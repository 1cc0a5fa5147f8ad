package wuzapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/transport"
)

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func post(h http.Handler, body, signature, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/transport", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWebhook_Signature(t *testing.T) {
	c := setupGateway(t, &gateway{})
	h := NewWebhook(c, "s3cret", zap.NewNop())
	body := `{"type":"LoggedOut","event":{}}`

	tests := []struct {
		name      string
		signature string
		expected  int
	}{
		{"valid", sign("s3cret", body), http.StatusOK},
		{"valid with prefix", "sha256=" + sign("s3cret", body), http.StatusOK},
		{"wrong secret", sign("other", body), http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(h, body, tt.signature, "application/json")
			if rr.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rr.Code)
			}
		})
	}
}

func TestWebhook_Events(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		check  func(t *testing.T, ev transport.Event)
		ignore bool
	}{
		{
			name: "text message",
			body: `{"type":"Message","event":{"Info":{"ID":"M1","Sender":"6281100000002:3@s.whatsapp.net","PushName":"Sari","IsFromMe":false},"Message":{"conversation":"tagihan"}}}`,
			check: func(t *testing.T, ev transport.Event) {
				if ev.Type != transport.EventMessage || ev.Message.Text != "tagihan" {
					t.Fatalf("unexpected event %+v", ev)
				}
				if ev.Message.From != "6281100000002@s.whatsapp.net" {
					t.Errorf("device suffix not stripped: %s", ev.Message.From)
				}
				if ev.Message.PushName != "Sari" {
					t.Errorf("push name lost: %q", ev.Message.PushName)
				}
			},
		},
		{
			name: "extended text",
			body: `{"type":"Message","event":{"Info":{"ID":"M2","Sender":"6281100000002@s.whatsapp.net"},"Message":{"extendedTextMessage":{"text":"menu"}}}}`,
			check: func(t *testing.T, ev transport.Event) {
				if ev.Message.Text != "menu" {
					t.Errorf("expected menu, got %q", ev.Message.Text)
				}
			},
		},
		{
			name: "location",
			body: `{"type":"Message","event":{"Info":{"ID":"M3","Sender":"6281100000001@s.whatsapp.net"},"Message":{"locationMessage":{"degreesLatitude":-6.2,"degreesLongitude":106.8}}}}`,
			check: func(t *testing.T, ev transport.Event) {
				if ev.Message.Location == nil || ev.Message.Location.Latitude != -6.2 {
					t.Errorf("location not parsed: %+v", ev.Message.Location)
				}
			},
		},
		{
			name: "image with inline base64",
			body: `{"type":"Message","base64":"` + base64.StdEncoding.EncodeToString([]byte("inline")) + `","mimeType":"image/png","event":{"Info":{"ID":"M4","Sender":"6281100000003@s.whatsapp.net"},"Message":{"imageMessage":{"caption":"bukti","mimetype":"image/png"}}}}`,
			check: func(t *testing.T, ev transport.Event) {
				if !ev.Message.IsImage() || string(ev.Message.Media.Data) != "inline" || ev.Message.Text != "bukti" {
					t.Errorf("inline image not decoded: %+v", ev.Message)
				}
			},
		},
		{
			name: "image downloaded from gateway",
			body: `{"type":"Message","event":{"Info":{"ID":"M5","Sender":"6281100000003@s.whatsapp.net"},"Message":{"imageMessage":{"URL":"https://mmg.whatsapp.net/x","mimetype":"image/jpeg","directPath":"/v/x","mediaKey":"a2V5","fileLength":9}}}}`,
			check: func(t *testing.T, ev transport.Event) {
				if !ev.Message.IsImage() || string(ev.Message.Media.Data) != "jpegbytes" {
					t.Errorf("image not downloaded: %+v", ev.Message.Media)
				}
			},
		},
		{
			name: "qr",
			body: `{"type":"QR","qrCode":"2@abc,def"}`,
			check: func(t *testing.T, ev transport.Event) {
				if ev.Type != transport.EventQR || ev.QR != "2@abc,def" {
					t.Errorf("unexpected event %+v", ev)
				}
			},
		},
		{
			name: "connected resolves identity",
			body: `{"type":"Connected","event":{}}`,
			check: func(t *testing.T, ev transport.Event) {
				if ev.Type != transport.EventConnected || ev.Identity == nil || ev.Identity.DisplayName != "Kabar Net" {
					t.Errorf("unexpected event %+v", ev)
				}
			},
		},
		{
			name: "stream replaced is a conflict",
			body: `{"type":"StreamReplaced","event":{}}`,
			check: func(t *testing.T, ev transport.Event) {
				if ev.Reason != transport.CloseConflict {
					t.Errorf("expected conflict, got %s", ev.Reason)
				}
			},
		},
		{
			name: "logged out",
			body: `{"type":"LoggedOut","event":{}}`,
			check: func(t *testing.T, ev transport.Event) {
				if ev.Reason != transport.CloseLoggedOut {
					t.Errorf("expected logged_out, got %s", ev.Reason)
				}
			},
		},
		{name: "group message ignored", body: `{"type":"Message","event":{"Info":{"ID":"G1","IsGroup":true,"Chat":"1203@g.us"},"Message":{"conversation":"hi"}}}`, ignore: true},
		{name: "read receipt ignored", body: `{"type":"ReadReceipt","event":{}}`, ignore: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupGateway(t, &gateway{loggedIn: true})
			h := NewWebhook(c, "", zap.NewNop())

			rr := post(h, tt.body, "", "application/json")
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}

			if tt.ignore {
				select {
				case ev := <-c.Events():
					t.Errorf("expected no event, got %+v", ev)
				default:
				}
				return
			}
			tt.check(t, nextEvent(t, c))
		})
	}
}

func TestWebhook_FormEncoded(t *testing.T) {
	c := setupGateway(t, &gateway{})
	h := NewWebhook(c, "", zap.NewNop())

	form := url.Values{"jsonData": {`{"type":"Message","event":{"Info":{"ID":"F1","Sender":"6281100000002@s.whatsapp.net"},"Message":{"conversation":"saldo"}}}`}}
	rr := post(h, form.Encode(), "", "application/x-www-form-urlencoded")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ev := nextEvent(t, c); ev.Message == nil || ev.Message.Text != "saldo" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestWebhook_BadJSON(t *testing.T) {
	c := setupGateway(t, &gateway{})
	h := NewWebhook(c, "", zap.NewNop())

	if rr := post(h, "{nope", "", "application/json"); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}
