// Package transport defines the boundary between kabar and the chat
// transport that actually talks to WhatsApp. Everything above this package
// depends only on the Transport interface and the error categories below.
package transport

import (
	"context"
	"time"
)

// Transport is a single chat session supplied by an external library or gateway.
type Transport interface {
	// Connect starts (or resumes) the session. Progress is reported on Events.
	Connect(ctx context.Context) error
	// Disconnect closes the session but keeps credentials.
	Disconnect(ctx context.Context) error
	// ClearSession wipes stored credentials so the next Connect pairs from scratch.
	ClearSession(ctx context.Context) error
	Send(ctx context.Context, to string, payload Payload) (string, error)
	// SendPresence shows a typing indicator to the recipient.
	SendPresence(ctx context.Context, to string) error
	IsRegistered(ctx context.Context, to string) (bool, error)
	Events() <-chan Event
}

// EventType identifies a transport event.
type EventType string

const (
	EventQR           EventType = "qr"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
)

// CloseReason explains why a session closed.
type CloseReason string

const (
	CloseNormal         CloseReason = "normal"
	CloseConflict       CloseReason = "conflict" // session replaced by another device
	CloseLoggedOut      CloseReason = "logged_out"
	CloseConnectionLost CloseReason = "connection_lost"
)

// Identity is the account the session is logged in as.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Event is emitted by a Transport. Only the field matching Type is set.
type Event struct {
	Type     EventType
	QR       string
	Identity *Identity
	Reason   CloseReason
	Message  *Message
}

// Location is a shared map pin.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Media is an inbound attachment already downloaded by the transport.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Message is an inbound chat message.
type Message struct {
	ID        string
	From      string // canonical sender address
	PushName  string
	Text      string
	Media     *Media
	Location  *Location
	FromMe    bool
	Timestamp time.Time
}

// IsImage reports whether the message carries an image attachment.
func (m *Message) IsImage() bool {
	return m.Media != nil && len(m.Media.MimeType) >= 6 && m.Media.MimeType[:6] == "image/"
}
