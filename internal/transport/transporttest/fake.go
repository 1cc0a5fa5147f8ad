// Package transporttest provides a scriptable in-memory Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/lalithlochan/kabar/internal/transport"
)

// Sent records one outbound send.
type Sent struct {
	To      string
	Payload transport.Payload
}

// Fake is an in-memory transport. Events are injected with Emit.
type Fake struct {
	mu sync.Mutex

	events chan transport.Event

	// SendFunc overrides Send when set.
	SendFunc func(ctx context.Context, to string, p transport.Payload) (string, error)
	// RegisteredFunc overrides IsRegistered when set. Default: registered.
	RegisteredFunc func(ctx context.Context, to string) (bool, error)
	// ConnectErr is returned by Connect when set.
	ConnectErr error

	sent          []Sent
	presences     []string
	connectCalls  int
	disconnects   int
	clearSessions int
	nextID        int
}

// New creates a fake with a buffered event channel.
func New() *Fake {
	return &Fake{events: make(chan transport.Event, 64)}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.ConnectErr
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *Fake) ClearSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearSessions++
	return nil
}

func (f *Fake) Send(ctx context.Context, to string, p transport.Payload) (string, error) {
	f.mu.Lock()
	fn := f.SendFunc
	f.mu.Unlock()

	if fn != nil {
		id, err := fn(ctx, to, p)
		if err != nil {
			return "", err
		}
		f.record(to, p)
		return id, nil
	}

	return f.record(to, p), nil
}

func (f *Fake) record(to string, p transport.Payload) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, Sent{To: to, Payload: p})
	return fmt.Sprintf("msg-%d", f.nextID)
}

func (f *Fake) SendPresence(ctx context.Context, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, to)
	return nil
}

func (f *Fake) IsRegistered(ctx context.Context, to string) (bool, error) {
	f.mu.Lock()
	fn := f.RegisteredFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, to)
	}
	return true, nil
}

func (f *Fake) Events() <-chan transport.Event {
	return f.events
}

// Emit pushes an event as if the transport produced it.
func (f *Fake) Emit(ev transport.Event) {
	f.events <- ev
}

// Sent returns a copy of everything sent so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// ConnectCalls returns how many times Connect was called.
func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// ClearSessionCalls returns how many times ClearSession was called.
func (f *Fake) ClearSessionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearSessions
}

// Presences returns every recipient that received a typing indicator.
func (f *Fake) Presences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.presences))
	copy(out, f.presences)
	return out
}
