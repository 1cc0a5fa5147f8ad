package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/transport"
)

// fakeClock lets tests step past the recovery timeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second})
	trip(cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	tests := []struct {
		name      string
		probeOK   bool
		wantState State
	}{
		{"probe_succeeds", true, StateClosed},
		{"probe_fails", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
			trip(cb, 2)

			clock.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should still reject before the recovery timeout")
			}

			clock.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow probe after timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.probeOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.wantState {
				t.Errorf("state = %s, want %s", cb.GetState(), tt.wantState)
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second})
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 5})
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "ses" || stats.State != "closed" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Errorf("counters = %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Error("last_failure should be set")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s     State
		want  string
		gauge int
	}{
		{StateClosed, "closed", 0},
		{StateOpen, "open", 2},
		{StateHalfOpen, "half-open", 1},
		{State(99), "unknown", 0},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
		if got := tt.s.gauge(); got != tt.gauge {
			t.Errorf("State(%d).gauge() = %d, want %d", tt.s, got, tt.gauge)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(Config{MaxFailures: 1}, zap.NewNop())

	ses := reg.Get("ses")
	if reg.Get("ses") != ses {
		t.Fatal("Get should return the same breaker")
	}
	reg.Get("push")

	ses.Allow()
	ses.RecordFailure()

	stats := reg.Stats()
	if len(stats) != 2 || stats[0].Name != "push" || stats[1].Name != "ses" {
		t.Fatalf("unexpected stats order: %+v", stats)
	}
	if stats[1].State != "open" {
		t.Errorf("ses state = %s, want open", stats[1].State)
	}

	if !reg.Reset("ses") || ses.GetState() != StateClosed {
		t.Error("Reset should close the ses breaker")
	}
	if reg.Reset("sns") {
		t.Error("Reset of unknown breaker should report false")
	}
}

type MockSender struct {
	sendErr   error
	channel   string
	sendCalls int
}

func (m *MockSender) Send(ctx context.Context, d *notify.Delivery) error {
	m.sendCalls++
	return m.sendErr
}

func (m *MockSender) SupportsChannel(channel string) bool {
	return channel == m.channel
}

func testDelivery(ch string) *notify.Delivery {
	return &notify.Delivery{EntryID: uuid.New(), Channel: ch, To: "081234567890", Body: "halo"}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &MockSender{channel: db.ChannelEmail}
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 5})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	if err := ps.Send(context.Background(), testDelivery(db.ChannelEmail)); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
	if !ps.SupportsChannel(db.ChannelEmail) || ps.SupportsChannel(db.ChannelSMS) {
		t.Error("SupportsChannel should delegate")
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	mock := &MockSender{sendErr: fmt.Errorf("%w: ses 503", transport.ErrUnavailable), channel: db.ChannelEmail}
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	ps.Send(context.Background(), testDelivery(db.ChannelEmail))
	ps.Send(context.Background(), testDelivery(db.ChannelEmail))
	mock.sendCalls = 0

	err := ps.Send(context.Background(), testDelivery(db.ChannelEmail))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if !transport.IsConnectivity(err) {
		t.Error("open circuit must be connectivity-class so the sweep reschedules")
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_ContentFailuresDoNotTrip(t *testing.T) {
	mock := &MockSender{sendErr: transport.ErrInvalidRecipient, channel: db.ChannelWhatsApp}
	cb, _ := newTestBreaker(Config{Name: "whatsapp", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		err := ps.Send(context.Background(), testDelivery(db.ChannelWhatsApp))
		if !errors.Is(err, transport.ErrInvalidRecipient) {
			t.Fatalf("send %d: expected passthrough error, got %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
	if cb.Stats().TotalFailures != 0 {
		t.Errorf("failures = %d, want 0", cb.Stats().TotalFailures)
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &MockSender{channel: db.ChannelSMS}
	cb, clock := newTestBreaker(Config{Name: "sns", MaxFailures: 3, RecoveryTimeout: time.Minute})
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	d := testDelivery(db.ChannelSMS)

	if err := ps.Send(context.Background(), d); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	mock.sendErr = context.DeadlineExceeded
	for i := 0; i < 3; i++ {
		ps.Send(context.Background(), d)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("outage: expected open, got %s", cb.GetState())
	}

	mock.sendCalls = 0
	if err := ps.Send(context.Background(), d); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("fail fast: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("fail fast: sender should not be called")
	}

	clock.advance(time.Minute)
	mock.sendErr = nil
	if err := ps.Send(context.Background(), d); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("recovered: expected closed, got %s", cb.GetState())
	}
}
