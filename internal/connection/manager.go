// Package connection owns the single long-lived chat transport session.
//
// State transitions:
//
//	disconnected -> connecting:  Start, Restart, or a scheduled reconnect
//	connecting   -> qr_pending:  transport asks for pairing
//	qr_pending   -> ready:       pairing completed
//	connecting   -> ready:       session resumed
//	ready        -> disconnected: transport closed
//
// After an unexpected close the manager reconnects with a linear backoff
// capped at MaxDelay, and gives up after MaxReconnectAttempts by emitting
// EventManualIntervention.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/transport"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateQRPending    State = "qr_pending"
	StateReady        State = "ready"
)

// EventType identifies a lifecycle notification sent to listeners.
type EventType string

const (
	EventReady              EventType = "ready"
	EventQR                 EventType = "qr"
	EventDisconnected       EventType = "disconnected"
	EventManualIntervention EventType = "manual_intervention"
)

// Event is delivered to listeners registered with OnEvent.
type Event struct {
	Type     EventType
	QR       string
	Reason   transport.CloseReason
	Attempts int
}

// Config tunes reconnect and readiness behaviour.
type Config struct {
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	// ReinitDelay is used after a conflict or logged-out close, once credentials are wiped.
	ReinitDelay     time.Duration
	ReadyTimeout    time.Duration
	StaleMessageAge time.Duration
	MessageBuffer   int
}

// DefaultConfig returns the production reconnect policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:            2 * time.Second,
		MaxDelay:             30 * time.Second,
		MaxReconnectAttempts: 10,
		ReinitDelay:          3 * time.Second,
		ReadyTimeout:         30 * time.Second,
		StaleMessageAge:      5 * time.Minute,
		MessageBuffer:        256,
	}
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State             State               `json:"state"`
	Ready             bool                `json:"ready"`
	Connecting        bool                `json:"connecting"`
	QR                string              `json:"qr,omitempty"`
	Identity          *transport.Identity `json:"identity,omitempty"`
	ReconnectAttempts int                 `json:"reconnect_attempts"`
	LastConnectedAt   *time.Time          `json:"last_connected_at,omitempty"`
}

type stopper interface {
	Stop() bool
}

// Manager owns one transport session. It is safe for concurrent use.
type Manager struct {
	transport transport.Transport
	config    Config
	logger    *zap.Logger

	mu            sync.Mutex
	ctx           context.Context
	state         State
	qr            string
	identity      *transport.Identity
	attempts      int
	lastConnected *time.Time
	loggedOut     bool
	waiters       []chan error
	listeners     []func(Event)
	reconnect     stopper

	messages chan transport.Message

	now   func() time.Time
	after func(d time.Duration, f func()) stopper
}

// New creates a manager around t. Zero config fields take defaults.
func New(t transport.Transport, cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.ReinitDelay <= 0 {
		cfg.ReinitDelay = def.ReinitDelay
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.StaleMessageAge <= 0 {
		cfg.StaleMessageAge = def.StaleMessageAge
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = def.MessageBuffer
	}

	return &Manager{
		transport: t,
		config:    cfg,
		logger:    logger,
		ctx:       context.Background(),
		state:     StateDisconnected,
		messages:  make(chan transport.Message, cfg.MessageBuffer),
		now:       time.Now,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// ReconnectDelay is the wait before reconnect attempt n (1-based).
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(attempt) * base
	if d > max {
		return max
	}
	return d
}

// Start launches the event loop and the first connection attempt.
// The loop stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	go m.loop(ctx)
	return m.connect(ctx)
}

// Messages delivers inbound chat messages. Stale and self-sent messages
// are filtered out before they reach this channel.
func (m *Manager) Messages() <-chan transport.Message {
	return m.messages
}

// OnEvent registers a lifecycle listener. Listeners run on the event loop
// and must not block.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Ready reports whether sends are currently possible.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:             m.state,
		Ready:             m.state == StateReady,
		Connecting:        m.state == StateConnecting || m.state == StateQRPending,
		QR:                m.qr,
		ReconnectAttempts: m.attempts,
	}
	if m.identity != nil {
		id := *m.identity
		s.Identity = &id
	}
	if m.lastConnected != nil {
		t := *m.lastConnected
		s.LastConnectedAt = &t
	}
	return s
}

// Send delivers a payload through the transport. It never queues:
// when the session is not ready it returns transport.ErrNotReady.
func (m *Manager) Send(ctx context.Context, to string, p transport.Payload) (string, error) {
	if !m.Ready() {
		return "", transport.ErrNotReady
	}
	id, err := m.transport.Send(ctx, to, p)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", to, err)
	}
	return id, nil
}

// SendPresence shows a typing indicator.
func (m *Manager) SendPresence(ctx context.Context, to string) error {
	if !m.Ready() {
		return transport.ErrNotReady
	}
	return m.transport.SendPresence(ctx, to)
}

// IsRegistered checks whether to is a registered chat user.
func (m *Manager) IsRegistered(ctx context.Context, to string) (bool, error) {
	if !m.Ready() {
		return false, transport.ErrNotReady
	}
	return m.transport.IsRegistered(ctx, to)
}

// WaitForReady blocks until the session is ready, a QR challenge arrives,
// ctx ends, or timeout elapses. A zero timeout uses Config.ReadyTimeout.
// It does not abort the underlying connection attempt.
func (m *Manager) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.config.ReadyTimeout
	}

	m.mu.Lock()
	if m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	removed := m.removeWaiter(ch)
	qr := m.qr
	m.mu.Unlock()

	if !removed {
		// resolved between the timeout firing and taking the lock
		return <-ch
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if qr != "" {
		return transport.ErrNeedsQR
	}
	return transport.ErrReadyTimeout
}

// Restart drops the current session and connects again with a fresh
// reconnect budget.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	m.stopReconnectLocked()
	m.loggedOut = false
	m.attempts = 0
	m.state = StateDisconnected
	m.qr = ""
	m.mu.Unlock()

	m.logger.Info("restarting transport session")

	if err := m.transport.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect before restart failed", zap.Error(err))
	}
	return m.connect(ctx)
}

// Logout wipes credentials and stays disconnected until Restart.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.stopReconnectLocked()
	m.loggedOut = true
	m.state = StateDisconnected
	m.identity = nil
	m.qr = ""
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		w <- transport.ErrNotReady
	}
	metrics.SetConnectionState(string(StateDisconnected))

	if err := m.transport.ClearSession(ctx); err != nil {
		return fmt.Errorf("clear transport session: %w", err)
	}

	m.logger.Info("transport session logged out")
	m.emit(Event{Type: EventDisconnected, Reason: transport.CloseLoggedOut})
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.stopReconnectLocked()
			m.mu.Unlock()
			m.logger.Info("connection manager stopping")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.loggedOut || m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	metrics.SetConnectionState(string(StateConnecting))

	if err := m.transport.Connect(ctx); err != nil {
		m.logger.Error("transport connect failed", zap.Error(err))
		m.handleClose(ctx, transport.CloseConnectionLost)
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

func (m *Manager) handle(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventQR:
		m.handleQR(ev.QR)
	case transport.EventConnected:
		m.handleConnected(ev.Identity)
	case transport.EventDisconnected:
		m.handleClose(ctx, ev.Reason)
	case transport.EventMessage:
		if ev.Message != nil {
			m.handleMessage(*ev.Message)
		}
	default:
		m.logger.Debug("ignoring transport event", zap.String("type", string(ev.Type)))
	}
}

func (m *Manager) handleQR(code string) {
	m.mu.Lock()
	m.state = StateQRPending
	m.qr = code
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		w <- transport.ErrNeedsQR
	}

	metrics.SetConnectionState(string(StateQRPending))
	m.logger.Info("transport requires QR pairing", zap.Int("rejected_waiters", len(waiters)))
	m.emit(Event{Type: EventQR, QR: code})
}

func (m *Manager) handleConnected(identity *transport.Identity) {
	now := m.now()

	m.mu.Lock()
	m.stopReconnectLocked()
	m.state = StateReady
	m.qr = ""
	m.attempts = 0
	m.lastConnected = &now
	if identity != nil {
		id := *identity
		id.ID = transport.PhoneOf(id.ID)
		m.identity = &id
	}
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	// arrival order
	for _, w := range waiters {
		w <- nil
	}

	metrics.SetConnectionState(string(StateReady))
	fields := []zap.Field{zap.Int("released_waiters", len(waiters))}
	if identity != nil {
		fields = append(fields, zap.String("identity", transport.PhoneOf(identity.ID)))
	}
	m.logger.Info("transport session ready", fields...)
	m.emit(Event{Type: EventReady})
}

func (m *Manager) handleClose(ctx context.Context, reason transport.CloseReason) {
	m.mu.Lock()

	if m.loggedOut {
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	}

	if reason == transport.CloseNormal && m.state != StateReady {
		// our own Disconnect during Restart; a new connect is already under way
		m.mu.Unlock()
		return
	}

	m.state = StateDisconnected
	m.qr = ""

	switch reason {
	case transport.CloseNormal:
		m.mu.Unlock()
		metrics.SetConnectionState(string(StateDisconnected))
		m.logger.Info("transport session closed")
		m.emit(Event{Type: EventDisconnected, Reason: reason})
		return

	case transport.CloseConflict, transport.CloseLoggedOut:
		m.attempts = 0
		m.identity = nil
		m.mu.Unlock()

		metrics.SetConnectionState(string(StateDisconnected))
		m.logger.Warn("transport session invalidated, clearing credentials",
			zap.String("reason", string(reason)),
		)
		if err := m.transport.ClearSession(ctx); err != nil {
			m.logger.Error("failed to clear transport session", zap.Error(err))
		}
		m.scheduleReconnect(m.config.ReinitDelay)
		m.emit(Event{Type: EventDisconnected, Reason: reason})
		return
	}

	if m.attempts >= m.config.MaxReconnectAttempts {
		attempts := m.attempts
		m.mu.Unlock()

		metrics.SetConnectionState(string(StateDisconnected))
		m.logger.Error("max reconnect attempts reached, manual intervention required",
			zap.Int("attempts", attempts),
		)
		m.emit(Event{Type: EventDisconnected, Reason: reason, Attempts: attempts})
		m.emit(Event{Type: EventManualIntervention, Attempts: attempts})
		return
	}

	m.attempts++
	attempts := m.attempts
	delay := ReconnectDelay(attempts, m.config.BaseDelay, m.config.MaxDelay)
	m.mu.Unlock()

	metrics.SetConnectionState(string(StateDisconnected))
	metrics.RecordReconnect()
	m.logger.Warn("transport disconnected, scheduling reconnect",
		zap.String("reason", string(reason)),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
	)
	m.scheduleReconnect(delay)
	m.emit(Event{Type: EventDisconnected, Reason: reason, Attempts: attempts})
}

func (m *Manager) handleMessage(msg transport.Message) {
	if msg.FromMe || msg.From == "" || msg.From == "status@broadcast" {
		return
	}
	if !msg.Timestamp.IsZero() && m.now().Sub(msg.Timestamp) > m.config.StaleMessageAge {
		m.logger.Debug("dropping stale inbound message",
			zap.String("message_id", msg.ID),
			zap.Time("timestamp", msg.Timestamp),
		)
		return
	}

	select {
	case m.messages <- msg:
	default:
		m.logger.Warn("inbound message buffer full, dropping message",
			zap.String("message_id", msg.ID),
		)
	}
}

func (m *Manager) scheduleReconnect(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopReconnectLocked()
	ctx := m.ctx
	m.reconnect = m.after(delay, func() {
		if err := m.connect(ctx); err != nil {
			m.logger.Debug("scheduled reconnect failed", zap.Error(err))
		}
	})
}

// stopReconnectLocked cancels a pending reconnect. Caller holds m.mu.
func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// removeWaiter drops ch from the waiter list. Caller holds m.mu.
func (m *Manager) removeWaiter(ch chan error) bool {
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := make([]func(Event), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
