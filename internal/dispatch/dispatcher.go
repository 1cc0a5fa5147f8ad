// Package dispatch routes inbound chat messages to global commands,
// per-role commands, or the step handler of an active conversation.
package dispatch

import (
	"context"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/connection"
	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/outbound"
	"github.com/lalithlochan/kabar/internal/session"
	"github.com/lalithlochan/kabar/internal/transport"
)

// Replier sends chat replies. The outbound queue satisfies it.
type Replier interface {
	SendText(to, body string) (*outbound.Handle, error)
	SendImage(to, path, caption string) (*outbound.Handle, error)
}

// Directory resolves senders and stores chat-driven customer changes.
type Directory interface {
	ResolveRole(ctx context.Context, phone string) (db.Role, *db.Customer, error)
	RenameCustomer(ctx context.Context, id int64, name string) error
	CreateRegistrationRequest(ctx context.Context, req *db.RegistrationRequest) error
}

type Billing interface {
	LatestUnpaidInvoice(ctx context.Context, customerID int64) (*db.Invoice, error)
	OutstandingBalance(ctx context.Context, customerID int64) (int64, int, error)
	ListBankAccounts(ctx context.Context) ([]db.BankAccount, error)
}

type Prepaid interface {
	ListPackages(ctx context.Context, limit int) ([]db.PrepaidPackage, error)
	CreatePaymentRequest(ctx context.Context, customerID int64, pkg db.PrepaidPackage, ttl time.Duration) (*db.PaymentRequest, error)
	PendingRequest(ctx context.Context, customerID int64) (*db.PaymentRequest, error)
}

// Activation applies auto-approved payment proofs.
type Activation interface {
	ApprovePayment(ctx context.Context, proof *db.PaymentProof) error
}

type Proofs interface {
	UsedProof(ctx context.Context, hash string) (*db.PaymentProof, error)
	QueueProofReview(ctx context.Context, p *db.PaymentProof) error
	RecordProofRejection(ctx context.Context, p *db.PaymentProof) error
}

type Tickets interface {
	TakeTicket(ctx context.Context, number, technicianPhone string) (*db.Ticket, error)
	CompleteTicket(ctx context.Context, number, technicianPhone, note, photoRef string) (*db.Ticket, error)
}

// WiFi reads and changes the customer's CPE Wi-Fi settings.
type WiFi interface {
	WiFiCredentials(ctx context.Context, deviceID string) (ssid, password string, err error)
	SetWiFiPassword(ctx context.Context, deviceID, password string) error
}

// Connection is the admin view of the chat session.
type Connection interface {
	Status() connection.Status
	Restart(ctx context.Context) error
}

// Responder answers free text nobody else matched.
type Responder interface {
	Reply(ctx context.Context, question string, role db.Role, name string) (string, error)
}

// Files checks and stores attachments (QRIS image, ticket photos).
type Files interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// FloodGuard reports whether a sender may be processed right now.
type FloodGuard interface {
	Allow(ctx context.Context, sender string) bool
}

// AdminNotifier reaches staff about registrations and proofs awaiting review.
type AdminNotifier interface {
	BroadcastToAdmins(ctx context.Context, text string) (int, error)
}

// Deps are the dispatcher collaborators. Sessions, Replier and Directory
// are required; a nil optional collaborator disables its commands.
type Deps struct {
	Sessions   session.Store
	Replier    Replier
	Directory  Directory
	Billing    Billing
	Prepaid    Prepaid
	Activation Activation
	Proofs     Proofs
	Verifier   ProofVerifier
	Tickets    Tickets
	WiFi       WiFi
	Connection Connection
	Assistant  Responder
	Files      Files
	Flood      FloodGuard
	Admins     AdminNotifier
}

type Config struct {
	Workers           int
	CompanyName       string
	AdminContact      string
	QRISImage         string
	PaymentRequestTTL time.Duration
	// HandleTimeout bounds the work done for one inbound message.
	HandleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.CompanyName == "" {
		c.CompanyName = "Provider"
	}
	if c.PaymentRequestTTL <= 0 {
		c.PaymentRequestTTL = time.Hour
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 2 * time.Minute
	}
}

// Session steps.
const (
	StepRegisterName     = "register_name"
	StepRegisterAddress  = "register_address"
	StepRegisterLocation = "register_location"
	StepPrepaidSelect    = "prepaid_select"
	StepWaitingPayment   = "waiting_payment"
	StepChangeWiFi       = "change_wifi_pwd"
	StepConfirmName      = "confirm_name_match"
)

var escapeWords = map[string]bool{"menu": true, "cancel": true, "batal": true, "stop": true}

var greetingWords = map[string]bool{
	"halo": true, "hai": true, "p": true, "tes": true,
	"ping": true, "info": true, "help": true, "bantuan": true,
}

// Dispatcher is safe for concurrent use. Messages from one sender must be
// handled one at a time, which Run guarantees.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	steps  map[string]stepFunc
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{deps: deps, cfg: cfg, logger: logger, now: time.Now}
	d.steps = map[string]stepFunc{
		StepRegisterName:     d.stepRegisterName,
		StepRegisterAddress:  d.stepRegisterAddress,
		StepRegisterLocation: d.stepRegisterLocation,
		StepPrepaidSelect:    d.stepPrepaidSelect,
		StepWaitingPayment:   d.stepWaitingPayment,
		StepChangeWiFi:       d.stepChangeWiFi,
		StepConfirmName:      d.stepConfirmName,
	}
	return d
}

// Run consumes msgs until ctx ends or msgs is closed. Messages are sharded
// by sender so each sender is handled in order while different senders
// proceed in parallel.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan transport.Message) {
	shards := make([]chan transport.Message, d.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan transport.Message, 16)
		wg.Add(1)
		go func(in <-chan transport.Message) {
			defer wg.Done()
			for msg := range in {
				d.Handle(ctx, msg)
			}
		}(shards[i])
	}

	defer func() {
		for _, s := range shards {
			close(s)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case shards[shardFor(msg.From, len(shards))] <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func shardFor(sender string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(sender))
	return int(h.Sum32() % uint32(n))
}

// inbound is one message with its sender resolved lazily.
type inbound struct {
	msg   transport.Message
	from  string
	phone string
	text  string // trimmed original
	lower string // lower-cased, whitespace collapsed

	resolved bool
	role     db.Role
	customer *db.Customer
}

func newInbound(msg transport.Message) *inbound {
	text := strings.TrimSpace(msg.Text)
	return &inbound{
		msg:   msg,
		from:  msg.From,
		phone: transport.PhoneOf(msg.From),
		text:  text,
		lower: strings.ToLower(strings.Join(strings.Fields(text), " ")),
	}
}

func (in *inbound) keyword() string {
	if i := strings.IndexByte(in.lower, ' '); i >= 0 {
		return in.lower[:i]
	}
	return in.lower
}

func (in *inbound) hasLocation() bool { return in.msg.Location != nil }
func (in *inbound) hasImage() bool    { return in.msg.IsImage() }

// reply is one outbound message produced by a handler.
type reply struct {
	text    string
	image   string
	caption string
}

func text(s string) reply { return reply{text: s} }

// transition is what a handler wants committed once its side effects succeeded.
type transition struct {
	next    *session.Session // stored when non-nil
	clear   bool             // drop the session when next is nil
	replies []reply
}

func replyOnly(replies ...reply) transition {
	return transition{replies: replies}
}

func moveTo(step string, data map[string]string, replies ...reply) transition {
	return transition{next: &session.Session{Step: step, Data: data}, replies: replies}
}

func finish(replies ...reply) transition {
	return transition{clear: true, replies: replies}
}

// stepFunc runs the handler for an active session. A returned error means
// a side effect failed; the session stays as it was and nothing is sent.
type stepFunc func(ctx context.Context, in *inbound, s *session.Session) (transition, error)

// Handle processes one inbound message synchronously.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) {
	if msg.FromMe || msg.From == "" {
		return
	}
	in := newInbound(msg)
	if in.text == "" && msg.Media == nil && msg.Location == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandleTimeout)
	defer cancel()

	logger := d.logger.With(zap.String("recipient", maskSender(in.phone)))

	if d.deps.Flood != nil && !d.deps.Flood.Allow(ctx, in.from) {
		metrics.RecordInbound("flood")
		logger.Debug("sender over flood limit, dropping message")
		return
	}

	route, t, err := d.route(ctx, in)
	metrics.RecordInbound(route)
	if err != nil {
		logger.Warn("inbound handling failed", zap.String("route", route), zap.Error(err))
		return
	}
	d.commit(ctx, in, t, logger)
}

func (d *Dispatcher) route(ctx context.Context, in *inbound) (string, transition, error) {
	if escapeWords[in.lower] {
		if err := d.deps.Sessions.Clear(ctx, in.from); err != nil {
			return "escape", transition{}, err
		}
		t, err := d.menu(ctx, in)
		return "escape", t, err
	}

	s, err := d.deps.Sessions.Get(ctx, in.from)
	if err != nil {
		return "session", transition{}, err
	}
	if s != nil {
		step, ok := d.steps[s.Step]
		if !ok {
			d.logger.Warn("unknown session step, clearing", zap.String("step", s.Step))
			t, err := d.menu(ctx, in)
			t.clear = true
			return "step", t, err
		}
		t, err := step(ctx, in, s)
		return "step:" + s.Step, t, err
	}

	if err := d.resolve(ctx, in); err != nil {
		return "identity", transition{}, err
	}

	if greetingWords[in.lower] {
		t, err := d.menu(ctx, in)
		return "greeting", t, err
	}

	if in.hasImage() {
		return d.routeImage(ctx, in)
	}

	if route, cmd := d.command(in); cmd != nil {
		t, err := cmd(ctx, in)
		return route, t, err
	}

	t, err := d.fallback(ctx, in)
	return "assistant", t, err
}

func (d *Dispatcher) routeImage(ctx context.Context, in *inbound) (string, transition, error) {
	switch {
	case strings.HasPrefix(in.lower, "!selesai") && in.role.IsStaff():
		t, err := d.completeTicket(ctx, in)
		return "ticket", t, err
	case in.role == db.RoleCustomer:
		t, err := d.invoiceProof(ctx, in)
		return "proof", t, err
	default:
		t, err := d.menu(ctx, in)
		return "image", t, err
	}
}

// resolve looks up the sender once per message.
func (d *Dispatcher) resolve(ctx context.Context, in *inbound) error {
	if in.resolved {
		return nil
	}
	role, c, err := d.deps.Directory.ResolveRole(ctx, in.phone)
	if err != nil {
		return err
	}
	in.role, in.customer, in.resolved = role, c, true
	return nil
}

func (d *Dispatcher) commit(ctx context.Context, in *inbound, t transition, logger *zap.Logger) {
	switch {
	case t.next != nil:
		if err := d.deps.Sessions.Set(ctx, in.from, t.next); err != nil {
			logger.Warn("failed to store session", zap.String("step", t.next.Step), zap.Error(err))
			return
		}
	case t.clear:
		if err := d.deps.Sessions.Clear(ctx, in.from); err != nil {
			logger.Warn("failed to clear session", zap.Error(err))
			return
		}
	}

	for _, r := range t.replies {
		var err error
		if r.image != "" {
			_, err = d.deps.Replier.SendImage(in.from, r.image, r.caption)
		} else {
			_, err = d.deps.Replier.SendText(in.from, r.text)
		}
		if err != nil {
			logger.Warn("failed to queue reply", zap.Error(err))
		}
	}
}

// notifyAdmins is best effort and runs after the user-facing work is done.
func (d *Dispatcher) notifyAdmins(ctx context.Context, text string) {
	if d.deps.Admins == nil {
		return
	}
	if _, err := d.deps.Admins.BroadcastToAdmins(ctx, text); err != nil {
		d.logger.Warn("admin broadcast failed", zap.Error(err))
	}
}

func maskSender(phone string) string {
	if len(phone) <= 3 {
		return phone
	}
	return phone[:3] + strings.Repeat("*", len(phone)-3)
}
