package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/outbound"
	"github.com/lalithlochan/kabar/internal/session"
	"github.com/lalithlochan/kabar/internal/transport"
)

const (
	guestAddr    = "6281100000001@s.whatsapp.net"
	customerAddr = "6281100000002@s.whatsapp.net"
	prepaidAddr  = "6281100000003@s.whatsapp.net"
	techAddr     = "6281100000004@s.whatsapp.net"
	adminAddr    = "6281100000005@s.whatsapp.net"
)

type sentReply struct {
	To, Text, Image, Caption string
}

type MockReplier struct {
	mu   sync.Mutex
	sent []sentReply
}

func (m *MockReplier) SendText(to, body string) (*outbound.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentReply{To: to, Text: body})
	return nil, nil
}

func (m *MockReplier) SendImage(to, path, caption string) (*outbound.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentReply{To: to, Image: path, Caption: caption})
	return nil, nil
}

func (m *MockReplier) replies() []sentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentReply(nil), m.sent...)
}

func (m *MockReplier) last(t *testing.T) sentReply {
	t.Helper()
	all := m.replies()
	if len(all) == 0 {
		t.Fatal("expected a reply, got none")
	}
	return all[len(all)-1]
}

type MockDirectory struct {
	mu            sync.Mutex
	roles         map[string]db.Role
	customers     map[string]*db.Customer
	resolveCalls  int
	renameErr     error
	renamed       map[int64]string
	registerErr   error
	registrations []*db.RegistrationRequest
}

func newMockDirectory() *MockDirectory {
	return &MockDirectory{
		roles: map[string]db.Role{
			"6281100000002": db.RoleCustomer,
			"6281100000003": db.RoleCustomer,
			"6281100000004": db.RoleTechnician,
			"6281100000005": db.RoleAdmin,
		},
		customers: map[string]*db.Customer{
			"6281100000002": {ID: 42, Name: "Sari", BillingMode: "postpaid", DeviceID: "cpe-42"},
			"6281100000003": {ID: 43, Name: "Joko", BillingMode: "prepaid"},
		},
		renamed: map[int64]string{},
	}
}

func (m *MockDirectory) ResolveRole(ctx context.Context, phone string) (db.Role, *db.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveCalls++
	role, ok := m.roles[phone]
	if !ok {
		return db.RoleGuest, nil, nil
	}
	return role, m.customers[phone], nil
}

func (m *MockDirectory) RenameCustomer(ctx context.Context, id int64, name string) error {
	if m.renameErr != nil {
		return m.renameErr
	}
	m.renamed[id] = name
	return nil
}

func (m *MockDirectory) CreateRegistrationRequest(ctx context.Context, req *db.RegistrationRequest) error {
	if m.registerErr != nil {
		return m.registerErr
	}
	m.registrations = append(m.registrations, req)
	return nil
}

type MockBilling struct {
	invoice *db.Invoice
	err     error
	banks   []db.BankAccount
}

func (m *MockBilling) LatestUnpaidInvoice(ctx context.Context, customerID int64) (*db.Invoice, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.invoice == nil {
		return nil, db.ErrInvoiceNotFound
	}
	return m.invoice, nil
}

func (m *MockBilling) OutstandingBalance(ctx context.Context, customerID int64) (int64, int, error) {
	if m.invoice == nil {
		return 0, 0, nil
	}
	return m.invoice.RemainingAmount, 1, nil
}

func (m *MockBilling) ListBankAccounts(ctx context.Context) ([]db.BankAccount, error) {
	return m.banks, nil
}

type MockPrepaid struct {
	packages []db.PrepaidPackage
	created  []db.PrepaidPackage
	ttl      time.Duration
	request  *db.PaymentRequest
}

func (m *MockPrepaid) ListPackages(ctx context.Context, limit int) ([]db.PrepaidPackage, error) {
	return m.packages, nil
}

func (m *MockPrepaid) CreatePaymentRequest(ctx context.Context, customerID int64, pkg db.PrepaidPackage, ttl time.Duration) (*db.PaymentRequest, error) {
	m.created = append(m.created, pkg)
	m.ttl = ttl
	m.request = &db.PaymentRequest{
		ID:          uuid.New(),
		CustomerID:  customerID,
		PackageID:   pkg.ID,
		UniqueCode:  123,
		BaseAmount:  pkg.Price,
		TotalAmount: pkg.Price + 123,
		Status:      "pending",
		ExpiresAt:   time.Now().Add(ttl),
	}
	return m.request, nil
}

func (m *MockPrepaid) PendingRequest(ctx context.Context, customerID int64) (*db.PaymentRequest, error) {
	if m.request == nil || m.request.CustomerID != customerID {
		return nil, db.ErrNoPendingRequest
	}
	return m.request, nil
}

type MockProofs struct {
	approveErr error
	approved   []*db.PaymentProof
	reviews    []*db.PaymentProof
	rejections []*db.PaymentProof
}

func (m *MockProofs) UsedProof(ctx context.Context, hash string) (*db.PaymentProof, error) {
	for _, p := range append(append([]*db.PaymentProof(nil), m.approved...), m.reviews...) {
		if p.ProofHash == hash {
			return p, nil
		}
	}
	return nil, db.ErrProofNotFound
}

func (m *MockProofs) ApprovePayment(ctx context.Context, p *db.PaymentProof) error {
	if m.approveErr != nil {
		return m.approveErr
	}
	m.approved = append(m.approved, p)
	return nil
}

func (m *MockProofs) QueueProofReview(ctx context.Context, p *db.PaymentProof) error {
	m.reviews = append(m.reviews, p)
	return nil
}

func (m *MockProofs) RecordProofRejection(ctx context.Context, p *db.PaymentProof) error {
	m.rejections = append(m.rejections, p)
	return nil
}

type MockVerifier struct {
	verdict Verdict
	err     error
	inputs  []ProofInput
}

func (m *MockVerifier) Verify(ctx context.Context, in ProofInput) (Verdict, error) {
	m.inputs = append(m.inputs, in)
	return m.verdict, m.err
}

type MockTickets struct {
	taken     []string
	completed []string
	photoRefs []string
}

func (m *MockTickets) TakeTicket(ctx context.Context, number, technicianPhone string) (*db.Ticket, error) {
	if number != "T-1" {
		return nil, db.ErrTicketNotFound
	}
	m.taken = append(m.taken, number+"@"+technicianPhone)
	return &db.Ticket{Number: number, Subject: "internet mati"}, nil
}

func (m *MockTickets) CompleteTicket(ctx context.Context, number, technicianPhone, note, photoRef string) (*db.Ticket, error) {
	if number != "T-1" {
		return nil, db.ErrTicketNotFound
	}
	m.completed = append(m.completed, number+":"+note)
	m.photoRefs = append(m.photoRefs, photoRef)
	return &db.Ticket{Number: number}, nil
}

type MockWiFi struct {
	setErr    error
	passwords map[string]string
}

func (m *MockWiFi) WiFiCredentials(ctx context.Context, deviceID string) (string, string, error) {
	return "KABAR-" + deviceID, m.passwords[deviceID], nil
}

func (m *MockWiFi) SetWiFiPassword(ctx context.Context, deviceID, password string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.passwords[deviceID] = password
	return nil
}

type MockFiles struct {
	existing map[string]bool
	saved    map[string][]byte
}

func (m *MockFiles) Exists(ctx context.Context, ref string) (bool, error) {
	return m.existing[ref], nil
}

func (m *MockFiles) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.saved[name] = data
	return "mem://" + name, nil
}

type MockAssistant struct {
	mu  sync.Mutex
	err error
	// echo answers with the question itself
	echo bool
}

func (m *MockAssistant) Reply(ctx context.Context, question string, role db.Role, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.echo {
		return question, nil
	}
	return "jawaban untuk " + name, nil
}

type MockFlood struct{ allow bool }

func (m *MockFlood) Allow(ctx context.Context, sender string) bool { return m.allow }

type MockAdmins struct {
	mu    sync.Mutex
	texts []string
}

func (m *MockAdmins) BroadcastToAdmins(ctx context.Context, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return 1, nil
}

type fixture struct {
	d         *Dispatcher
	sessions  session.Store
	replier   *MockReplier
	directory *MockDirectory
	billing   *MockBilling
	prepaid   *MockPrepaid
	proofs    *MockProofs
	verifier  *MockVerifier
	tickets   *MockTickets
	wifi      *MockWiFi
	files     *MockFiles
	assistant *MockAssistant
	admins    *MockAdmins
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions:  session.NewMemoryStore(time.Minute, zap.NewNop()),
		replier:   &MockReplier{},
		directory: newMockDirectory(),
		billing:   &MockBilling{banks: []db.BankAccount{{BankName: "BCA", AccountNumber: "123", AccountName: "PT Kabar"}}},
		prepaid: &MockPrepaid{packages: []db.PrepaidPackage{
			{ID: 1, Name: "Harian", Price: 5000, DurationDays: 1},
			{ID: 2, Name: "Mingguan", Price: 30000, DurationDays: 7},
			{ID: 3, Name: "Bulanan", Price: 100000, DurationDays: 30},
		}},
		proofs:    &MockProofs{},
		verifier:  &MockVerifier{},
		tickets:   &MockTickets{},
		wifi:      &MockWiFi{passwords: map[string]string{"cpe-42": "lama12345"}},
		files:     &MockFiles{existing: map[string]bool{"qris.png": true}, saved: map[string][]byte{}},
		assistant: &MockAssistant{},
		admins:    &MockAdmins{},
	}
	f.d = New(Deps{
		Sessions:   f.sessions,
		Replier:    f.replier,
		Directory:  f.directory,
		Billing:    f.billing,
		Prepaid:    f.prepaid,
		Activation: f.proofs,
		Proofs:     f.proofs,
		Verifier:   f.verifier,
		Tickets:    f.tickets,
		WiFi:       f.wifi,
		Assistant:  f.assistant,
		Files:      f.files,
		Admins:     f.admins,
	}, Config{CompanyName: "Kabar Net", QRISImage: "qris.png"}, zap.NewNop())
	return f
}

func (f *fixture) say(from, text string) {
	f.d.Handle(context.Background(), transport.Message{From: from, Text: text})
}

func (f *fixture) sendImage(from, caption string) {
	f.d.Handle(context.Background(), transport.Message{
		From:  from,
		Text:  caption,
		Media: &transport.Media{Data: []byte("receipt-bytes"), MimeType: "image/jpeg"},
	})
}

func (f *fixture) step(t *testing.T, from string) string {
	t.Helper()
	s, err := f.sessions.Get(context.Background(), from)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s == nil {
		return ""
	}
	return s.Step
}

func TestHandle_EscapeWordClearsSession(t *testing.T) {
	for _, word := range []string{"menu", "BATAL", " cancel ", "stop"} {
		t.Run(word, func(t *testing.T) {
			f := setup(t)
			f.sessions.Set(context.Background(), guestAddr, &session.Session{Step: StepRegisterAddress})

			f.say(guestAddr, word)

			if step := f.step(t, guestAddr); step != "" {
				t.Errorf("step = %q, want cleared", step)
			}
			if r := f.replier.last(t); !strings.Contains(r.Text, "daftar") {
				t.Errorf("expected guest menu, got %q", r.Text)
			}
		})
	}
}

func TestHandle_SessionTakesPrecedenceOverCommands(t *testing.T) {
	f := setup(t)
	f.sessions.Set(context.Background(), guestAddr, &session.Session{
		Step: StepRegisterAddress,
		Data: map[string]string{"name": "Budi"},
	})

	// "tagihan" is a command outside a session but an address here
	f.say(guestAddr, "tagihan jalan mawar")

	if step := f.step(t, guestAddr); step != StepRegisterLocation {
		t.Fatalf("step = %q, want %q", step, StepRegisterLocation)
	}
	s, _ := f.sessions.Get(context.Background(), guestAddr)
	if s.Value("name") != "Budi" || s.Value("address") != "tagihan jalan mawar" {
		t.Errorf("session data = %v", s.Data)
	}
}

func TestHandle_GreetingInsideSessionIsStepInput(t *testing.T) {
	f := setup(t)
	f.sessions.Set(context.Background(), guestAddr, &session.Session{Step: StepRegisterName})

	f.say(guestAddr, "halo")

	// "halo" is a valid 4 character name while registering
	if step := f.step(t, guestAddr); step != StepRegisterAddress {
		t.Errorf("step = %q, want %q", step, StepRegisterAddress)
	}
}

func TestHandle_UnknownStepShowsMenu(t *testing.T) {
	f := setup(t)
	f.sessions.Set(context.Background(), guestAddr, &session.Session{Step: "retired_step"})

	f.say(guestAddr, "apa saja")

	if step := f.step(t, guestAddr); step != "" {
		t.Errorf("step = %q, want cleared", step)
	}
	if len(f.replier.replies()) != 1 {
		t.Errorf("replies = %d, want 1", len(f.replier.replies()))
	}
}

func TestRegistrationFlow(t *testing.T) {
	f := setup(t)

	f.say(guestAddr, "daftar")
	if step := f.step(t, guestAddr); step != StepRegisterName {
		t.Fatalf("after daftar: step = %q", step)
	}

	f.say(guestAddr, "Bu")
	if step := f.step(t, guestAddr); step != StepRegisterName {
		t.Fatalf("short name should stay on %s, got %q", StepRegisterName, step)
	}
	if r := f.replier.last(t); !strings.Contains(r.Text, "3 sampai 100") {
		t.Errorf("expected name validation, got %q", r.Text)
	}

	f.say(guestAddr, "Budi   Santoso")
	f.say(guestAddr, "Jl.")
	if step := f.step(t, guestAddr); step != StepRegisterAddress {
		t.Fatalf("short address should stay, got %q", step)
	}

	f.say(guestAddr, "Jl. Mawar No. 1")
	f.say(guestAddr, "di samping masjid")
	if step := f.step(t, guestAddr); step != StepRegisterLocation {
		t.Fatalf("text should not complete location step, got %q", step)
	}

	f.d.Handle(context.Background(), transport.Message{
		From:     guestAddr,
		Location: &transport.Location{Latitude: -6.2, Longitude: 106.8},
	})

	if step := f.step(t, guestAddr); step != "" {
		t.Errorf("session should be cleared, got %q", step)
	}
	if len(f.directory.registrations) != 1 {
		t.Fatalf("registrations = %d, want 1", len(f.directory.registrations))
	}
	req := f.directory.registrations[0]
	if req.Name != "Budi Santoso" || req.Address != "Jl. Mawar No. 1" || req.Phone != "6281100000001" {
		t.Errorf("registration = %+v", req)
	}
	if req.Latitude != -6.2 || req.Longitude != 106.8 {
		t.Errorf("location = %v,%v", req.Latitude, req.Longitude)
	}
	if len(f.admins.texts) != 1 {
		t.Errorf("admin notifications = %d, want 1", len(f.admins.texts))
	}
}

func TestRegister_AlreadyCustomer(t *testing.T) {
	f := setup(t)
	f.say(customerAddr, "daftar")
	if step := f.step(t, customerAddr); step != "" {
		t.Errorf("customer should not enter registration, got %q", step)
	}
}

func TestHandle_SideEffectErrorKeepsSessionAndIsSilent(t *testing.T) {
	f := setup(t)
	f.directory.registerErr = errors.New("db down")
	f.sessions.Set(context.Background(), guestAddr, &session.Session{
		Step: StepRegisterLocation,
		Data: map[string]string{"name": "Budi", "address": "Jl. Mawar"},
	})

	f.d.Handle(context.Background(), transport.Message{
		From:     guestAddr,
		Location: &transport.Location{Latitude: 1, Longitude: 2},
	})

	if step := f.step(t, guestAddr); step != StepRegisterLocation {
		t.Errorf("step = %q, want unchanged", step)
	}
	if n := len(f.replier.replies()); n != 0 {
		t.Errorf("replies = %d, want none", n)
	}
	if len(f.admins.texts) != 0 {
		t.Error("admins should not hear about a failed registration")
	}
}

func TestHandle_IgnoresOwnAndEmptyMessages(t *testing.T) {
	f := setup(t)
	f.d.Handle(context.Background(), transport.Message{From: guestAddr, Text: "halo", FromMe: true})
	f.d.Handle(context.Background(), transport.Message{From: guestAddr, Text: "   "})
	if n := len(f.replier.replies()); n != 0 {
		t.Errorf("replies = %d, want 0", n)
	}
}

func TestHandle_FloodGuardDrops(t *testing.T) {
	f := setup(t)
	f.d.deps.Flood = &MockFlood{allow: false}

	f.say(customerAddr, "tagihan")

	if n := len(f.replier.replies()); n != 0 {
		t.Errorf("replies = %d, want 0", n)
	}
	if f.directory.resolveCalls != 0 {
		t.Error("flooded sender should not be resolved")
	}
}

func TestBill(t *testing.T) {
	tests := []struct {
		name    string
		invoice *db.Invoice
		want    string
	}{
		{"no_invoice", nil, "Tidak ada tagihan"},
		{
			name: "unpaid",
			invoice: &db.Invoice{
				ID: 7, Number: "INV-7", Period: "2026-10", Status: "unpaid",
				RemainingAmount: 150000, DueDate: time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
			},
			want: "Rp 150.000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.billing.invoice = tt.invoice
			f.say(customerAddr, "Cek Tagihan")
			if r := f.replier.last(t); !strings.Contains(r.Text, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", r.Text, tt.want)
			}
		})
	}
}

func TestBill_Guest(t *testing.T) {
	f := setup(t)
	f.say(guestAddr, "tagihan")
	if r := f.replier.last(t); r.Text != msgNotRegistered {
		t.Errorf("reply = %q", r.Text)
	}
}

func TestPrepaidFlow(t *testing.T) {
	f := setup(t)

	f.say(prepaidAddr, "beli")
	if step := f.step(t, prepaidAddr); step != StepPrepaidSelect {
		t.Fatalf("step = %q, want %q", step, StepPrepaidSelect)
	}
	if r := f.replier.last(t); !strings.Contains(r.Text, "Mingguan") {
		t.Errorf("package list = %q", r.Text)
	}

	f.say(prepaidAddr, "9")
	if step := f.step(t, prepaidAddr); step != StepPrepaidSelect {
		t.Fatalf("invalid choice should stay, got %q", step)
	}

	before := len(f.replier.replies())
	f.say(prepaidAddr, "2")

	if len(f.prepaid.created) != 1 || f.prepaid.created[0].ID != 2 {
		t.Fatalf("created = %+v", f.prepaid.created)
	}
	if f.prepaid.ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", f.prepaid.ttl)
	}
	if step := f.step(t, prepaidAddr); step != StepWaitingPayment {
		t.Fatalf("step = %q, want %q", step, StepWaitingPayment)
	}

	replies := f.replier.replies()[before:]
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want instructions and QRIS", len(replies))
	}
	if !strings.Contains(replies[0].Text, "Rp 30.123") || !strings.Contains(replies[0].Text, "BCA") {
		t.Errorf("instructions = %q", replies[0].Text)
	}
	if replies[1].Image != "qris.png" {
		t.Errorf("second reply = %+v, want QRIS image", replies[1])
	}

	f.say(prepaidAddr, "sudah transfer")
	if step := f.step(t, prepaidAddr); step != StepWaitingPayment {
		t.Fatalf("text should keep waiting_payment, got %q", step)
	}

	f.verifier.verdict = AutoApproved{ProofDetails{Fields: ProofFields{Amount: 30123}, Confidence: 0.9}}
	f.sendImage(prepaidAddr, "")

	if len(f.proofs.approved) != 1 {
		t.Fatalf("approved = %d, want 1", len(f.proofs.approved))
	}
	got := f.proofs.approved[0]
	if got.RequestID == nil || *got.RequestID != f.prepaid.request.ID {
		t.Errorf("request id = %v, want %v", got.RequestID, f.prepaid.request.ID)
	}
	if f.verifier.inputs[0].Expected != 30123 {
		t.Errorf("expected amount = %d", f.verifier.inputs[0].Expected)
	}
	if step := f.step(t, prepaidAddr); step != "" {
		t.Errorf("session should be cleared after approval, got %q", step)
	}
}

func TestPrepaid_NoQRISFile(t *testing.T) {
	f := setup(t)
	f.files.existing = map[string]bool{}
	f.sessions.Set(context.Background(), prepaidAddr, &session.Session{
		Step: StepPrepaidSelect,
		Data: map[string]string{"customer_id": "43"},
	})

	f.say(prepaidAddr, "1")

	for _, r := range f.replier.replies() {
		if r.Image != "" {
			t.Errorf("unexpected image reply %+v", r)
		}
	}
}

func TestPrepaid_ProofAfterSessionExpired(t *testing.T) {
	f := setup(t)
	f.prepaid.request = &db.PaymentRequest{ID: uuid.New(), CustomerID: 43, TotalAmount: 30123, Status: "pending"}
	f.verifier.verdict = AutoApproved{ProofDetails{Fields: ProofFields{Amount: 30123}, Confidence: 0.9}}

	f.sendImage(prepaidAddr, "")

	if len(f.proofs.approved) != 1 {
		t.Fatalf("approved = %d, want 1", len(f.proofs.approved))
	}
	if got := f.proofs.approved[0]; got.RequestID == nil || *got.RequestID != f.prepaid.request.ID {
		t.Errorf("request id = %v, want %v", got.RequestID, f.prepaid.request.ID)
	}
	if f.verifier.inputs[0].Expected != 30123 {
		t.Errorf("expected amount = %d", f.verifier.inputs[0].Expected)
	}
}

func TestPrepaid_PostpaidCustomer(t *testing.T) {
	f := setup(t)
	f.say(customerAddr, "paket")
	if r := f.replier.last(t); r.Text != msgPostpaidOnly {
		t.Errorf("reply = %q", r.Text)
	}
}

func TestInvoiceProofVerdicts(t *testing.T) {
	details := ProofDetails{Fields: ProofFields{Amount: 150000}, Confidence: 0.8}
	tests := []struct {
		name       string
		verdict    Verdict
		verifyErr  error
		wantStore  string
		wantReply  string
		wantAdmins int
	}{
		{"auto_approved", AutoApproved{details}, nil, "approved", "Pembayaran Diterima", 0},
		{"manual_review", ManualReview{details, "keyakinan rendah"}, nil, "review", "sedang diverifikasi", 1},
		{"rejected", Rejected{details, "nominal tidak sesuai"}, nil, "rejected", "Ditolak", 0},
		{"verifier_error", nil, errors.New("vision down"), "review", "sedang diverifikasi", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.billing.invoice = &db.Invoice{ID: 7, RemainingAmount: 150000}
			f.verifier.verdict = tt.verdict
			f.verifier.err = tt.verifyErr

			f.sendImage(customerAddr, "")

			counts := map[string]int{
				"approved": len(f.proofs.approved),
				"review":   len(f.proofs.reviews),
				"rejected": len(f.proofs.rejections),
			}
			for store, n := range counts {
				want := 0
				if store == tt.wantStore {
					want = 1
				}
				if n != want {
					t.Errorf("%s records = %d, want %d", store, n, want)
				}
			}
			if r := f.replier.last(t); !strings.Contains(r.Text, tt.wantReply) {
				t.Errorf("reply = %q, want %q", r.Text, tt.wantReply)
			}
			if len(f.admins.texts) != tt.wantAdmins {
				t.Errorf("admin notifications = %d, want %d", len(f.admins.texts), tt.wantAdmins)
			}

			in := f.verifier.inputs[0]
			if in.InvoiceID == nil || *in.InvoiceID != 7 || in.Expected != 150000 {
				t.Errorf("proof input = %+v", in)
			}
			if in.Hash != proofHash([]byte("receipt-bytes")) || len(in.Hash) != 64 {
				t.Errorf("hash = %q", in.Hash)
			}
		})
	}
}

func TestInvoiceProof_DuplicateImageRejected(t *testing.T) {
	tests := []struct {
		name    string
		verdict Verdict
	}{
		{"already approved", AutoApproved{ProofDetails{Fields: ProofFields{Amount: 150000}, Confidence: 0.9}}},
		{"under review", ManualReview{ProofDetails{Fields: ProofFields{Amount: 150000}, Confidence: 0.4}, "keyakinan rendah"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.billing.invoice = &db.Invoice{ID: 7, RemainingAmount: 150000}
			f.verifier.verdict = tt.verdict

			f.sendImage(customerAddr, "")
			f.sendImage(customerAddr, "")

			if len(f.verifier.inputs) != 1 {
				t.Errorf("verifier called %d times, the resent image must not be verified again", len(f.verifier.inputs))
			}
			if got := len(f.proofs.approved) + len(f.proofs.reviews); got != 1 {
				t.Errorf("accepted proofs = %d, want 1", got)
			}
			if len(f.proofs.rejections) != 1 {
				t.Fatalf("rejections = %d, want 1", len(f.proofs.rejections))
			}
			if reason := f.proofs.rejections[0].Reason; !strings.Contains(reason, "duplikat") || !strings.Contains(reason, "#7") {
				t.Errorf("reason = %q", reason)
			}
			if r := f.replier.last(t); !strings.Contains(r.Text, "Ditolak") {
				t.Errorf("reply = %q", r.Text)
			}
		})
	}
}

func TestInvoiceProof_NoVerifierQueuesReview(t *testing.T) {
	f := setup(t)
	f.d.deps.Verifier = nil
	f.billing.invoice = &db.Invoice{ID: 7, RemainingAmount: 150000}

	f.sendImage(customerAddr, "")

	if len(f.proofs.reviews) != 1 || len(f.proofs.approved) != 0 {
		t.Errorf("reviews = %d, approved = %d", len(f.proofs.reviews), len(f.proofs.approved))
	}
	if f.proofs.reviews[0].ProofHash == "" {
		t.Error("proof hash should be recorded")
	}
}

func TestWaitingPayment_RejectedKeepsSession(t *testing.T) {
	f := setup(t)
	f.sessions.Set(context.Background(), prepaidAddr, &session.Session{
		Step: StepWaitingPayment,
		Data: map[string]string{"customer_id": "43", "request_id": uuid.NewString(), "total": "30123"},
	})
	f.verifier.verdict = Rejected{ProofDetails{}, "nominal tidak sesuai"}

	f.sendImage(prepaidAddr, "")

	if step := f.step(t, prepaidAddr); step != StepWaitingPayment {
		t.Errorf("step = %q, want %q", step, StepWaitingPayment)
	}
	if len(f.proofs.rejections) != 1 {
		t.Errorf("rejections = %d", len(f.proofs.rejections))
	}
}

func TestWaitingPayment_ApprovalFailureIsSilent(t *testing.T) {
	f := setup(t)
	f.proofs.approveErr = errors.New("tx failed")
	f.sessions.Set(context.Background(), prepaidAddr, &session.Session{
		Step: StepWaitingPayment,
		Data: map[string]string{"customer_id": "43", "request_id": uuid.NewString(), "total": "30123"},
	})
	f.verifier.verdict = AutoApproved{ProofDetails{Fields: ProofFields{Amount: 30123}, Confidence: 1}}

	f.sendImage(prepaidAddr, "")

	if step := f.step(t, prepaidAddr); step != StepWaitingPayment {
		t.Errorf("step = %q, want unchanged", step)
	}
	if n := len(f.replier.replies()); n != 0 {
		t.Errorf("replies = %d, want 0", n)
	}
}

type fakeExtractor struct {
	ext *Extraction
	err error
}

func (f fakeExtractor) ExtractProof(ctx context.Context, image []byte, mimeType string) (*Extraction, error) {
	return f.ext, f.err
}

func TestAmountVerifier(t *testing.T) {
	tests := []struct {
		name       string
		amount     int64
		confidence float64
		want       string
	}{
		{"exact", 150000, 0.9, "approved"},
		{"within_tolerance", 151000, 0.9, "approved"},
		{"over_tolerance", 151001, 0.9, "rejected"},
		{"under_tolerance", 148000, 0.99, "rejected"},
		{"low_confidence", 150000, 0.59, "review"},
		{"unreadable", 0, 0.9, "review"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewAmountVerifier(fakeExtractor{ext: &Extraction{
				Fields:     ProofFields{Amount: tt.amount},
				Confidence: tt.confidence,
			}})
			verdict, err := v.Verify(context.Background(), ProofInput{Expected: 150000, Hash: "h"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var got string
			switch verdict.(type) {
			case AutoApproved:
				got = "approved"
			case ManualReview:
				got = "review"
			case Rejected:
				got = "rejected"
			}
			if got != tt.want {
				t.Errorf("verdict = %s, want %s", got, tt.want)
			}
			if verdict.Details().ProofHash != "h" || verdict.Details().Confidence != tt.confidence {
				t.Errorf("details = %+v", verdict.Details())
			}
		})
	}
}

func TestAmountVerifier_ExtractorError(t *testing.T) {
	v := NewAmountVerifier(fakeExtractor{err: errors.New("timeout")})
	if _, err := v.Verify(context.Background(), ProofInput{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWiFi(t *testing.T) {
	f := setup(t)

	f.say(customerAddr, "wifi")
	if r := f.replier.last(t); !strings.Contains(r.Text, "KABAR-cpe-42") || !strings.Contains(r.Text, "lama12345") {
		t.Errorf("wifi info = %q", r.Text)
	}

	f.say(customerAddr, "ganti password pendek")
	if f.wifi.passwords["cpe-42"] != "lama12345" {
		t.Fatal("short password must not be applied")
	}

	f.say(customerAddr, "ganti password RahasiaBaru1")
	if f.wifi.passwords["cpe-42"] != "RahasiaBaru1" {
		t.Errorf("password = %q", f.wifi.passwords["cpe-42"])
	}
}

func TestWiFi_ChangePasswordStep(t *testing.T) {
	f := setup(t)

	f.say(customerAddr, "ganti sandi")
	if step := f.step(t, customerAddr); step != StepChangeWiFi {
		t.Fatalf("step = %q, want %q", step, StepChangeWiFi)
	}

	f.say(customerAddr, "ada spasi nya")
	if step := f.step(t, customerAddr); step != StepChangeWiFi {
		t.Fatalf("invalid password should stay, got %q", step)
	}

	f.say(customerAddr, "passwordbaru")
	if f.wifi.passwords["cpe-42"] != "passwordbaru" {
		t.Errorf("password = %q", f.wifi.passwords["cpe-42"])
	}
	if step := f.step(t, customerAddr); step != "" {
		t.Errorf("session should be cleared, got %q", step)
	}
}

func TestValidateWiFiPassword(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"12345678", true},
		{"1234567", false},
		{strings.Repeat("a", 63), true},
		{strings.Repeat("a", 64), false},
		{"with space1", false},
	}
	for _, tt := range tests {
		if got := validateWiFiPassword(tt.password) == ""; got != tt.ok {
			t.Errorf("validateWiFiPassword(%q) ok = %v, want %v", tt.password, got, tt.ok)
		}
	}
}

func TestRename(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		renameErr error
		wantName  string
		wantReply string
	}{
		{"confirmed", "ya", nil, "Sari Dewi", "Sukses"},
		{"declined", "tidak", nil, "", "dibatalkan"},
		{"already_changed", "ya", db.ErrNameAlreadyChanged, "", "sudah pernah diubah"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.directory.renameErr = tt.renameErr

			f.say(customerAddr, "ganti nama Sari Dewi")
			if step := f.step(t, customerAddr); step != StepConfirmName {
				t.Fatalf("step = %q, want %q", step, StepConfirmName)
			}

			f.say(customerAddr, "mungkin")
			if step := f.step(t, customerAddr); step != StepConfirmName {
				t.Fatalf("unclear answer should stay, got %q", step)
			}

			f.say(customerAddr, tt.answer)
			if got := f.directory.renamed[42]; got != tt.wantName {
				t.Errorf("renamed = %q, want %q", got, tt.wantName)
			}
			if r := f.replier.last(t); !strings.Contains(r.Text, tt.wantReply) {
				t.Errorf("reply = %q, want %q", r.Text, tt.wantReply)
			}
			if step := f.step(t, customerAddr); step != "" {
				t.Errorf("session should be cleared, got %q", step)
			}
		})
	}
}

func TestTickets(t *testing.T) {
	f := setup(t)

	f.say(techAddr, "!ambil t-1")
	if len(f.tickets.taken) != 1 || f.tickets.taken[0] != "T-1@6281100000004" {
		t.Fatalf("taken = %v", f.tickets.taken)
	}

	f.say(techAddr, "!ambil T-9")
	if r := f.replier.last(t); !strings.Contains(r.Text, "tidak ditemukan") {
		t.Errorf("reply = %q", r.Text)
	}

	f.say(techAddr, "!selesai T-1")
	if r := f.replier.last(t); !strings.Contains(r.Text, "Kirim foto") {
		t.Errorf("text-only completion should ask for a photo, got %q", r.Text)
	}

	f.sendImage(techAddr, "!selesai T-1 kabel diganti")
	if len(f.tickets.completed) != 1 || f.tickets.completed[0] != "T-1:kabel diganti" {
		t.Fatalf("completed = %v", f.tickets.completed)
	}
	if len(f.files.saved) != 1 {
		t.Fatalf("saved photos = %d", len(f.files.saved))
	}
	if ref := f.tickets.photoRefs[0]; !strings.HasPrefix(ref, "mem://tickets/T-1-") {
		t.Errorf("photo ref = %q", ref)
	}
}

func TestTickets_CustomerCannotTake(t *testing.T) {
	f := setup(t)
	f.say(customerAddr, "!ambil T-1")
	if len(f.tickets.taken) != 0 {
		t.Error("customer must not take tickets")
	}
}

func TestAdminCommands(t *testing.T) {
	f := setup(t)

	f.say(customerAddr, "status")
	if r := f.replier.last(t); strings.Contains(r.Text, "Status WhatsApp") {
		t.Error("status is admin only")
	}

	f.say(adminAddr, "status")
	if r := f.replier.last(t); !strings.Contains(r.Text, "tidak tersedia") {
		t.Errorf("reply = %q", r.Text)
	}
}

func TestFallback(t *testing.T) {
	t.Run("assistant_answers", func(t *testing.T) {
		f := setup(t)
		f.say(customerAddr, "kenapa internet lambat?")
		if r := f.replier.last(t); r.Text != "jawaban untuk Sari" {
			t.Errorf("reply = %q", r.Text)
		}
	})

	t.Run("assistant_fails_shows_menu", func(t *testing.T) {
		f := setup(t)
		f.assistant.err = errors.New("quota")
		f.say(customerAddr, "kenapa internet lambat?")
		if r := f.replier.last(t); !strings.Contains(r.Text, "Halo *Sari*") {
			t.Errorf("reply = %q", r.Text)
		}
	})
}

func TestMenuText(t *testing.T) {
	tests := []struct {
		role     db.Role
		customer *db.Customer
		want     string
		notWant  string
	}{
		{db.RoleGuest, nil, "daftar", "tagihan"},
		{db.RoleCustomer, &db.Customer{Name: "Sari"}, "tagihan", "daftar"},
		{db.RoleCustomer, &db.Customer{Name: "Joko", BillingMode: "prepaid"}, "beli", "kurang"},
		{db.RoleTechnician, nil, "!ambil", "restart"},
		{db.RoleAdmin, nil, "restart", "daftar"},
	}
	for _, tt := range tests {
		got := menuText(tt.role, tt.customer, "Kabar Net")
		if !strings.Contains(got, tt.want) || strings.Contains(got, tt.notWant) {
			t.Errorf("menuText(%s) = %q", tt.role, got)
		}
	}
}

func TestRun_PreservesPerSenderOrder(t *testing.T) {
	f := setup(t)
	f.assistant.echo = true
	f.d.cfg.Workers = 4

	senders := []string{customerAddr, prepaidAddr, "6281100000009@s.whatsapp.net"}
	msgs := make(chan transport.Message)
	done := make(chan struct{})
	go func() {
		f.d.Run(context.Background(), msgs)
		close(done)
	}()

	const perSender = 20
	for i := 0; i < perSender; i++ {
		for _, s := range senders {
			msgs <- transport.Message{From: s, Text: fmt.Sprintf("pesan %02d", i)}
		}
	}
	close(msgs)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}

	got := map[string][]string{}
	for _, r := range f.replier.replies() {
		got[r.To] = append(got[r.To], r.Text)
	}
	for _, s := range senders {
		if len(got[s]) != perSender {
			t.Fatalf("%s: replies = %d, want %d", s, len(got[s]), perSender)
		}
		for i, text := range got[s] {
			if want := fmt.Sprintf("pesan %02d", i); text != want {
				t.Errorf("%s reply %d = %q, want %q", s, i, text, want)
			}
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx, make(chan transport.Message))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
