package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/session"
	"github.com/lalithlochan/kabar/internal/templates"
)

// stay keeps the session on its current step and re-prompts.
func stay(s *session.Session, prompt string) transition {
	return transition{next: s, replies: []reply{text(prompt)}}
}

func withData(s *session.Session, step string, kv ...string) *session.Session {
	next := s.Clone()
	next.Step = step
	if next.Data == nil {
		next.Data = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		next.Data[kv[i]] = kv[i+1]
	}
	return next
}

func (d *Dispatcher) stepRegisterName(ctx context.Context, in *inbound, s *session.Session) (transition, error) {
	name := strings.Join(strings.Fields(in.text), " ")
	if n := utf8.RuneCountInString(name); n < 3 || n > 100 {
		return stay(s, "⚠️ Nama harus 3 sampai 100 karakter. Silakan masukkan *Nama Lengkap* Anda:"), nil
	}
	return transition{
		next:    withData(s, StepRegisterAddress, "name", name),
		replies: []reply{text("Terima kasih. Sekarang masukkan *Alamat Lengkap* Anda:")},
	}, nil
}

func (d *Dispatcher) stepRegisterAddress(ctx context.Context, in *inbound, s *session.Session) (transition, error) {
	address := strings.TrimSpace(in.text)
	if utf8.RuneCountInString(address) < 5 {
		return stay(s, "⚠️ Alamat terlalu pendek. Mohon masukkan *Alamat Lengkap* Anda:"), nil
	}
	return transition{
		next: withData(s, StepRegisterLocation, "address", address),
		replies: []reply{text("Terakhir, mohon kirimkan *Lokasi (Share Location)* Anda agar teknisi kami mudah menemukan lokasi pemasangan.\n\n" +
			"(Klik ikon klip/tambah -> Lokasi -> Kirim lokasi saat ini)")},
	}, nil
}

func (d *Dispatcher) stepRegisterLocation(ctx context.Context, in *inbound, s *session.Session) (transition, error) {
	if !in.hasLocation() {
		return stay(s, "📍 Mohon kirimkan format *Lokasi (Maps)*, bukan teks.\nAtau ketik *batal* untuk membatalkan."), nil
	}

	req := &db.RegistrationRequest{
		Phone:     in.phone,
		Name:      s.Value("name"),
		Address:   s.Value("address"),
		Latitude:  in.msg.Location.Latitude,
		Longitude: in.msg.Location.Longitude,
	}
	if err := d.deps.Directory.CreateRegistrationRequest(ctx, req); err != nil {
		return transition{}, fmt.Errorf("create registration request: %w", err)
	}

	d.notifyAdmins(ctx, fmt.Sprintf(
		"🆕 *Pendaftaran Baru*\n\nNama: %s\nAlamat: %s\nNo. WA: %s\nLokasi: https://maps.google.com/?q=%f,%f",
		req.Name, req.Address, req.Phone, req.Latitude, req.Longitude,
	))

	return finish(text(fmt.Sprintf(
		"✅ Terima kasih *%s*.\nData & lokasi Anda telah kami terima.\n\nAdmin kami akan segera menghubungi Anda untuk proses selanjutnya.",
		req.Name,
	))), nil
}

const maxPackages = 3

func (d *Dispatcher) stepPrepaidSelect(ctx context.Context, in *inbound, s *session.Session) (transition, error) {
	choice, err := strconv.Atoi(in.lower)
	if err != nil || choice < 1 || choice > maxPackages {
		return stay(s, "Balas dengan angka *1*, *2*, atau *3* untuk memilih paket, atau ketik *batal*."), nil
	}

	customerID, err := strconv.ParseInt(s.Value("customer_id"), 10, 64)
	if err != nil {
		return transition{}, fmt.Errorf("prepaid session without customer: %w", err)
	}

	pkgs, err := d.deps.Prepaid.ListPackages(ctx, maxPackages)
	if err != nil {
		return transition{}, fmt.Errorf("list prepaid packages: %w", err)
	}
	if choice > len(pkgs) {
		return stay(s, fmt.Sprintf("Pilihan tidak tersedia. Balas angka 1 sampai %d.", len(pkgs))), nil
	}
	pkg := pkgs[choice-1]

	req, err := d.deps.Prepaid.CreatePaymentRequest(ctx, customerID, pkg, d.cfg.PaymentRequestTTL)
	if err != nil {
		return transition{}, fmt.Errorf("create payment request: %w", err)
	}

	var banks []db.BankAccount
	if d.deps.Billing != nil {
		if banks, err = d.deps.Billing.ListBankAccounts(ctx); err != nil {
			d.logger.Warn("failed to load bank accounts for instructions")
		}
	}

	replies := []reply{text(paymentInstructions(pkg, req, banks, d.cfg.CompanyName))}
	if d.qrisAvailable(ctx) {
		replies = append(replies, reply{image: d.cfg.QRISImage, caption: "📱 Scan QR Code ini untuk pembayaran via QRIS"})
	}

	return transition{
		next: withData(s, StepWaitingPayment,
			"request_id", req.ID.String(),
			"total", strconv.FormatInt(req.TotalAmount, 10),
			"package", pkg.Name,
		),
		replies: replies,
	}, nil
}

func (d *Dispatcher) qrisAvailable(ctx context.Context) bool {
	if d.cfg.QRISImage == "" || d.deps.Files == nil {
		return false
	}
	ok, err := d.deps.Files.Exists(ctx, d.cfg.QRISImage)
	return err == nil && ok
}

func (d *Dispatcher) stepWaitingPayment(ctx context.Context, in *inbound, s *session.Session) (transition, error) {
	total, _ := strconv.ParseInt(s.Value("total"), 10, 64)
	if !in.hasImage() {
		return stay(s, fmt.Sprintf(
			"⏳ Menunggu pembayaran *%s* untuk paket %s.\n\nKirim *foto bukti transfer* ke nomor ini, atau ketik *batal* untuk membatalkan.",
			templates.FormatCurrency(total), s.Value("package"),
		)), nil
	}

	customerID, err := strconv.ParseInt(s.Value("customer_id"), 10, 64)
	if err != nil {
		return transition{}, fmt.Errorf("payment session without customer: %w", err)
	}
	requestID, err := uuid.Parse(s.Value("request_id"))
	if err != nil {
		return transition{}, fmt.Errorf("payment session without request: %w", err)
	}

	return d.handleProof(ctx, in, proofTarget{
		customerID: customerID,
		requestID:  &requestID,
		expected:   total,
		session:    s,
	})
}

func (d *Dispatcher) stepChangeWiFi(ctx context.Context, in *inbound, s *session.Session) (transition, error) {
	if d.deps.WiFi == nil {
		return finish(text(msgNoDevice)), nil
	}
	return d.applyWiFiPassword(ctx, s.Value("device_id"), strings.TrimSpace(in.text), s)
}

func (d *Dispatcher) stepConfirmName(ctx context.Context, in *inbound, s *session.Session) (transition, error) {
	switch in.lower {
	case "ya", "iya", "y":
	case "tidak", "tdk", "n":
		return finish(text("Perubahan nama dibatalkan.")), nil
	default:
		return stay(s, "Balas *ya* untuk mengubah nama atau *tidak* untuk membatalkan."), nil
	}

	customerID, err := strconv.ParseInt(s.Value("customer_id"), 10, 64)
	if err != nil {
		return transition{}, fmt.Errorf("rename session without customer: %w", err)
	}
	name := s.Value("name")

	err = d.deps.Directory.RenameCustomer(ctx, customerID, name)
	if errors.Is(err, db.ErrNameAlreadyChanged) {
		return finish(text(msgNameChanged)), nil
	}
	if err != nil {
		return transition{}, fmt.Errorf("rename customer: %w", err)
	}

	return finish(text(fmt.Sprintf(
		"✅ *Sukses!* Nama pelanggan berhasil diubah menjadi:\n\n*%s*\n\n_Fitur ubah nama mandiri hanya dapat digunakan satu kali._",
		name,
	))), nil
}
