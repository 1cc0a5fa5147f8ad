package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/session"
	"github.com/lalithlochan/kabar/internal/templates"
)

type commandFunc func(ctx context.Context, in *inbound) (transition, error)

// command picks the handler for a top-level text message, or nil.
func (d *Dispatcher) command(in *inbound) (string, commandFunc) {
	switch kw := in.keyword(); {
	case kw == "daftar":
		return "register", d.cmdRegister
	case in.lower == "tagihan" || in.lower == "cek tagihan" || in.lower == "cek":
		return "bill", d.cmdBill
	case kw == "kurang" || kw == "hutang":
		return "balance", d.cmdBalance
	case kw == "beli" || kw == "paket" || kw == "voucher":
		return "prepaid", d.cmdBuy
	case in.lower == "wifi" || in.lower == "cek wifi" || in.lower == "info wifi":
		return "wifi", d.cmdWiFi
	case strings.HasPrefix(in.lower, "ganti password") || strings.HasPrefix(in.lower, "ganti sandi"):
		return "wifi_password", d.cmdChangePassword
	case strings.HasPrefix(in.lower, "ganti nama") || strings.HasPrefix(in.lower, "ubah nama"):
		return "rename", d.cmdRename
	case kw == "admin" || kw == "kontak" || kw == "operator":
		return "admin_contact", d.cmdAdminContact
	case in.lower == "status" && in.role == db.RoleAdmin:
		return "status", d.cmdStatus
	case in.lower == "restart" && in.role == db.RoleAdmin:
		return "restart", d.cmdRestart
	case kw == "!ambil" && in.role.IsStaff():
		return "ticket", d.cmdTakeTicket
	case kw == "!selesai" && in.role.IsStaff():
		return "ticket", func(ctx context.Context, in *inbound) (transition, error) {
			return replyOnly(text("📸 Kirim foto hasil pekerjaan dengan caption:\n*!selesai <nomor tiket> <catatan>*")), nil
		}
	}
	return "", nil
}

// args returns the words of the original text after the first n.
func (in *inbound) args(n int) string {
	fields := strings.Fields(in.text)
	if len(fields) <= n {
		return ""
	}
	return strings.Join(fields[n:], " ")
}

func (d *Dispatcher) menu(ctx context.Context, in *inbound) (transition, error) {
	if err := d.resolve(ctx, in); err != nil {
		return transition{}, err
	}
	return replyOnly(text(menuText(in.role, in.customer, d.cfg.CompanyName))), nil
}

func (d *Dispatcher) fallback(ctx context.Context, in *inbound) (transition, error) {
	if d.deps.Assistant != nil && in.text != "" {
		name := ""
		if in.customer != nil {
			name = in.customer.Name
		}
		answer, err := d.deps.Assistant.Reply(ctx, in.text, in.role, name)
		if err == nil && strings.TrimSpace(answer) != "" {
			return replyOnly(text(answer)), nil
		}
		if err != nil {
			d.logger.Debug("assistant unavailable, showing menu", zap.Error(err))
		}
	}
	return d.menu(ctx, in)
}

func (d *Dispatcher) mustBeCustomer(in *inbound) (transition, bool) {
	if in.role != db.RoleCustomer || in.customer == nil {
		return replyOnly(text(msgNotRegistered)), false
	}
	return transition{}, true
}

func (d *Dispatcher) cmdRegister(ctx context.Context, in *inbound) (transition, error) {
	if in.role != db.RoleGuest {
		return replyOnly(text("✅ Nomor Anda sudah terdaftar. Ketik *menu* untuk melihat layanan.")), nil
	}
	return moveTo(StepRegisterName, map[string]string{},
		text("📝 *Registrasi Pelanggan Baru*\n\nSilakan masukkan *Nama Lengkap* Anda:\n\n_Ketik *batal* untuk membatalkan._"),
	), nil
}

func (d *Dispatcher) cmdBill(ctx context.Context, in *inbound) (transition, error) {
	if t, ok := d.mustBeCustomer(in); !ok {
		return t, nil
	}
	if d.deps.Billing == nil {
		return d.menu(ctx, in)
	}

	inv, err := d.deps.Billing.LatestUnpaidInvoice(ctx, in.customer.ID)
	if errors.Is(err, db.ErrInvoiceNotFound) {
		return replyOnly(text("✅ Terima kasih! Tidak ada tagihan yang tertunggak saat ini.")), nil
	}
	if err != nil {
		return transition{}, fmt.Errorf("latest unpaid invoice: %w", err)
	}
	return replyOnly(text(billText(inv))), nil
}

func (d *Dispatcher) cmdBalance(ctx context.Context, in *inbound) (transition, error) {
	if t, ok := d.mustBeCustomer(in); !ok {
		return t, nil
	}
	if d.deps.Billing == nil {
		return d.menu(ctx, in)
	}

	total, count, err := d.deps.Billing.OutstandingBalance(ctx, in.customer.ID)
	if err != nil {
		return transition{}, fmt.Errorf("outstanding balance: %w", err)
	}
	if count == 0 || total <= 0 {
		return replyOnly(text("✅ Tidak ada kekurangan pembayaran. Semua tagihan Anda sudah lunas.")), nil
	}
	return replyOnly(text(fmt.Sprintf(
		"💳 *Sisa Tagihan*\n\nJumlah tagihan belum lunas: %d\nTotal kekurangan: *%s*\n\nKetik *tagihan* untuk melihat rincian terbaru.",
		count, templates.FormatCurrency(total),
	))), nil
}

func (d *Dispatcher) cmdBuy(ctx context.Context, in *inbound) (transition, error) {
	if t, ok := d.mustBeCustomer(in); !ok {
		return t, nil
	}
	if d.deps.Prepaid == nil {
		return d.menu(ctx, in)
	}
	if in.customer.BillingMode != "prepaid" {
		return replyOnly(text(msgPostpaidOnly)), nil
	}

	pkgs, err := d.deps.Prepaid.ListPackages(ctx, maxPackages)
	if err != nil {
		return transition{}, fmt.Errorf("list prepaid packages: %w", err)
	}
	if len(pkgs) == 0 {
		return replyOnly(text("❌ *Layanan Prabayar Tidak Aktif*\n\nSaat ini tidak ada paket yang tersedia. Silakan hubungi admin.")), nil
	}

	return moveTo(StepPrepaidSelect,
		map[string]string{"customer_id": fmt.Sprint(in.customer.ID)},
		text(packagesText(pkgs)),
	), nil
}

func (d *Dispatcher) cmdWiFi(ctx context.Context, in *inbound) (transition, error) {
	if t, ok := d.mustBeCustomer(in); !ok {
		return t, nil
	}
	if d.deps.WiFi == nil || in.customer.DeviceID == "" {
		return replyOnly(text(msgNoDevice)), nil
	}

	ssid, password, err := d.deps.WiFi.WiFiCredentials(ctx, in.customer.DeviceID)
	if err != nil {
		return transition{}, fmt.Errorf("read wifi credentials: %w", err)
	}
	return replyOnly(text(fmt.Sprintf(
		"📶 *Info WiFi*\n\nNama WiFi (SSID): *%s*\nPassword: *%s*\n\nUntuk mengganti password ketik:\n*ganti password <password baru>*",
		ssid, password,
	))), nil
}

func (d *Dispatcher) cmdChangePassword(ctx context.Context, in *inbound) (transition, error) {
	if t, ok := d.mustBeCustomer(in); !ok {
		return t, nil
	}
	if d.deps.WiFi == nil || in.customer.DeviceID == "" {
		return replyOnly(text(msgNoDevice)), nil
	}

	password := in.args(2)
	if password == "" {
		return moveTo(StepChangeWiFi,
			map[string]string{"device_id": in.customer.DeviceID},
			text("🔐 Silakan kirim *password WiFi baru* Anda (8-63 karakter, tanpa spasi):"),
		), nil
	}
	return d.applyWiFiPassword(ctx, in.customer.DeviceID, password, nil)
}

// applyWiFiPassword validates and applies a new password. s is the
// change_wifi_pwd session when called from that step.
func (d *Dispatcher) applyWiFiPassword(ctx context.Context, deviceID, password string, s *session.Session) (transition, error) {
	if problem := validateWiFiPassword(password); problem != "" {
		if s != nil {
			return transition{next: s, replies: []reply{text(problem)}}, nil
		}
		return replyOnly(text(problem)), nil
	}

	if err := d.deps.WiFi.SetWiFiPassword(ctx, deviceID, password); err != nil {
		return transition{}, fmt.Errorf("set wifi password: %w", err)
	}
	return finish(text(fmt.Sprintf(
		"✅ *Password WiFi berhasil diganti!*\n\nPassword baru: *%s*\n\nPerangkat yang terhubung perlu login ulang dengan password baru.",
		password,
	))), nil
}

func validateWiFiPassword(p string) string {
	switch n := utf8.RuneCountInString(p); {
	case strings.ContainsAny(p, " \t"):
		return "⚠️ Password tidak boleh mengandung spasi. Silakan kirim password lain."
	case n < 8:
		return "⚠️ Password minimal 8 karakter. Silakan kirim password lain."
	case n > 63:
		return "⚠️ Password maksimal 63 karakter. Silakan kirim password lain."
	}
	return ""
}

func (d *Dispatcher) cmdRename(ctx context.Context, in *inbound) (transition, error) {
	if t, ok := d.mustBeCustomer(in); !ok {
		return t, nil
	}
	if in.customer.NameChanged {
		return replyOnly(text(msgNameChanged)), nil
	}

	name := in.args(2)
	if n := utf8.RuneCountInString(name); n < 3 || n > 100 {
		return replyOnly(text("⚠️ Nama tidak valid. Mohon masukkan nama lengkap.\nContoh: *ganti nama Budi Santoso*")), nil
	}

	return moveTo(StepConfirmName,
		map[string]string{"customer_id": fmt.Sprint(in.customer.ID), "name": name},
		text(fmt.Sprintf(
			"Nama pelanggan akan diubah dari *%s* menjadi *%s*.\n\n⚠️ Perubahan nama hanya dapat dilakukan satu kali.\n\nBalas *ya* untuk melanjutkan atau *tidak* untuk membatalkan.",
			in.customer.Name, name,
		)),
	), nil
}

func (d *Dispatcher) cmdAdminContact(ctx context.Context, in *inbound) (transition, error) {
	contact := d.cfg.AdminContact
	if contact == "" {
		contact = "-"
	}
	return replyOnly(text(fmt.Sprintf(
		"👨‍💼 *Kontak Admin %s*\n\nSilakan hubungi kami di:\n%s\n\n_Jam Operasional: 08:00 - 17:00_",
		d.cfg.CompanyName, contact,
	))), nil
}

func (d *Dispatcher) cmdStatus(ctx context.Context, in *inbound) (transition, error) {
	if d.deps.Connection == nil {
		return replyOnly(text("Status koneksi tidak tersedia.")), nil
	}
	st := d.deps.Connection.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "📡 *Status WhatsApp*\n\nState: %s\nReady: %v\nReconnect: %d", st.State, st.Ready, st.ReconnectAttempts)
	if st.Identity != nil {
		fmt.Fprintf(&b, "\nAkun: %s", st.Identity.ID)
	}
	if st.LastConnectedAt != nil {
		fmt.Fprintf(&b, "\nTerhubung sejak: %s", st.LastConnectedAt.Format("02/01/2006 15:04"))
	}
	if n, err := d.deps.Sessions.Len(ctx); err == nil {
		fmt.Fprintf(&b, "\nSesi aktif: %d", n)
	}
	return replyOnly(text(b.String())), nil
}

func (d *Dispatcher) cmdRestart(ctx context.Context, in *inbound) (transition, error) {
	if d.deps.Connection == nil {
		return replyOnly(text("Status koneksi tidak tersedia.")), nil
	}
	if err := d.deps.Connection.Restart(ctx); err != nil {
		return transition{}, fmt.Errorf("restart connection: %w", err)
	}
	return replyOnly(text("🔄 Koneksi WhatsApp sedang dimulai ulang.")), nil
}
