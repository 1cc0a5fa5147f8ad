package dispatch

import (
	"fmt"
	"strings"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/templates"
)

const (
	msgNotRegistered = "⚠️ Nomor Anda belum terdaftar sebagai pelanggan.\n\nKetik *daftar* untuk registrasi pelanggan baru atau *admin* untuk menghubungi kami."
	msgPostpaidOnly  = "ℹ️ Akun Anda menggunakan layanan *pascabayar*. Ketik *tagihan* untuk melihat tagihan bulan ini."
	msgNoDevice      = "⚠️ Perangkat WiFi Anda belum terhubung ke sistem. Silakan hubungi admin."
	msgNameChanged   = "⚠️ Nama pelanggan sudah pernah diubah. Perubahan berikutnya hanya dapat dilakukan melalui admin."
)

func menuText(role db.Role, c *db.Customer, company string) string {
	var b strings.Builder
	switch role {
	case db.RoleAdmin:
		fmt.Fprintf(&b, "👋 Halo Admin *%s*\n\n", company)
		b.WriteString("*status* - status koneksi WhatsApp\n")
		b.WriteString("*restart* - mulai ulang koneksi\n")
		b.WriteString("*!ambil <no>* - ambil tiket\n")
		b.WriteString("*!selesai <no> <catatan>* - selesaikan tiket (kirim dengan foto)\n")
	case db.RoleTechnician:
		b.WriteString("👷 *Menu Teknisi*\n\n")
		b.WriteString("*!ambil <no>* - ambil tiket\n")
		b.WriteString("*!selesai <no> <catatan>* - selesaikan tiket (kirim dengan foto)\n")
	case db.RoleCustomer:
		name := "Pelanggan"
		if c != nil && c.Name != "" {
			name = c.Name
		}
		fmt.Fprintf(&b, "👋 Halo *%s*, selamat datang di layanan %s.\n\n", name, company)
		if c != nil && c.BillingMode == "prepaid" {
			b.WriteString("*beli* - beli paket internet\n")
		} else {
			b.WriteString("*tagihan* - cek tagihan terbaru\n")
			b.WriteString("*kurang* - sisa kekurangan pembayaran\n")
		}
		b.WriteString("*wifi* - info nama & password WiFi\n")
		b.WriteString("*ganti password <baru>* - ganti password WiFi\n")
		b.WriteString("*ganti nama <nama>* - ubah nama pelanggan\n")
		b.WriteString("*admin* - kontak admin\n\n")
		b.WriteString("_Kirim foto bukti transfer untuk konfirmasi pembayaran._")
		return b.String()
	default:
		fmt.Fprintf(&b, "👋 Selamat datang di *%s*.\n\n", company)
		b.WriteString("*daftar* - registrasi pemasangan baru\n")
		b.WriteString("*admin* - kontak admin\n")
		return b.String()
	}
	b.WriteString("\n_Ketik *menu* kapan saja untuk kembali._")
	return b.String()
}

func billText(inv *db.Invoice) string {
	return fmt.Sprintf(
		"🧾 *Tagihan %s*\n\nNo. Invoice: %s\nPeriode: %s\nTotal: *%s*\nJatuh Tempo: %s\n\nKirim foto bukti transfer ke nomor ini untuk konfirmasi.",
		inv.Status,
		inv.Number,
		templates.FormatPeriod(inv.Period),
		templates.FormatCurrency(inv.RemainingAmount),
		templates.FormatDate(inv.DueDate),
	)
}

func packagesText(pkgs []db.PrepaidPackage) string {
	var b strings.Builder
	b.WriteString("📦 *Paket Internet Prabayar*\n\n")
	for i, p := range pkgs {
		if i >= maxPackages {
			break
		}
		fmt.Fprintf(&b, "*%d.* %s", i+1, p.Name)
		if p.Speed != "" {
			fmt.Fprintf(&b, " (%s)", p.Speed)
		}
		fmt.Fprintf(&b, " - %s / %d hari\n", templates.FormatCurrency(p.Price), p.DurationDays)
	}
	b.WriteString("\nBalas dengan *nomor paket* untuk membeli, atau ketik *batal*.")
	return b.String()
}

func paymentInstructions(pkg db.PrepaidPackage, req *db.PaymentRequest, banks []db.BankAccount, company string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💳 *Pembayaran Paket %s*\n\n", pkg.Name)
	fmt.Fprintf(&b, "Harga paket: %s\nKode unik: %d\n", templates.FormatCurrency(req.BaseAmount), req.UniqueCode)
	fmt.Fprintf(&b, "Total transfer: *%s*\n\n", templates.FormatCurrency(req.TotalAmount))
	b.WriteString("⚠️ Mohon transfer *tepat* sesuai nominal agar dapat diverifikasi otomatis.\n\n")
	if list := notify.BankList(banks); list != "" {
		fmt.Fprintf(&b, "*Rekening %s:*\n%s\n\n", company, list)
	}
	fmt.Fprintf(&b, "Batas pembayaran: %s %s\n\n", templates.FormatDate(req.ExpiresAt), req.ExpiresAt.Format("15:04"))
	b.WriteString("Setelah transfer, kirim *foto bukti transfer* ke nomor ini.")
	return b.String()
}
