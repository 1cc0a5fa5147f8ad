package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/lalithlochan/kabar/internal/db"
)

// Responder answers free-form chat questions the command router did not
// match.
type Responder struct {
	client  *Client
	company string
	admin   string
}

func NewResponder(client *Client, company, adminContact string) *Responder {
	return &Responder{client: client, company: company, admin: adminContact}
}

func (r *Responder) systemPrompt(role db.Role, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Anda adalah asisten customer service ramah untuk ISP bernama %q.\n", r.company)
	b.WriteString("Jawab singkat dalam Bahasa Indonesia, maksimal 5 kalimat, tanpa markdown selain *tebal*.\n")
	b.WriteString("Jangan mengarang data tagihan, harga paket, atau status perangkat.\n")

	switch role {
	case db.RoleAdmin, db.RoleTechnician:
		fmt.Fprintf(&b, "Lawan bicara adalah staf (%s) bernama %s. Boleh menjawab pertanyaan teknis jaringan.\n", role, name)
	case db.RoleCustomer:
		fmt.Fprintf(&b, "Lawan bicara adalah pelanggan bernama %s.\n", name)
		b.WriteString("Untuk cek tagihan arahkan ke perintah *tagihan*, untuk WiFi ke *wifi*, untuk daftar perintah ke *menu*.\n")
	default:
		b.WriteString("Lawan bicara belum terdaftar sebagai pelanggan. Arahkan ke perintah *daftar* untuk pemasangan baru.\n")
	}
	if r.admin != "" {
		fmt.Fprintf(&b, "Jika tidak tahu jawabannya, sarankan menghubungi admin di %s.\n", r.admin)
	}
	return b.String()
}

// Reply implements the dispatcher's fallback responder.
func (r *Responder) Reply(ctx context.Context, question string, role db.Role, name string) (string, error) {
	answer, err := r.client.GenerateText(ctx, r.systemPrompt(role, name), question)
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("empty assistant answer")
	}
	return answer, nil
}
