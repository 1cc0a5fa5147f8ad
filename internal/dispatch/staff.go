package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/lalithlochan/kabar/internal/db"
)

func (d *Dispatcher) cmdTakeTicket(ctx context.Context, in *inbound) (transition, error) {
	if d.deps.Tickets == nil {
		return d.menu(ctx, in)
	}
	number := strings.ToUpper(strings.TrimSpace(in.args(1)))
	if number == "" {
		return replyOnly(text("Format: *!ambil <nomor tiket>*")), nil
	}

	t, err := d.deps.Tickets.TakeTicket(ctx, number, in.phone)
	if errors.Is(err, db.ErrTicketNotFound) {
		return replyOnly(text(fmt.Sprintf("❌ Tiket *%s* tidak ditemukan atau sudah diambil.", number))), nil
	}
	if err != nil {
		return transition{}, fmt.Errorf("take ticket: %w", err)
	}
	return replyOnly(text(fmt.Sprintf(
		"🛠️ Tiket *%s* sekarang Anda tangani.\n\nKeluhan: %s\n\nSetelah selesai kirim foto dengan caption *!selesai %s <catatan>*",
		t.Number, t.Subject, t.Number,
	))), nil
}

// completeTicket handles a photo captioned "!selesai <number> <note>".
func (d *Dispatcher) completeTicket(ctx context.Context, in *inbound) (transition, error) {
	if d.deps.Tickets == nil || d.deps.Files == nil {
		return d.menu(ctx, in)
	}
	fields := strings.Fields(in.text)
	if len(fields) < 2 {
		return replyOnly(text("Format caption: *!selesai <nomor tiket> <catatan>*")), nil
	}
	number := strings.ToUpper(fields[1])
	note := in.args(2)

	name := fmt.Sprintf("tickets/%s-%d%s", number, d.now().Unix(), photoExt(in.msg.Media.MimeType))
	ref, err := d.deps.Files.Save(ctx, name, bytes.NewReader(in.msg.Media.Data))
	if err != nil {
		return transition{}, fmt.Errorf("save ticket photo: %w", err)
	}

	t, err := d.deps.Tickets.CompleteTicket(ctx, number, in.phone, note, ref)
	if errors.Is(err, db.ErrTicketNotFound) {
		return replyOnly(text(fmt.Sprintf("❌ Tiket *%s* tidak ditemukan atau bukan milik Anda.", number))), nil
	}
	if err != nil {
		return transition{}, fmt.Errorf("complete ticket: %w", err)
	}

	d.notifyAdmins(ctx, fmt.Sprintf("✅ Tiket *%s* diselesaikan oleh %s.\nCatatan: %s", t.Number, maskSender(in.phone), note))
	return replyOnly(text(fmt.Sprintf("✅ Tiket *%s* ditandai selesai. Terima kasih!", t.Number))), nil
}

func photoExt(mimeType string) string {
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		for _, e := range exts {
			if e == ".jpg" || e == ".png" || e == ".webp" {
				return e
			}
		}
		return exts[0]
	}
	return ".jpg"
}
