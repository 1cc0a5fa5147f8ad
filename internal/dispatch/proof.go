package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/session"
	"github.com/lalithlochan/kabar/internal/templates"
)

const (
	// ProofTolerance is how far an extracted amount may be from the expected one.
	ProofTolerance int64 = 1000
	// MinProofConfidence is the lowest extraction confidence that auto-approves.
	MinProofConfidence = 0.6
)

// ProofFields are what a verifier read off a transfer receipt.
type ProofFields struct {
	Amount       int64  `json:"amount"`
	BankAccount  string `json:"bank_account,omitempty"`
	TransferDate string `json:"transfer_date,omitempty"`
}

// ProofDetails travel with every verdict.
type ProofDetails struct {
	Fields     ProofFields
	Confidence float64
	ProofHash  string
}

func (p ProofDetails) Details() ProofDetails { return p }

// Verdict is one of AutoApproved, ManualReview or Rejected.
type Verdict interface {
	Details() ProofDetails
	verdict()
}

type AutoApproved struct {
	ProofDetails
}

type ManualReview struct {
	ProofDetails
	Reason string
}

type Rejected struct {
	ProofDetails
	Reason string
}

func (AutoApproved) verdict() {}
func (ManualReview) verdict() {}
func (Rejected) verdict()     {}

// ProofInput is one proof image with what it is expected to pay.
type ProofInput struct {
	CustomerID int64
	Image      []byte
	MimeType   string
	Expected   int64
	InvoiceID  *int64
	RequestID  *uuid.UUID
	Hash       string
}

type ProofVerifier interface {
	Verify(ctx context.Context, in ProofInput) (Verdict, error)
}

// Extraction is the raw read of a receipt image.
type Extraction struct {
	Fields     ProofFields
	Confidence float64
}

// Extractor reads receipt fields from an image. The assistant's vision
// model implements it.
type Extractor interface {
	ExtractProof(ctx context.Context, image []byte, mimeType string) (*Extraction, error)
}

// AmountVerifier decides a verdict by comparing the extracted amount with
// the expected one.
type AmountVerifier struct {
	extractor     Extractor
	tolerance     int64
	minConfidence float64
}

func NewAmountVerifier(extractor Extractor) *AmountVerifier {
	return &AmountVerifier{
		extractor:     extractor,
		tolerance:     ProofTolerance,
		minConfidence: MinProofConfidence,
	}
}

func (v *AmountVerifier) Verify(ctx context.Context, in ProofInput) (Verdict, error) {
	ext, err := v.extractor.ExtractProof(ctx, in.Image, in.MimeType)
	if err != nil {
		return nil, fmt.Errorf("extract proof fields: %w", err)
	}

	details := ProofDetails{Fields: ext.Fields, Confidence: ext.Confidence, ProofHash: in.Hash}
	amount := ext.Fields.Amount
	switch {
	case amount <= 0:
		return ManualReview{ProofDetails: details, Reason: "nominal tidak terbaca"}, nil
	case abs(amount-in.Expected) > v.tolerance:
		return Rejected{ProofDetails: details, Reason: fmt.Sprintf(
			"nominal %s tidak sesuai tagihan %s",
			templates.FormatCurrency(amount), templates.FormatCurrency(in.Expected),
		)}, nil
	case ext.Confidence < v.minConfidence:
		return ManualReview{ProofDetails: details, Reason: fmt.Sprintf("keyakinan rendah (%.2f)", ext.Confidence)}, nil
	}
	return AutoApproved{ProofDetails: details}, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func proofHash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// proofTarget says what a proof pays for. session is set inside waiting_payment.
type proofTarget struct {
	customerID int64
	invoiceID  *int64
	requestID  *uuid.UUID
	expected   int64
	session    *session.Session
}

var errNoProofStore = errors.New("payment proofs are not configured")

func (d *Dispatcher) invoiceProof(ctx context.Context, in *inbound) (transition, error) {
	if t, ok := d.mustBeCustomer(in); !ok {
		return t, nil
	}
	if d.deps.Billing == nil || d.deps.Proofs == nil {
		return d.menu(ctx, in)
	}

	// a prepaid customer whose session expired still has an open purchase
	if in.customer.BillingMode == "prepaid" && d.deps.Prepaid != nil {
		req, err := d.deps.Prepaid.PendingRequest(ctx, in.customer.ID)
		switch {
		case err == nil:
			return d.handleProof(ctx, in, proofTarget{
				customerID: in.customer.ID,
				requestID:  &req.ID,
				expected:   req.TotalAmount,
			})
		case !errors.Is(err, db.ErrNoPendingRequest):
			return transition{}, fmt.Errorf("pending payment request: %w", err)
		}
	}

	inv, err := d.deps.Billing.LatestUnpaidInvoice(ctx, in.customer.ID)
	if errors.Is(err, db.ErrInvoiceNotFound) {
		return replyOnly(text("ℹ️ Tidak ada tagihan yang perlu dibayar saat ini. Jika Anda merasa ini keliru, ketik *admin*.")), nil
	}
	if err != nil {
		return transition{}, fmt.Errorf("latest unpaid invoice: %w", err)
	}

	return d.handleProof(ctx, in, proofTarget{
		customerID: in.customer.ID,
		invoiceID:  &inv.ID,
		expected:   inv.RemainingAmount,
	})
}

func (d *Dispatcher) verify(ctx context.Context, in *inbound, target proofTarget, hash string) Verdict {
	if d.deps.Verifier == nil {
		return ManualReview{ProofDetails: ProofDetails{ProofHash: hash}, Reason: "verifikasi manual"}
	}
	v, err := d.deps.Verifier.Verify(ctx, ProofInput{
		CustomerID: target.customerID,
		Image:      in.msg.Media.Data,
		MimeType:   in.msg.Media.MimeType,
		Expected:   target.expected,
		InvoiceID:  target.invoiceID,
		RequestID:  target.requestID,
		Hash:       hash,
	})
	if err != nil || v == nil {
		d.logger.Warn("proof verification failed, queueing for review", zap.Error(err))
		return ManualReview{ProofDetails: ProofDetails{ProofHash: hash}, Reason: "verifikasi otomatis gagal"}
	}
	return v
}

// checkDuplicate rejects an image already approved or waiting for review.
// It returns nil when the image has not been used.
func (d *Dispatcher) checkDuplicate(ctx context.Context, hash string) (Verdict, error) {
	used, err := d.deps.Proofs.UsedProof(ctx, hash)
	if errors.Is(err, db.ErrProofNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check proof hash: %w", err)
	}

	reason := "bukti transfer duplikat, sudah pernah dikirim"
	if used.InvoiceID != nil {
		reason = fmt.Sprintf("bukti transfer duplikat, sudah dipakai untuk tagihan #%d", *used.InvoiceID)
	}
	d.logger.Warn("duplicate payment proof",
		zap.String("proof_hash", hash),
		zap.String("original_proof_id", used.ID.String()),
	)
	return Rejected{ProofDetails: ProofDetails{ProofHash: hash}, Reason: reason}, nil
}

func (d *Dispatcher) handleProof(ctx context.Context, in *inbound, target proofTarget) (transition, error) {
	if d.deps.Proofs == nil {
		return transition{}, errNoProofStore
	}

	hash := proofHash(in.msg.Media.Data)
	verdict, err := d.checkDuplicate(ctx, hash)
	if err != nil {
		return transition{}, err
	}
	if verdict == nil {
		verdict = d.verify(ctx, in, target, hash)
	}
	det := verdict.Details()
	proof := &db.PaymentProof{
		ID:             uuid.New(),
		CustomerID:     target.customerID,
		InvoiceID:      target.invoiceID,
		RequestID:      target.requestID,
		ExtractedTotal: det.Fields.Amount,
		Confidence:     det.Confidence,
		ProofHash:      hash,
	}

	done := func(r reply) transition {
		if target.session != nil {
			return finish(r)
		}
		return replyOnly(r)
	}

	switch v := verdict.(type) {
	case AutoApproved:
		if d.deps.Activation == nil {
			proof.Reason = "aktivasi otomatis tidak tersedia"
			if err := d.deps.Proofs.QueueProofReview(ctx, proof); err != nil {
				return transition{}, fmt.Errorf("queue proof review: %w", err)
			}
			metrics.RecordProofVerdict(db.ProofManualReview)
			return done(text(msgProofReview)), nil
		}
		if err := d.deps.Activation.ApprovePayment(ctx, proof); err != nil {
			return transition{}, fmt.Errorf("approve payment: %w", err)
		}
		metrics.RecordProofVerdict(db.ProofAutoApproved)
		return done(text(fmt.Sprintf(
			"✅ *Pembayaran Diterima*\n\nNominal %s telah kami terima dan diverifikasi. Terima kasih!",
			templates.FormatCurrency(v.Fields.Amount),
		))), nil

	case ManualReview:
		proof.Reason = v.Reason
		if err := d.deps.Proofs.QueueProofReview(ctx, proof); err != nil {
			return transition{}, fmt.Errorf("queue proof review: %w", err)
		}
		metrics.RecordProofVerdict(db.ProofManualReview)
		d.notifyAdmins(ctx, fmt.Sprintf(
			"🧾 *Bukti Transfer Perlu Dicek*\n\nPelanggan: %d\nNo. WA: %s\nAlasan: %s\nID: %s",
			target.customerID, maskSender(in.phone), v.Reason, proof.ID,
		))
		return done(text(msgProofReview)), nil

	case Rejected:
		proof.Reason = v.Reason
		if err := d.deps.Proofs.RecordProofRejection(ctx, proof); err != nil {
			return transition{}, fmt.Errorf("record proof rejection: %w", err)
		}
		metrics.RecordProofVerdict(db.ProofRejected)
		msg := fmt.Sprintf("❌ *Bukti Transfer Ditolak*\n\nAlasan: %s\n\nSilakan kirim ulang bukti yang benar atau ketik *admin*.", v.Reason)
		if target.session != nil {
			return stay(target.session, msg), nil
		}
		return replyOnly(text(msg)), nil
	}
	return transition{}, fmt.Errorf("unknown verdict %T", verdict)
}

const msgProofReview = "⏳ *Bukti Transfer Diterima*\n\nBukti pembayaran Anda sedang diverifikasi oleh admin. Kami akan mengabari Anda setelah selesai."
