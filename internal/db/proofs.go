package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertProof(ctx context.Context, q execer, p *PaymentProof) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment_proofs (
			id, customer_id, invoice_id, payment_request_id, status,
			extracted_amount, confidence, proof_hash, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		p.ID,
		p.CustomerID,
		p.InvoiceID,
		p.RequestID,
		p.Status,
		p.ExtractedTotal,
		p.Confidence,
		p.ProofHash,
		p.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert payment proof: %w", err)
	}
	return nil
}

// ProofStore persists payment-proof decisions that need no settlement
type ProofStore struct {
	db     *DB
	logger *zap.Logger
}

// NewProofStore creates a proof store
func NewProofStore(db *DB, logger *zap.Logger) *ProofStore {
	return &ProofStore{db: db, logger: logger}
}

// UsedProof returns the newest approved or under-review proof carrying hash.
// Rejected proofs do not count, so a customer may resend a receipt that was
// turned down. Returns ErrProofNotFound when the image is unused.
func (s *ProofStore) UsedProof(ctx context.Context, hash string) (*PaymentProof, error) {
	var p PaymentProof
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, customer_id, invoice_id, payment_request_id, status, proof_hash
		FROM payment_proofs
		WHERE proof_hash = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, hash, ProofAutoApproved, ProofManualReview).Scan(
		&p.ID, &p.CustomerID, &p.InvoiceID, &p.RequestID, &p.Status, &p.ProofHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up proof hash: %w", err)
	}
	return &p, nil
}

// QueueProofReview stores a proof for staff to verify by hand
func (s *ProofStore) QueueProofReview(ctx context.Context, p *PaymentProof) error {
	return s.record(ctx, p, ProofManualReview)
}

// RecordProofRejection stores a rejected proof with its reason
func (s *ProofStore) RecordProofRejection(ctx context.Context, p *PaymentProof) error {
	return s.record(ctx, p, ProofRejected)
}

func (s *ProofStore) record(ctx context.Context, p *PaymentProof, status string) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = status

	if err := insertProof(ctx, s.db.Pool(), p); err != nil {
		s.logger.Error("failed to record payment proof",
			zap.Error(err),
			zap.String("status", status),
			zap.Int64("customer_id", p.CustomerID),
		)
		return err
	}

	s.logger.Info("payment proof recorded",
		zap.String("proof_id", p.ID.String()),
		zap.String("status", status),
	)
	return nil
}
