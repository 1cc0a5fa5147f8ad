package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const invoiceColumns = `
	id, customer_id, invoice_number, period, total_amount, paid_amount,
	remaining_amount, due_date, status`

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.CustomerID,
		&inv.Number,
		&inv.Period,
		&inv.TotalAmount,
		&inv.PaidAmount,
		&inv.RemainingAmount,
		&inv.DueDate,
		&inv.Status,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// BillingStore reads invoices, payments and bank settings
type BillingStore struct {
	db     *DB
	logger *zap.Logger
}

// NewBillingStore creates a billing store
func NewBillingStore(db *DB, logger *zap.Logger) *BillingStore {
	return &BillingStore{db: db, logger: logger}
}

// GetInvoice retrieves an invoice by ID
func (s *BillingStore) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

	inv, err := scanInvoice(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrInvoiceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query invoice: %w", err)
	}
	return inv, nil
}

// LatestUnpaidInvoice returns the most recent invoice with a balance
func (s *BillingStore) LatestUnpaidInvoice(ctx context.Context, customerID int64) (*Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE customer_id = $1 AND status IN ('unpaid', 'partial', 'overdue')
		ORDER BY due_date DESC, id DESC
		LIMIT 1
	`

	inv, err := scanInvoice(s.db.Pool().QueryRow(ctx, query, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no unpaid invoice for customer %d", ErrInvoiceNotFound, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("query unpaid invoice: %w", err)
	}
	return inv, nil
}

// OutstandingBalance sums the remaining amount across unpaid invoices
func (s *BillingStore) OutstandingBalance(ctx context.Context, customerID int64) (int64, int, error) {
	var total int64
	var count int
	err := s.db.Pool().QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining_amount), 0), COUNT(*)
		FROM invoices
		WHERE customer_id = $1 AND status IN ('unpaid', 'partial', 'overdue')
	`, customerID).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("query outstanding balance: %w", err)
	}
	return total, count, nil
}

// GetPayment retrieves a payment by ID
func (s *BillingStore) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	var p Payment
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, invoice_id, amount, method, COALESCE(notes, ''), paid_at
		FROM payments WHERE id = $1
	`, id).Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Notes, &p.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrPaymentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return &p, nil
}

// ListBankAccounts returns active company bank accounts
func (s *BillingStore) ListBankAccounts(ctx context.Context) ([]BankAccount, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT bank_name, account_number, account_name
		FROM bank_accounts WHERE is_active ORDER BY sort_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query bank accounts: %w", err)
	}
	defer rows.Close()

	var out []BankAccount
	for rows.Next() {
		var b BankAccount
		if err := rows.Scan(&b.BankName, &b.AccountNumber, &b.AccountName); err != nil {
			return nil, fmt.Errorf("scan bank account: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// settledAmount is what a transfer pays against an invoice. An overpayment
// within tolerance settles the invoice and is not kept as credit.
func settledAmount(transfer, remaining int64) (int64, error) {
	if remaining <= 0 {
		return 0, ErrInvoiceSettled
	}
	return min(transfer, remaining), nil
}

// ApprovePayment applies an auto-approved proof. It records the payment,
// settles the invoice or payment request, and stores the proof decision in
// one transaction.
func (s *BillingStore) ApprovePayment(ctx context.Context, proof *PaymentProof) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if proof.ID == uuid.Nil {
		proof.ID = uuid.New()
	}
	proof.Status = ProofAutoApproved

	if proof.InvoiceID != nil {
		var remaining int64
		err = tx.QueryRow(ctx, `
			SELECT remaining_amount FROM invoices WHERE id = $1 FOR UPDATE
		`, *proof.InvoiceID).Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return fmt.Errorf("lock invoice: %w", err)
		}
		amount, err := settledAmount(proof.ExtractedTotal, remaining)
		if err != nil {
			return fmt.Errorf("%w: invoice %d", err, *proof.InvoiceID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO payments (invoice_id, amount, method, notes, paid_at)
			VALUES ($1, $2, 'transfer', 'auto-approved payment proof', NOW())
		`, *proof.InvoiceID, amount)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE invoices
			SET paid_amount = paid_amount + $2,
			    remaining_amount = GREATEST(remaining_amount - $2, 0),
			    status = CASE WHEN remaining_amount - $2 <= 0 THEN 'paid' ELSE 'partial' END,
			    updated_at = NOW()
			WHERE id = $1
		`, *proof.InvoiceID, amount)
		if err != nil {
			return fmt.Errorf("settle invoice: %w", err)
		}
	}

	if proof.RequestID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE payment_requests SET status = 'paid', updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, *proof.RequestID)
		if err != nil {
			return fmt.Errorf("settle payment request: %w", err)
		}
	}

	if err := insertProof(ctx, tx, proof); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("payment proof auto-approved",
		zap.String("proof_id", proof.ID.String()),
		zap.Int64("customer_id", proof.CustomerID),
		zap.Int64("amount", proof.ExtractedTotal),
	)
	return nil
}
