package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNoPendingRequest is returned when a customer has no open purchase
var ErrNoPendingRequest = errors.New("no pending payment request")

const uniqueViolation = "23505"

// PrepaidStore manages prepaid packages and purchase requests
type PrepaidStore struct {
	db     *DB
	logger *zap.Logger
}

// NewPrepaidStore creates a prepaid store
func NewPrepaidStore(db *DB, logger *zap.Logger) *PrepaidStore {
	return &PrepaidStore{db: db, logger: logger}
}

// ListPackages returns up to limit active packages, cheapest first
func (s *PrepaidStore) ListPackages(ctx context.Context, limit int) ([]PrepaidPackage, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, name, price, duration_days, COALESCE(speed, '')
		FROM prepaid_packages WHERE is_active
		ORDER BY price, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query prepaid packages: %w", err)
	}
	defer rows.Close()

	var out []PrepaidPackage
	for rows.Next() {
		var p PrepaidPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.DurationDays, &p.Speed); err != nil {
			return nil, fmt.Errorf("scan prepaid package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePaymentRequest opens a purchase with a unique three-digit code added
// to the price, so that an incoming transfer can be matched by amount.
// A partial unique index on pending totals enforces uniqueness; collisions
// are retried with a new code.
func (s *PrepaidStore) CreatePaymentRequest(ctx context.Context, customerID int64, pkg PrepaidPackage, ttl time.Duration) (*PaymentRequest, error) {
	const attempts = 5

	for i := 0; i < attempts; i++ {
		code := 100 + rand.IntN(900)
		req := &PaymentRequest{
			ID:          uuid.New(),
			CustomerID:  customerID,
			PackageID:   pkg.ID,
			UniqueCode:  code,
			BaseAmount:  pkg.Price,
			TotalAmount: pkg.Price + int64(code),
			Status:      "pending",
			ExpiresAt:   time.Now().Add(ttl),
		}

		err := s.db.Pool().QueryRow(ctx, `
			INSERT INTO payment_requests (
				id, customer_id, package_id, unique_code, base_amount,
				total_amount, status, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`,
			req.ID, req.CustomerID, req.PackageID, req.UniqueCode,
			req.BaseAmount, req.TotalAmount, req.Status, req.ExpiresAt,
		).Scan(&req.CreatedAt)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		if err != nil {
			s.logger.Error("failed to create payment request", zap.Error(err), zap.Int64("customer_id", customerID))
			return nil, fmt.Errorf("insert payment request: %w", err)
		}

		s.logger.Info("payment request created",
			zap.String("request_id", req.ID.String()),
			zap.Int64("customer_id", customerID),
			zap.Int64("total_amount", req.TotalAmount),
		)
		return req, nil
	}

	return nil, fmt.Errorf("insert payment request: no free unique code after %d attempts", attempts)
}

// PendingRequest returns the customer's newest open purchase that has not expired
func (s *PrepaidStore) PendingRequest(ctx context.Context, customerID int64) (*PaymentRequest, error) {
	var r PaymentRequest
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, customer_id, package_id, unique_code, base_amount,
		       total_amount, status, expires_at, created_at
		FROM payment_requests
		WHERE customer_id = $1 AND status = 'pending' AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, customerID).Scan(
		&r.ID, &r.CustomerID, &r.PackageID, &r.UniqueCode, &r.BaseAmount,
		&r.TotalAmount, &r.Status, &r.ExpiresAt, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPendingRequest
	}
	if err != nil {
		return nil, fmt.Errorf("query payment request: %w", err)
	}
	return &r, nil
}
