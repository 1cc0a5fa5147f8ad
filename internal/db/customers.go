package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const customerColumns = `
	id, customer_code, name, COALESCE(phone, ''), COALESCE(email, ''),
	COALESCE(address, ''), status, billing_mode, COALESCE(device_id, ''),
	name_changed, created_at`

func scanCustomer(row rowScanner) (*Customer, error) {
	var c Customer
	err := row.Scan(
		&c.ID,
		&c.Code,
		&c.Name,
		&c.Phone,
		&c.Email,
		&c.Address,
		&c.Status,
		&c.BillingMode,
		&c.DeviceID,
		&c.NameChanged,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PhoneVariants returns the stored spellings a phone number may have:
// the international 62 form and the local 0 form.
func PhoneVariants(phone string) []string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return nil
	case strings.HasPrefix(digits, "62"):
		return []string{digits, "0" + digits[2:]}
	case strings.HasPrefix(digits, "0"):
		return []string{"62" + digits[1:], digits}
	default:
		return []string{digits}
	}
}

// CustomerStore reads and updates customers, staff and signups
type CustomerStore struct {
	db     *DB
	logger *zap.Logger
}

// NewCustomerStore creates a customer store
func NewCustomerStore(db *DB, logger *zap.Logger) *CustomerStore {
	return &CustomerStore{db: db, logger: logger}
}

// GetCustomer retrieves a customer by ID
func (s *CustomerStore) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`

	c, err := scanCustomer(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrCustomerNotFound, id)
	}
	if err != nil {
		s.logger.Error("failed to get customer", zap.Error(err), zap.Int64("customer_id", id))
		return nil, fmt.Errorf("query customer: %w", err)
	}
	return c, nil
}

// GetCustomerByPhone matches a customer regardless of 0/62 prefix spelling
func (s *CustomerStore) GetCustomerByPhone(ctx context.Context, phone string) (*Customer, error) {
	variants := PhoneVariants(phone)
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: empty phone", ErrCustomerNotFound)
	}

	query := `
		SELECT ` + customerColumns + `
		FROM customers
		WHERE regexp_replace(phone, '\D', '', 'g') = ANY($1)
		ORDER BY id DESC
		LIMIT 1
	`

	c, err := scanCustomer(s.db.Pool().QueryRow(ctx, query, variants))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: phone %s", ErrCustomerNotFound, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("query customer by phone: %w", err)
	}
	return c, nil
}

// ResolveRole classifies a sender phone. Staff take precedence over customers.
func (s *CustomerStore) ResolveRole(ctx context.Context, phone string) (Role, *Customer, error) {
	variants := PhoneVariants(phone)
	if len(variants) == 0 {
		return RoleGuest, nil, nil
	}

	var staffRole string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT role FROM staff
		WHERE is_active AND regexp_replace(phone, '\D', '', 'g') = ANY($1)
		ORDER BY CASE role WHEN 'admin' THEN 0 WHEN 'operator' THEN 1 ELSE 2 END
		LIMIT 1
	`, variants).Scan(&staffRole)

	switch {
	case err == nil:
		if staffRole == "technician" {
			return RoleTechnician, nil, nil
		}
		return RoleAdmin, nil, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return RoleGuest, nil, fmt.Errorf("query staff role: %w", err)
	}

	c, err := s.GetCustomerByPhone(ctx, phone)
	if errors.Is(err, ErrCustomerNotFound) {
		return RoleGuest, nil, nil
	}
	if err != nil {
		return RoleGuest, nil, err
	}
	return RoleCustomer, c, nil
}

// ListAdminContacts returns active admin and operator phones
func (s *CustomerStore) ListAdminContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT name, phone FROM staff
		WHERE is_active AND role IN ('admin', 'operator')
		  AND phone IS NOT NULL AND phone <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query admin contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c := Contact{Role: RoleAdmin}
		if err := rows.Scan(&c.Name, &c.Phone); err != nil {
			return nil, fmt.Errorf("scan admin contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RenameCustomer changes the customer's name. It is allowed once.
func (s *CustomerStore) RenameCustomer(ctx context.Context, id int64, name string) error {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE customers SET name = $2, name_changed = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT name_changed
	`, id, name)
	if err != nil {
		return fmt.Errorf("rename customer: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNameAlreadyChanged
	}

	s.logger.Info("customer renamed", zap.Int64("customer_id", id))
	return nil
}

// CreateRegistrationRequest stores a chat signup for staff follow-up
func (s *CustomerStore) CreateRegistrationRequest(ctx context.Context, req *RegistrationRequest) error {
	if req.Status == "" {
		req.Status = "pending"
	}

	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO registration_requests (phone, name, address, latitude, longitude, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, req.Phone, req.Name, req.Address, req.Latitude, req.Longitude, req.Status,
	).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		s.logger.Error("failed to create registration request", zap.Error(err))
		return fmt.Errorf("insert registration request: %w", err)
	}

	s.logger.Info("registration request created", zap.Int64("request_id", req.ID))
	return nil
}
