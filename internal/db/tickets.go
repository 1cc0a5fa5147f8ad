package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const ticketColumns = `
	id, ticket_number, customer_id, subject, status, assigned_to,
	resolve_note, photo_ref, resolved_at, created_at`

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	err := row.Scan(
		&t.ID,
		&t.Number,
		&t.CustomerID,
		&t.Subject,
		&t.Status,
		&t.AssignedTo,
		&t.ResolveNote,
		&t.PhotoRef,
		&t.ResolvedAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TicketStore drives the technician ticket workflow
type TicketStore struct {
	db     *DB
	logger *zap.Logger
}

// NewTicketStore creates a ticket store
func NewTicketStore(db *DB, logger *zap.Logger) *TicketStore {
	return &TicketStore{db: db, logger: logger}
}

// TakeTicket assigns an open ticket to a technician
func (s *TicketStore) TakeTicket(ctx context.Context, number, technicianPhone string) (*Ticket, error) {
	query := `
		UPDATE tickets
		SET status = 'in_progress', assigned_to = $2, updated_at = NOW()
		WHERE ticket_number = $1 AND status = 'open'
		RETURNING ` + ticketColumns

	t, err := scanTicket(s.db.Pool().QueryRow(ctx, query, number, technicianPhone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is not open", ErrTicketNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("take ticket: %w", err)
	}

	s.logger.Info("ticket taken",
		zap.String("ticket", number),
		zap.String("technician", technicianPhone),
	)
	return t, nil
}

// CompleteTicket resolves a ticket held by the technician
func (s *TicketStore) CompleteTicket(ctx context.Context, number, technicianPhone, note, photoRef string) (*Ticket, error) {
	query := `
		UPDATE tickets
		SET status = 'resolved', resolve_note = $3, photo_ref = $4,
		    resolved_at = NOW(), updated_at = NOW()
		WHERE ticket_number = $1 AND status = 'in_progress' AND assigned_to = $2
		RETURNING ` + ticketColumns

	t, err := scanTicket(s.db.Pool().QueryRow(ctx, query, number, technicianPhone, note, photoRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is not assigned to you", ErrTicketNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("complete ticket: %w", err)
	}

	s.logger.Info("ticket resolved", zap.String("ticket", number))
	return t, nil
}
