package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const templateColumns = `
	id, template_code, template_name, notification_type, channel,
	title_template, message_template, variables, is_active, priority,
	schedule_days_before, created_at, updated_at`

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Name,
		&t.Type,
		&t.Channel,
		&t.TitleTemplate,
		&t.BodyTemplate,
		&t.Variables,
		&t.IsActive,
		&t.Priority,
		&t.ScheduleDaysBefore,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetActiveTemplate returns the template for (type, channel). It fails with
// ErrTemplateNotFound when none exists and ErrTemplateInactive when the only
// matches are disabled.
func (r *Repository) GetActiveTemplate(ctx context.Context, notifType, channel string) (*Template, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM notification_templates
		WHERE notification_type = $1 AND channel = $2
		ORDER BY
			is_active DESC,
			CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			id ASC
		LIMIT 1
	`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, notifType, channel))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, notifType, channel)
	}
	if err != nil {
		r.logger.Error("failed to load template",
			zap.Error(err),
			zap.String("type", notifType),
			zap.String("channel", channel),
		)
		return nil, fmt.Errorf("query template: %w", err)
	}

	if !t.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrTemplateInactive, t.Code)
	}
	return t, nil
}

// GetTemplateByCode returns a template regardless of its active flag
func (r *Repository) GetTemplateByCode(ctx context.Context, code string) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM notification_templates WHERE template_code = $1`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// ListTemplates returns all templates, optionally for one notification type
func (r *Repository) ListTemplates(ctx context.Context, notifType string) ([]*Template, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM notification_templates
		WHERE ($1 = '' OR notification_type = $1)
		ORDER BY notification_type, template_name
	`

	rows, err := r.db.Pool().Query(ctx, query, notifType)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
