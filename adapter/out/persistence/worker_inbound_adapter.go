package persistence

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// InboundAdapter implements out.InboundMessageRepository.
type InboundAdapter struct {
	db *sqlx.DB
}

func NewInboundAdapter(db *sqlx.DB) *InboundAdapter {
	return &InboundAdapter{db: db}
}

func (a *InboundAdapter) ExistsByProviderID(ctx context.Context, providerMessageID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM inbound_messages WHERE provider_message_id = $1)`
	if err := a.db.GetContext(ctx, &exists, query, providerMessageID); err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (a *InboundAdapter) GetByProviderID(ctx context.Context, providerMessageID string) (*domain.InboundMessageRecord, error) {
	var rec domain.InboundMessageRecord
	query := `
		SELECT id, connection_id, provider_message_id, subject, from_email, from_name,
		       received_at, is_job_application, confidence, detected_position, status,
		       reason, body_text, body_html, processed_at, created_at
		FROM inbound_messages
		WHERE provider_message_id = $1`
	if err := a.db.GetContext(ctx, &rec, query, providerMessageID); err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

// Create inserts the record and sets rec.ID. The unique provider message id
// makes concurrent deliveries of the same message collapse to one row.
func (a *InboundAdapter) Create(ctx context.Context, rec *domain.InboundMessageRecord) error {
	if rec.Status == "" {
		rec.Status = domain.InboundPending
	}
	query := `
		INSERT INTO inbound_messages (
			connection_id, provider_message_id, subject, from_email, from_name,
			received_at, is_job_application, confidence, detected_position, status,
			reason, body_text, body_html, processed_at
		) VALUES (
			:connection_id, :provider_message_id, :subject, :from_email, :from_name,
			:received_at, :is_job_application, :confidence, :detected_position, :status,
			:reason, :body_text, :body_html, :processed_at
		)
		RETURNING id, created_at`

	rows, err := a.db.NamedQueryContext(ctx, query, rec)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return mapError(err)
		}
	}
	return mapError(rows.Err())
}

// UpdateStatus moves the record; terminal states stamp processed_at.
func (a *InboundAdapter) UpdateStatus(ctx context.Context, id int64, status domain.InboundStatus, reason *string) error {
	var processedAt *time.Time
	if status.IsTerminal() {
		now := time.Now()
		processedAt = &now
	}

	query := `
		UPDATE inbound_messages SET
			status = $2,
			reason = $3,
			processed_at = COALESCE($4, processed_at)
		WHERE id = $1`
	res, err := a.db.ExecContext(ctx, query, id, string(status), reason, processedAt)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *InboundAdapter) CountByStatus(ctx context.Context, connectionID int64) (map[domain.InboundStatus]int, error) {
	var rows []struct {
		Status domain.InboundStatus `db:"status"`
		Count  int                  `db:"count"`
	}
	query := `
		SELECT status, COUNT(*) AS count
		FROM inbound_messages
		WHERE connection_id = $1
		GROUP BY status`
	if err := a.db.SelectContext(ctx, &rows, query, connectionID); err != nil {
		return nil, mapError(err)
	}

	counts := make(map[domain.InboundStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// RedactSkippedBefore drops subject and body of old SKIPPED rows. The row
// stays: provider_message_id is the idempotency key, and the unread fallback
// can return the same message again long after it was skipped.
func (a *InboundAdapter) RedactSkippedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE inbound_messages SET subject = '', body_text = NULL, body_html = NULL
		WHERE status = $1 AND created_at < $2
		  AND (subject <> '' OR body_text IS NOT NULL OR body_html IS NOT NULL)`
	res, err := a.db.ExecContext(ctx, query, string(domain.InboundSkipped), before)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

var _ out.InboundMessageRepository = (*InboundAdapter)(nil)
