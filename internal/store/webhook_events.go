package store

import (
	"context"
	"database/sql"

	"payment-service/internal/models"
)

// RecordWebhookEvent inserts the audit row for a received delivery. The
// (provider, event_id) unique index makes redelivery inserts harmless.
func (s *Store) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, raw_payload, processed)
		VALUES ($1, $2, $3, $4, false)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.Provider, event.EventID, event.EventType, event.RawPayload)
	return err
}

// IsWebhookEventProcessed reports whether this delivery was already fully
// applied.
func (s *Store) IsWebhookEventProcessed(ctx context.Context, provider models.Provider, eventID string) (bool, error) {
	var processed bool
	err := s.db.GetContext(ctx, &processed, `
		SELECT processed FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return processed, err
}

// MarkWebhookEventProcessed flags the event after the reconciler succeeded.
func (s *Store) MarkWebhookEventProcessed(ctx context.Context, provider models.Provider, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed = true, processed_at = NOW()
		WHERE provider = $1 AND event_id = $2`,
		provider, eventID)
	return err
}
