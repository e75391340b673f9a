package store

import (
	"context"
	"database/sql"

	"payment-service/internal/models"
)

// GetSubscription returns a user's subscription for a plan, or nil.
func (s *Store) GetSubscription(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.GetContext(ctx, &sub,
		"SELECT * FROM subscriptions WHERE user_id = $1 AND plan_id = $2", userID, planID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertEntitlement synchronizes the derived entitlement row. Called by
// the entitlement worker; the subscriptions table stays authoritative.
func (s *Store) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, pro, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET pro = EXCLUDED.pro, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		ent.UserID, ent.Pro, ent.ExpiresAt)
	return err
}

// RevokeEntitlement clears the derived pro flag, keeping expires_at for
// audit.
func (s *Store) RevokeEntitlement(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE entitlements SET pro = false, updated_at = NOW() WHERE user_id = $1", userID)
	return err
}

// IsEventProcessed checks the consumer-side dedup table for a domain
// event id.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks a domain event as consumed.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
