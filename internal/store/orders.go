package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrOrderNotFound is retryable from the webhook path: the provider
	// may notify before the local pending row is visible.
	ErrOrderNotFound = errors.New("order not found")

	// ErrAlreadyAttached means AttachProviderRef was called twice with
	// different references, which indicates an adapter retry bug.
	ErrAlreadyAttached = errors.New("provider ref already attached")
)

// OrderRef identifies an order by our order number, the provider's own
// reference, or the provider transaction id recorded at completion.
// Resolution tries them in that order.
type OrderRef struct {
	OrderNo       string
	Provider      models.Provider
	ProviderRef   string
	TransactionID string
}

// Evidence carries the provider-sourced facts backing a transition.
type Evidence struct {
	TransactionID string
	SourceRef     string
	Reason        string
	SuccessTime   *time.Time
}

// TransitionResult reports what ApplyTransition did.
type TransitionResult struct {
	Order *models.Order
	// Noop is true when the order already sat in the target terminal
	// status; nothing was changed.
	Noop bool
	// SubscriptionExtended is true when this call performed the one
	// extension keyed by the evidence source ref.
	SubscriptionExtended bool
	PeriodEnd            time.Time
}

// CreatePendingOrder inserts a new order in pending status.
func (s *Store) CreatePendingOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_no, user_id, provider, method_variant, amount, currency,
			status, plan_id, billing_cycle, description, provider_ref, transaction_id, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', '', '')
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.OrderNo, order.UserID, order.Provider, order.MethodVariant,
		order.Amount, order.Currency, models.OrderStatusPending,
		order.PlanID, order.BillingCycle, order.Description)
}

// AttachProviderRef records the provider's order reference, exactly once.
func (s *Store) AttachProviderRef(ctx context.Context, orderNo, providerRef string) error {
	var existing string
	err := s.db.GetContext(ctx, &existing,
		"SELECT provider_ref FROM orders WHERE order_no = $1", orderNo)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderNo)
	}
	if err != nil {
		return err
	}
	if existing != "" && existing != providerRef {
		return fmt.Errorf("%w: order %s has ref %s", ErrAlreadyAttached, orderNo, existing)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE orders SET provider_ref = $1, updated_at = NOW() WHERE order_no = $2",
		providerRef, orderNo)
	return err
}

// FindByOrderNo retrieves an order by our order number.
func (s *Store) FindByOrderNo(ctx context.Context, orderNo string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE order_no = $1", orderNo)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderNo)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByProviderRef retrieves an order by the provider's reference.
func (s *Store) FindByProviderRef(ctx context.Context, provider models.Provider, providerRef string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE provider = $1 AND provider_ref = $2", provider, providerRef)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrOrderNotFound, provider, providerRef)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindRecentMatching returns the newest pending or completed order for the
// exact duplicate-guard tuple within the trailing window, or nil.
func (s *Store) FindRecentMatching(ctx context.Context, userID string, amount int64, currency string, provider models.Provider, methodVariant string, window time.Duration) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT * FROM orders
		WHERE user_id = $1 AND amount = $2 AND currency = $3
			AND provider = $4 AND method_variant = $5
			AND status IN ('pending', 'completed')
			AND created_at > NOW() - $6::interval
		ORDER BY created_at DESC LIMIT 1`,
		userID, amount, currency, provider, methodVariant,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindStalePending returns pending orders older than the cutoff, for the
// background sweeper.
func (s *Store) FindStalePending(ctx context.Context, cutoff time.Duration, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE status = 'pending' AND created_at < NOW() - $1::interval
		ORDER BY created_at LIMIT $2`,
		fmt.Sprintf("%d seconds", int(cutoff.Seconds())), limit)
	return orders, err
}

// ApplyTransition is the single atomic unit of reconciliation: it locks
// the order row, enforces the state machine, updates the order and applies
// the subscription side effect, all in one transaction. Concurrent
// webhooks for the same order serialize on the row lock; exactly one of
// them extends the subscription, the rest observe a no-op.
func (s *Store) ApplyTransition(ctx context.Context, ref OrderRef, target models.OrderStatus, ev Evidence) (*TransitionResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var order models.Order
	switch {
	case ref.OrderNo != "":
		err = tx.GetContext(ctx, &order,
			"SELECT * FROM orders WHERE order_no = $1 FOR UPDATE", ref.OrderNo)
	case ref.ProviderRef != "":
		err = tx.GetContext(ctx, &order,
			"SELECT * FROM orders WHERE provider = $1 AND provider_ref = $2 FOR UPDATE",
			ref.Provider, ref.ProviderRef)
	default:
		// Stripe refund webhooks name only the payment intent, which was
		// stored as the transaction id when the order completed.
		err = tx.GetContext(ctx, &order,
			"SELECT * FROM orders WHERE provider = $1 AND transaction_id = $2 AND transaction_id != '' FOR UPDATE",
			ref.Provider, ref.TransactionID)
	}
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s%s%s", ErrOrderNotFound, ref.OrderNo, ref.ProviderRef, ref.TransactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}

	kind, err := models.NextStatus(order.Status, target)
	if err != nil {
		return nil, err
	}
	if kind == models.TransitionNoop {
		return &TransitionResult{Order: &order, Noop: true}, tx.Commit()
	}

	txnID := ev.TransactionID
	if txnID == "" {
		txnID = order.TransactionID
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, transaction_id = $2, failure_reason = $3,
			success_time = COALESCE($4, success_time), updated_at = NOW()
		WHERE id = $5`,
		target, txnID, ev.Reason, ev.SuccessTime, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	result := &TransitionResult{Order: &order}
	switch target {
	case models.OrderStatusCompleted:
		extended, periodEnd, err := s.extendSubscriptionTx(ctx, tx, &order, txnID, ev)
		if err != nil {
			return nil, err
		}
		result.SubscriptionExtended = extended
		result.PeriodEnd = periodEnd
	case models.OrderStatusRefunded:
		// No partial-refund proration: a refund cancels the entitlement.
		_, err = tx.ExecContext(ctx, `
			UPDATE subscriptions SET status = $1, updated_at = NOW()
			WHERE user_id = $2 AND plan_id = $3`,
			models.SubscriptionStatusCancelled, order.UserID, order.PlanID)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel subscription: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.Status = target
	order.TransactionID = txnID
	result.Order = &order
	return result, nil
}

// extendSubscriptionTx performs the exactly-once period extension. The
// extension is keyed by the provider transaction reference: a second run
// for the same reference hits the unique insert conflict and does nothing.
func (s *Store) extendSubscriptionTx(ctx context.Context, tx *sqlx.Tx, order *models.Order, txnID string, ev Evidence) (bool, time.Time, error) {
	sourceRef := ev.SourceRef
	if sourceRef == "" {
		sourceRef = txnID
	}
	if sourceRef == "" {
		sourceRef = order.OrderNo
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_extensions (provider, source_ref, order_no)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, source_ref) DO NOTHING`,
		order.Provider, sourceRef, order.OrderNo)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to record extension: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, time.Time{}, err
	}
	if inserted == 0 {
		// Already extended for this reference.
		return false, time.Time{}, nil
	}

	var sub models.Subscription
	err = tx.GetContext(ctx, &sub, `
		SELECT * FROM subscriptions WHERE user_id = $1 AND plan_id = $2 FOR UPDATE`,
		order.UserID, order.PlanID)

	now := time.Now()
	duration := models.PlanDuration(order.BillingCycle)

	if err == sql.ErrNoRows {
		periodEnd := now.Add(duration)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions (user_id, plan_id, status,
				current_period_start, current_period_end, source_order_no, source_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			order.UserID, order.PlanID, models.SubscriptionStatusActive,
			now, periodEnd, order.OrderNo, sourceRef)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to create subscription: %w", err)
		}
		return true, periodEnd, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to lock subscription: %w", err)
	}

	periodEnd := models.ExtendPeriod(sub.CurrentPeriodEnd, now, duration)
	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, current_period_end = $2,
			source_order_no = $3, source_ref = $4, updated_at = NOW()
		WHERE id = $5`,
		models.SubscriptionStatusActive, periodEnd, order.OrderNo, sourceRef, sub.ID)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to extend subscription: %w", err)
	}
	return true, periodEnd, nil
}
