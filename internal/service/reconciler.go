package service

import (
	"context"
	"errors"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/store"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transitionStore applies a status transition atomically.
type transitionStore interface {
	ApplyTransition(ctx context.Context, ref store.OrderRef, target models.OrderStatus, ev store.Evidence) (*store.TransitionResult, error)
}

// paymentEventPublisher publishes payment lifecycle events to Kafka.
type paymentEventPublisher interface {
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error
	PublishSubscriptionExtended(ctx context.Context, event *models.SubscriptionExtendedEvent) error
}

// ReconciliationResult reports what a reconciliation attempt did.
type ReconciliationResult struct {
	// Applied is true when the order's status actually changed.
	Applied bool
	// Noop is true when the order already sat in the target status or the
	// transition was rejected as illegal. Both are safe to acknowledge to
	// the caller.
	Noop                 bool
	Order                *models.Order
	SubscriptionExtended bool
	PeriodEnd            time.Time
}

// Reconciler is the single write path for order status changes. Webhook
// ingest, status polling, manual cancellation and the stale-pending
// sweeper all route through Apply, so state-machine legality and
// exactly-once subscription extension are enforced in one place.
type Reconciler struct {
	store     transitionStore
	publisher paymentEventPublisher
	logger    *zap.Logger
}

func NewReconciler(st transitionStore, publisher paymentEventPublisher) *Reconciler {
	return &Reconciler{
		store:     st,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Apply drives the order identified by ref toward target.
//
// Illegal transitions (for example a success notification arriving after
// the order was closed) are logged and reported as a noop rather than an
// error: the provider delivery must still be acknowledged, and retrying
// it would never succeed. store.ErrOrderNotFound is returned as-is so
// callers can ask the provider to redeliver once the order exists.
func (r *Reconciler) Apply(ctx context.Context, ref store.OrderRef, target models.OrderStatus, ev store.Evidence) (*ReconciliationResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Apply")
	defer span.End()

	res, err := r.store.ApplyTransition(ctx, ref, target, ev)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			r.logger.Warn("Rejected illegal order transition",
				zap.String("order_no", ref.OrderNo),
				zap.String("provider_ref", ref.ProviderRef),
				zap.String("target_status", string(target)),
				zap.Error(err))
			util.ReconciliationsTotal.WithLabelValues(string(target), "rejected").Inc()
			return &ReconciliationResult{Noop: true}, nil
		}
		if errors.Is(err, store.ErrOrderNotFound) {
			util.ReconciliationsTotal.WithLabelValues(string(target), "not_found").Inc()
			return nil, err
		}
		util.ReconciliationsTotal.WithLabelValues(string(target), "error").Inc()
		return nil, err
	}

	if res.Noop {
		util.ReconciliationsTotal.WithLabelValues(string(target), "noop").Inc()
		return &ReconciliationResult{Noop: true, Order: res.Order}, nil
	}

	util.ReconciliationsTotal.WithLabelValues(string(target), "applied").Inc()
	if res.SubscriptionExtended {
		util.SubscriptionExtensionsTotal.Inc()
	}

	r.publish(ctx, res, target, ev)

	return &ReconciliationResult{
		Applied:              true,
		Order:                res.Order,
		SubscriptionExtended: res.SubscriptionExtended,
		PeriodEnd:            res.PeriodEnd,
	}, nil
}

// publish emits lifecycle events after the transaction committed. Publish
// failures are logged, never surfaced: the DB is the source of truth and
// the entitlement worker reconverges from it.
func (r *Reconciler) publish(ctx context.Context, res *store.TransitionResult, target models.OrderStatus, ev store.Evidence) {
	if r.publisher == nil {
		return
	}
	order := res.Order

	base := func(eventType string) models.BaseEvent {
		return models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		}
	}

	var err error
	switch target {
	case models.OrderStatusCompleted:
		err = r.publisher.PublishPaymentCompleted(ctx, &models.PaymentCompletedEvent{
			BaseEvent:     base(models.EventTypePaymentCompleted),
			OrderNo:       order.OrderNo,
			UserID:        order.UserID,
			Provider:      order.Provider,
			Amount:        order.Amount,
			Currency:      order.Currency,
			TransactionID: order.TransactionID,
		})
		if err == nil && res.SubscriptionExtended {
			err = r.publisher.PublishSubscriptionExtended(ctx, &models.SubscriptionExtendedEvent{
				BaseEvent:    base(models.EventTypeSubscriptionExtended),
				UserID:       order.UserID,
				PlanID:       order.PlanID,
				OrderNo:      order.OrderNo,
				PeriodEnd:    res.PeriodEnd,
				BillingCycle: order.BillingCycle,
			})
		}
	case models.OrderStatusFailed:
		err = r.publisher.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
			BaseEvent: base(models.EventTypePaymentFailed),
			OrderNo:   order.OrderNo,
			UserID:    order.UserID,
			Provider:  order.Provider,
			Reason:    ev.Reason,
		})
	case models.OrderStatusRefunded:
		err = r.publisher.PublishPaymentRefunded(ctx, &models.PaymentRefundedEvent{
			BaseEvent:     base(models.EventTypePaymentRefunded),
			OrderNo:       order.OrderNo,
			UserID:        order.UserID,
			Provider:      order.Provider,
			Amount:        order.Amount,
			TransactionID: order.TransactionID,
		})
	}
	if err != nil {
		r.logger.Error("Failed to publish payment event",
			zap.String("order_no", order.OrderNo),
			zap.String("target_status", string(target)),
			zap.Error(err))
	}
}
