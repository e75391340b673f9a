package worker

import (
	"context"
	"log"
	"time"

	"payment-service/internal/broker"
	"payment-service/internal/models"
	"payment-service/internal/provider"
	"payment-service/internal/service"
	"payment-service/internal/store"
	"payment-service/internal/util"
)

// entitlementStore is the persistence the entitlement worker needs.
type entitlementStore interface {
	UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error
	RevokeEntitlement(ctx context.Context, userID string) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EntitlementWorker consumes payment events and keeps the derived
// entitlements table in sync with subscription state. Kafka delivers
// at-least-once, so each event ID is checked against processed_events
// before applying.
type EntitlementWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        entitlementStore
}

// NewEntitlementWorker creates a new entitlement worker
func NewEntitlementWorker(consumer *broker.Consumer, st entitlementStore) *EntitlementWorker {
	w := &EntitlementWorker{
		consumer: consumer,
		store:    st,
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnSubscriptionExtended(w.handleSubscriptionExtended)
	eventHandler.OnPaymentRefunded(w.handlePaymentRefunded)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *EntitlementWorker) Start(ctx context.Context) error {
	log.Println("Starting entitlement worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *EntitlementWorker) Stop() error {
	log.Println("Stopping entitlement worker...")
	return w.consumer.Close()
}

func (w *EntitlementWorker) handleSubscriptionExtended(ctx context.Context, event *models.SubscriptionExtendedEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	if err := w.store.UpsertEntitlement(ctx, &models.Entitlement{
		UserID:    event.UserID,
		Pro:       true,
		ExpiresAt: event.PeriodEnd,
	}); err != nil {
		return err
	}

	log.Printf("Entitlement extended for user %s until %s", event.UserID, event.PeriodEnd.Format(time.RFC3339))
	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}

func (w *EntitlementWorker) handlePaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	if err := w.store.RevokeEntitlement(ctx, event.UserID); err != nil {
		return err
	}

	log.Printf("Entitlement revoked for user %s after refund of order %s", event.UserID, event.OrderNo)
	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}

// stalePendingStore lists abandoned pending orders.
type stalePendingStore interface {
	FindStalePending(ctx context.Context, cutoff time.Duration, limit int) ([]models.Order, error)
}

// orderReconciler routes sweep results through the normal transition path.
type orderReconciler interface {
	Apply(ctx context.Context, ref store.OrderRef, target models.OrderStatus, ev store.Evidence) (*service.ReconciliationResult, error)
}

// adapterSource resolves the adapter for a provider.
type adapterSource interface {
	Get(p models.Provider) (provider.Adapter, error)
}

// StalePendingSweeper periodically closes pending orders older than the
// cutoff. Each candidate is confirmed against the provider first: a
// payment that landed after the cutoff is credited, not discarded, and a
// failed poll defers the order to the next sweep. The cutoff is a cleanup
// heuristic only; a webhook arriving for a swept order is rejected by the
// state machine rather than double counted.
type StalePendingSweeper struct {
	store      stalePendingStore
	reconciler orderReconciler
	providers  adapterSource
	cutoff     time.Duration
	interval   time.Duration
}

// NewStalePendingSweeper creates a new sweeper. providers may be nil, in
// which case candidates are failed without a confirming poll.
func NewStalePendingSweeper(st stalePendingStore, reconciler orderReconciler, providers adapterSource, cutoff, interval time.Duration) *StalePendingSweeper {
	return &StalePendingSweeper{
		store:      st,
		reconciler: reconciler,
		providers:  providers,
		cutoff:     cutoff,
		interval:   interval,
	}
}

const sweepBatchSize = 100

// Start runs the sweep loop until ctx is cancelled.
func (sw *StalePendingSweeper) Start(ctx context.Context) error {
	log.Printf("Starting stale-pending sweeper (cutoff %s, every %s)...", sw.cutoff, sw.interval)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping stale-pending sweeper...")
			return ctx.Err()
		case <-ticker.C:
			if err := sw.sweep(ctx); err != nil {
				log.Printf("Sweep failed: %v", err)
			}
		}
	}
}

func (sw *StalePendingSweeper) sweep(ctx context.Context) error {
	orders, err := sw.store.FindStalePending(ctx, sw.cutoff, sweepBatchSize)
	if err != nil {
		return err
	}

	swept := 0
	for _, order := range orders {
		target, ev, ok := sw.classify(ctx, &order)
		if !ok {
			continue
		}
		_, err := sw.reconciler.Apply(ctx, store.OrderRef{OrderNo: order.OrderNo, Provider: order.Provider}, target, ev)
		if err != nil {
			log.Printf("Failed to sweep order %s: %v", order.OrderNo, err)
			continue
		}
		if target == models.OrderStatusFailed {
			util.StalePendingSweptTotal.Inc()
			swept++
		}
	}
	if swept > 0 {
		log.Printf("Swept %d stale pending orders", swept)
	}
	return nil
}

// classify decides what to do with one stale candidate. The provider's
// answer wins: a paid or refunded order is reconciled to that status, an
// unreachable provider defers the order, anything else is a timeout.
func (sw *StalePendingSweeper) classify(ctx context.Context, order *models.Order) (models.OrderStatus, store.Evidence, bool) {
	timeout := store.Evidence{Reason: "payment_timeout"}
	if sw.providers == nil {
		return models.OrderStatusFailed, timeout, true
	}

	adapter, err := sw.providers.Get(order.Provider)
	if err != nil {
		return models.OrderStatusFailed, timeout, true
	}
	ref := order.ProviderRef
	if ref == "" {
		ref = order.OrderNo
	}
	snapshot, err := adapter.QueryStatus(ctx, ref)
	if err != nil {
		log.Printf("Deferring sweep of order %s: status poll failed: %v", order.OrderNo, err)
		return "", store.Evidence{}, false
	}

	target, ok := snapshot.Status.OrderStatus()
	if !ok || target == models.OrderStatusPending || target == models.OrderStatusFailed {
		return models.OrderStatusFailed, timeout, true
	}
	return target, store.Evidence{
		TransactionID: snapshot.TransactionID,
		SourceRef:     snapshot.TransactionID,
		Reason:        "status_poll:" + snapshot.RawState,
		SuccessTime:   snapshot.SuccessTime,
	}, true
}
