package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/provider"
	"payment-service/internal/store"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IngestOutcome classifies how a webhook delivery was handled. All three
// outcomes are acknowledged to the provider so it stops redelivering.
type IngestOutcome string

const (
	// IngestProcessed means the event drove a reconciliation (which may
	// itself have been a noop for an already-terminal order).
	IngestProcessed IngestOutcome = "processed"
	// IngestDuplicate means this event ID was already processed.
	IngestDuplicate IngestOutcome = "duplicate"
	// IngestIgnored means the event type has no status mapping.
	IngestIgnored IngestOutcome = "ignored"
)

// IngestResult reports the outcome of a webhook delivery.
type IngestResult struct {
	Outcome IngestOutcome
	Event   *provider.VerifiedEvent
}

// webhookEventStore persists and deduplicates raw webhook deliveries.
type webhookEventStore interface {
	RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	IsWebhookEventProcessed(ctx context.Context, p models.Provider, eventID string) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, p models.Provider, eventID string) error
}

// webhookEventCache is the redis fast path for event dedup. Best-effort:
// the DB unique constraint is the authority.
type webhookEventCache interface {
	IsEventSeen(ctx context.Context, p, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, p, eventID string, ttl time.Duration) error
}

// orderReconciler is the single write path for status changes.
type orderReconciler interface {
	Apply(ctx context.Context, ref store.OrderRef, target models.OrderStatus, ev store.Evidence) (*ReconciliationResult, error)
}

// adapterSource resolves the adapter for a provider.
type adapterSource interface {
	Get(p models.Provider) (provider.Adapter, error)
}

const eventCacheTTL = 24 * time.Hour

// WebhookIngest authenticates, deduplicates and applies inbound provider
// notifications.
type WebhookIngest struct {
	providers  adapterSource
	store      webhookEventStore
	cache      webhookEventCache
	reconciler orderReconciler
	logger     *zap.Logger
}

// NewWebhookIngest creates the ingest service. cache may be nil.
func NewWebhookIngest(providers adapterSource, st webhookEventStore, cache webhookEventCache, reconciler orderReconciler) *WebhookIngest {
	return &WebhookIngest{
		providers:  providers,
		store:      st,
		cache:      cache,
		reconciler: reconciler,
		logger:     util.GetLogger(),
	}
}

// Receive handles one webhook delivery end to end:
//
//  1. verify the signature with the provider adapter
//  2. persist the raw delivery for audit, keyed (provider, event_id)
//  3. drop the delivery if that event ID was already processed
//  4. map the provider event type to a target status
//  5. reconcile the order and mark the event processed
//
// A non-nil error means the delivery must NOT be acknowledged; the
// provider will retry and the event stays unprocessed. Signature
// failures are the exception: they return ErrSignatureInvalid and the
// handler answers 401, which providers treat as permanent.
func (wi *WebhookIngest) Receive(ctx context.Context, p models.Provider, headers http.Header, form url.Values, body []byte) (*IngestResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookIngest.Receive")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues(string(p)).Inc()

	adapter, err := wi.providers.Get(p)
	if err != nil {
		return nil, err
	}

	event, err := adapter.VerifyWebhook(ctx, headers, form, body)
	if err != nil {
		util.WebhookSignatureFailuresTotal.WithLabelValues(string(p)).Inc()
		wi.recordRejected(ctx, p, body)
		return nil, err
	}

	// Persist first so every authenticated delivery is auditable even if
	// reconciliation fails. Best-effort: the processed flag is the dedup
	// authority, and ON CONFLICT makes redelivery harmless.
	if err := wi.store.RecordWebhookEvent(ctx, &models.WebhookEvent{
		Provider:   p,
		EventID:    event.EventID,
		EventType:  event.EventType,
		RawPayload: body,
	}); err != nil {
		wi.logger.Warn("Failed to record webhook event",
			zap.String("provider", string(p)),
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}

	if dup, err := wi.alreadyProcessed(ctx, p, event.EventID); err != nil {
		return nil, err
	} else if dup {
		util.WebhookDuplicatesTotal.WithLabelValues(string(p)).Inc()
		wi.logger.Info("Skipping duplicate webhook event",
			zap.String("provider", string(p)),
			zap.String("event_id", event.EventID))
		return &IngestResult{Outcome: IngestDuplicate, Event: event}, nil
	}

	target, ok := provider.MapEvent(p, event.EventType)
	if !ok {
		util.WebhookUnknownEventsTotal.WithLabelValues(string(p), event.EventType).Inc()
		wi.logger.Info("Acknowledging webhook event with no status mapping",
			zap.String("provider", string(p)),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType))
		if err := wi.markProcessed(ctx, p, event.EventID); err != nil {
			return nil, err
		}
		return &IngestResult{Outcome: IngestIgnored, Event: event}, nil
	}

	ref := store.OrderRef{
		OrderNo:       event.OrderNo,
		Provider:      p,
		ProviderRef:   event.ProviderRef,
		TransactionID: event.TransactionID,
	}
	evidence := store.Evidence{
		TransactionID: event.TransactionID,
		SourceRef:     event.TransactionID,
		Reason:        event.EventType,
	}
	if _, err := wi.reconciler.Apply(ctx, ref, target, evidence); err != nil {
		// Left unprocessed on purpose; the provider's retry gets another
		// attempt (including order-not-found races where the webhook beat
		// the order insert's commit).
		return nil, err
	}

	if err := wi.markProcessed(ctx, p, event.EventID); err != nil {
		return nil, err
	}

	wi.logger.Info("Processed webhook event",
		zap.String("provider", string(p)),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("order_no", event.OrderNo),
		zap.String("target_status", string(target)))

	return &IngestResult{Outcome: IngestProcessed, Event: event}, nil
}

func (wi *WebhookIngest) alreadyProcessed(ctx context.Context, p models.Provider, eventID string) (bool, error) {
	if wi.cache != nil {
		if seen, err := wi.cache.IsEventSeen(ctx, string(p), eventID); err == nil && seen {
			return true, nil
		}
	}
	processed, err := wi.store.IsWebhookEventProcessed(ctx, p, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return processed, nil
}

func (wi *WebhookIngest) markProcessed(ctx context.Context, p models.Provider, eventID string) error {
	if err := wi.store.MarkWebhookEventProcessed(ctx, p, eventID); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	if wi.cache != nil {
		if err := wi.cache.MarkEventSeen(ctx, string(p), eventID, eventCacheTTL); err != nil {
			wi.logger.Warn("Failed to cache processed webhook event",
				zap.String("provider", string(p)),
				zap.String("event_id", eventID),
				zap.Error(err))
		}
	}
	return nil
}

// recordRejected keeps an audit row for deliveries that failed signature
// verification. Best-effort; the rejection itself does not depend on it.
func (wi *WebhookIngest) recordRejected(ctx context.Context, p models.Provider, body []byte) {
	err := wi.store.RecordWebhookEvent(ctx, &models.WebhookEvent{
		Provider:   p,
		EventID:    "rejected-" + uuid.New().String(),
		EventType:  "signature_rejected",
		RawPayload: body,
	})
	if err != nil {
		wi.logger.Warn("Failed to record rejected webhook delivery",
			zap.String("provider", string(p)),
			zap.Error(err))
	}
}
