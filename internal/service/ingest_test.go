package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/provider"
	"payment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name      models.Provider
	event     *provider.VerifiedEvent
	verifyErr error
	handle    *provider.OrderHandle
	createErr error
	status    *provider.StatusResult
	queryErr  error
}

func (f *fakeAdapter) Name() models.Provider { return f.name }

func (f *fakeAdapter) CreateOrder(ctx context.Context, req provider.CreateOrderRequest) (*provider.OrderHandle, error) {
	return f.handle, f.createErr
}

func (f *fakeAdapter) QueryStatus(ctx context.Context, providerRef string) (*provider.StatusResult, error) {
	return f.status, f.queryErr
}

func (f *fakeAdapter) VerifyWebhook(ctx context.Context, headers http.Header, form url.Values, body []byte) (*provider.VerifiedEvent, error) {
	return f.event, f.verifyErr
}

type fakeAdapterSource struct {
	adapter provider.Adapter
	err     error
}

func (f *fakeAdapterSource) Get(p models.Provider) (provider.Adapter, error) {
	return f.adapter, f.err
}

type memEventStore struct {
	recorded  []*models.WebhookEvent
	processed map[string]bool
	recordErr error
}

func newMemEventStore() *memEventStore {
	return &memEventStore{processed: map[string]bool{}}
}

func (m *memEventStore) key(p models.Provider, eventID string) string {
	return string(p) + "/" + eventID
}

func (m *memEventStore) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recorded = append(m.recorded, event)
	return nil
}

func (m *memEventStore) IsWebhookEventProcessed(ctx context.Context, p models.Provider, eventID string) (bool, error) {
	return m.processed[m.key(p, eventID)], nil
}

func (m *memEventStore) MarkWebhookEventProcessed(ctx context.Context, p models.Provider, eventID string) error {
	m.processed[m.key(p, eventID)] = true
	return nil
}

type fakeReconciler struct {
	result  *ReconciliationResult
	err     error
	applied []models.OrderStatus
	refs    []store.OrderRef
}

func (f *fakeReconciler) Apply(ctx context.Context, ref store.OrderRef, target models.OrderStatus, ev store.Evidence) (*ReconciliationResult, error) {
	f.applied = append(f.applied, target)
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ReconciliationResult{Applied: true}, nil
}

func wechatPaidEvent() *provider.VerifiedEvent {
	return &provider.VerifiedEvent{
		EventID:       "EV-2026-0001",
		EventType:     "TRANSACTION.SUCCESS",
		OrderNo:       "WX1700000000000ABCDEF",
		ProviderRef:   "4200001234",
		TransactionID: "4200001234",
		Amount:        2900,
	}
}

func TestWebhookIngestProcessesPaidNotification(t *testing.T) {
	st := newMemEventStore()
	rec := &fakeReconciler{}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderWechat, event: wechatPaidEvent()}}, st, nil, rec)

	res, err := ingest.Receive(context.Background(), models.ProviderWechat, http.Header{}, nil, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, IngestProcessed, res.Outcome)
	require.Len(t, rec.applied, 1)
	assert.Equal(t, models.OrderStatusCompleted, rec.applied[0])
	assert.Equal(t, "WX1700000000000ABCDEF", rec.refs[0].OrderNo)
	assert.True(t, st.processed["wechat/EV-2026-0001"])
	require.Len(t, st.recorded, 1)
	assert.Equal(t, "EV-2026-0001", st.recorded[0].EventID)
}

func TestWebhookIngestAuditFailureDoesNotBlock(t *testing.T) {
	st := newMemEventStore()
	st.recordErr = errors.New("insert failed")
	rec := &fakeReconciler{}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderWechat, event: wechatPaidEvent()}}, st, nil, rec)

	res, err := ingest.Receive(context.Background(), models.ProviderWechat, http.Header{}, nil, []byte(`{}`))
	require.NoError(t, err, "the audit row is best-effort; losing it must not trigger redelivery")

	assert.Equal(t, IngestProcessed, res.Outcome)
	require.Len(t, rec.applied, 1)
	assert.True(t, st.processed["wechat/EV-2026-0001"])
}

func TestWebhookIngestRefundCarriesTransactionID(t *testing.T) {
	st := newMemEventStore()
	rec := &fakeReconciler{}
	// Stripe refunds name neither our order number nor the session
	// reference; the payment intent is the only handle on the order.
	event := &provider.VerifiedEvent{EventID: "evt_2", EventType: "charge.refunded", TransactionID: "pi_1", Amount: 999}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderStripe, event: event}}, st, nil, rec)

	res, err := ingest.Receive(context.Background(), models.ProviderStripe, http.Header{}, nil, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, IngestProcessed, res.Outcome)
	require.Len(t, rec.refs, 1)
	assert.Empty(t, rec.refs[0].OrderNo)
	assert.Equal(t, "pi_1", rec.refs[0].TransactionID)
	assert.Equal(t, models.OrderStatusRefunded, rec.applied[0])
}

func TestWebhookIngestSecondDeliveryIsDuplicate(t *testing.T) {
	st := newMemEventStore()
	rec := &fakeReconciler{}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderWechat, event: wechatPaidEvent()}}, st, nil, rec)

	_, err := ingest.Receive(context.Background(), models.ProviderWechat, http.Header{}, nil, []byte(`{}`))
	require.NoError(t, err)

	res, err := ingest.Receive(context.Background(), models.ProviderWechat, http.Header{}, nil, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, IngestDuplicate, res.Outcome)
	assert.Len(t, rec.applied, 1, "the duplicate delivery must not reconcile again")
}

func TestWebhookIngestInvalidSignatureHalts(t *testing.T) {
	st := newMemEventStore()
	rec := &fakeReconciler{}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderStripe, verifyErr: provider.ErrSignatureInvalid}}, st, nil, rec)

	_, err := ingest.Receive(context.Background(), models.ProviderStripe, http.Header{}, nil, []byte(`{}`))
	assert.ErrorIs(t, err, provider.ErrSignatureInvalid)
	assert.Empty(t, rec.applied)
	// An audit row is still written for the rejected delivery.
	require.Len(t, st.recorded, 1)
	assert.Equal(t, "signature_rejected", st.recorded[0].EventType)
}

func TestWebhookIngestUnknownEventTypeIsAcked(t *testing.T) {
	st := newMemEventStore()
	rec := &fakeReconciler{}
	event := &provider.VerifiedEvent{EventID: "evt_1", EventType: "customer.created"}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderStripe, event: event}}, st, nil, rec)

	res, err := ingest.Receive(context.Background(), models.ProviderStripe, http.Header{}, nil, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, IngestIgnored, res.Outcome)
	assert.Empty(t, rec.applied)
	assert.True(t, st.processed["stripe/evt_1"], "ignored events are marked so redelivery dedups")
}

func TestWebhookIngestReconcileFailureLeavesEventUnprocessed(t *testing.T) {
	st := newMemEventStore()
	rec := &fakeReconciler{err: store.ErrOrderNotFound}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderWechat, event: wechatPaidEvent()}}, st, nil, rec)

	_, err := ingest.Receive(context.Background(), models.ProviderWechat, http.Header{}, nil, []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
	assert.False(t, st.processed["wechat/EV-2026-0001"], "the event must stay unprocessed so a retry can succeed")
}

func TestWebhookIngestDisabledProvider(t *testing.T) {
	ingest := NewWebhookIngest(&fakeAdapterSource{err: provider.ErrProviderDisabled}, newMemEventStore(), nil, &fakeReconciler{})

	_, err := ingest.Receive(context.Background(), models.ProviderPayPal, http.Header{}, nil, []byte(`{}`))
	assert.ErrorIs(t, err, provider.ErrProviderDisabled)
}

type memEventCache struct {
	seen map[string]bool
}

func (m *memEventCache) IsEventSeen(ctx context.Context, p, eventID string) (bool, error) {
	return m.seen[p+"/"+eventID], nil
}

func (m *memEventCache) MarkEventSeen(ctx context.Context, p, eventID string, ttl time.Duration) error {
	m.seen[p+"/"+eventID] = true
	return nil
}

func TestWebhookIngestCacheShortCircuitsDuplicate(t *testing.T) {
	st := newMemEventStore()
	cache := &memEventCache{seen: map[string]bool{"wechat/EV-2026-0001": true}}
	rec := &fakeReconciler{}
	ingest := NewWebhookIngest(&fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderWechat, event: wechatPaidEvent()}}, st, cache, rec)

	res, err := ingest.Receive(context.Background(), models.ProviderWechat, http.Header{}, nil, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, IngestDuplicate, res.Outcome)
	assert.Empty(t, rec.applied)
}
