package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/provider"
	"payment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOrderStore struct {
	orders    map[string]*models.Order
	createErr error
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: map[string]*models.Order{}}
}

func (m *memOrderStore) CreatePendingOrder(ctx context.Context, order *models.Order) error {
	if m.createErr != nil {
		return m.createErr
	}
	order.CreatedAt = time.Now()
	m.orders[order.OrderNo] = order
	return nil
}

func (m *memOrderStore) AttachProviderRef(ctx context.Context, orderNo, providerRef string) error {
	order, ok := m.orders[orderNo]
	if !ok {
		return store.ErrOrderNotFound
	}
	order.ProviderRef = providerRef
	return nil
}

func (m *memOrderStore) FindByOrderNo(ctx context.Context, orderNo string) (*models.Order, error) {
	order, ok := m.orders[orderNo]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return order, nil
}

func testBusiness() config.BusinessConfig {
	return config.BusinessConfig{
		DuplicateWindow:    60 * time.Second,
		OrderExpirySeconds: 7200,
	}
}

func newTestOrderService(st *memOrderStore, adapter provider.Adapter, rec *fakeReconciler) *OrderService {
	guard := NewDuplicateGuard(&fakeRecentFinder{}, nil, 60*time.Second)
	return NewOrderService(st, guard, &fakeAdapterSource{adapter: adapter}, rec, testBusiness())
}

func wechatCreateRequest() *CreateOrderRequest {
	return &CreateOrderRequest{
		UserID:        "user-1",
		Provider:      models.ProviderWechat,
		MethodVariant: "native",
		Amount:        2900,
		Currency:      "CNY",
		PlanID:        "pro",
		BillingCycle:  models.BillingCycleMonthly,
		Description:   "Pro monthly",
	}
}

func TestCreateOrderHappyPath(t *testing.T) {
	st := newMemOrderStore()
	adapter := &fakeAdapter{
		name:   models.ProviderWechat,
		handle: &provider.OrderHandle{ProviderRef: "prepay-123", CodeURL: "weixin://wxpay/bizpayurl?pr=abc", ExpiresIn: 7200},
	}
	svc := newTestOrderService(st, adapter, &fakeReconciler{})

	resp, err := svc.CreateOrder(context.Background(), wechatCreateRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, resp.OrderNo)
	assert.Equal(t, "WX", resp.OrderNo[:2])
	assert.Equal(t, int64(2900), resp.Amount)
	assert.Equal(t, "weixin://wxpay/bizpayurl?pr=abc", resp.CodeURL)

	stored := st.orders[resp.OrderNo]
	require.NotNil(t, stored)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, "prepay-123", stored.ProviderRef)
}

func TestCreateOrderRejectsBadRequests(t *testing.T) {
	svc := newTestOrderService(newMemOrderStore(), &fakeAdapter{name: models.ProviderWechat}, &fakeReconciler{})

	tests := []struct {
		name   string
		mutate func(*CreateOrderRequest)
	}{
		{"zero amount", func(r *CreateOrderRequest) { r.Amount = 0 }},
		{"negative amount", func(r *CreateOrderRequest) { r.Amount = -100 }},
		{"unknown provider", func(r *CreateOrderRequest) { r.Provider = "square" }},
		{"wechat in USD", func(r *CreateOrderRequest) { r.Currency = "USD" }},
		{"bad billing cycle", func(r *CreateOrderRequest) { r.BillingCycle = "weekly" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := wechatCreateRequest()
			tt.mutate(req)
			_, err := svc.CreateOrder(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateOrderRejectsDuplicateWithin60s(t *testing.T) {
	recent := &models.Order{CreatedAt: time.Now().Add(-10 * time.Second)}
	guard := NewDuplicateGuard(&fakeRecentFinder{order: recent}, nil, 60*time.Second)
	svc := NewOrderService(newMemOrderStore(), guard, &fakeAdapterSource{adapter: &fakeAdapter{name: models.ProviderWechat}}, &fakeReconciler{}, testBusiness())

	_, err := svc.CreateOrder(context.Background(), wechatCreateRequest())

	var dup *DuplicateSubmissionError
	require.ErrorAs(t, err, &dup)
	assert.InDelta(t, 50, dup.WaitSeconds, 2)
}

func TestCreateOrderProviderErrorClosesOrder(t *testing.T) {
	st := newMemOrderStore()
	adapter := &fakeAdapter{name: models.ProviderWechat, createErr: provider.ErrProviderUnavailable}
	rec := &fakeReconciler{}
	svc := newTestOrderService(st, adapter, rec)

	_, err := svc.CreateOrder(context.Background(), wechatCreateRequest())
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)

	// The just-created row is failed so it cannot trip the duplicate
	// window and the user can retry at once.
	require.Len(t, rec.applied, 1)
	assert.Equal(t, models.OrderStatusFailed, rec.applied[0])
}

func TestCreateOrderDisabledProvider(t *testing.T) {
	guard := NewDuplicateGuard(&fakeRecentFinder{}, nil, 60*time.Second)
	svc := NewOrderService(newMemOrderStore(), guard, &fakeAdapterSource{err: provider.ErrProviderDisabled}, &fakeReconciler{}, testBusiness())

	_, err := svc.CreateOrder(context.Background(), wechatCreateRequest())
	assert.ErrorIs(t, err, provider.ErrProviderDisabled)
}

func TestQueryStatusTerminalOrderSkipsProvider(t *testing.T) {
	st := newMemOrderStore()
	st.orders["WX1"] = &models.Order{OrderNo: "WX1", UserID: "user-1", Provider: models.ProviderWechat, Status: models.OrderStatusCompleted, Amount: 2900}
	adapter := &fakeAdapter{name: models.ProviderWechat, queryErr: errors.New("should not be called")}
	rec := &fakeReconciler{}
	svc := newTestOrderService(st, adapter, rec)

	resp, err := svc.QueryStatus(context.Background(), "WX1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, string(models.OrderStatusCompleted), resp.Status)
	assert.Empty(t, rec.applied)
}

func TestQueryStatusPendingOrderReconcilesPaidSnapshot(t *testing.T) {
	st := newMemOrderStore()
	st.orders["WX1"] = &models.Order{OrderNo: "WX1", UserID: "user-1", Provider: models.ProviderWechat, Status: models.OrderStatusPending, Amount: 2900}
	now := time.Now()
	adapter := &fakeAdapter{name: models.ProviderWechat, status: &provider.StatusResult{
		Status:        provider.StatusPaid,
		RawState:      "SUCCESS",
		TransactionID: "4200001234",
		SuccessTime:   &now,
	}}
	completed := &models.Order{OrderNo: "WX1", UserID: "user-1", Provider: models.ProviderWechat, Status: models.OrderStatusCompleted, TransactionID: "4200001234", SuccessTime: &now}
	rec := &fakeReconciler{result: &ReconciliationResult{Applied: true, Order: completed}}
	svc := newTestOrderService(st, adapter, rec)

	resp, err := svc.QueryStatus(context.Background(), "WX1", "user-1")
	require.NoError(t, err)

	require.Len(t, rec.applied, 1)
	assert.Equal(t, models.OrderStatusCompleted, rec.applied[0])
	assert.Equal(t, string(models.OrderStatusCompleted), resp.Status)
	assert.Equal(t, "SUCCESS", resp.TradeState)
	assert.Equal(t, "4200001234", resp.TransactionID)
}

func TestQueryStatusProviderDownReturnsLocalState(t *testing.T) {
	st := newMemOrderStore()
	st.orders["WX1"] = &models.Order{OrderNo: "WX1", UserID: "user-1", Provider: models.ProviderWechat, Status: models.OrderStatusPending}
	adapter := &fakeAdapter{name: models.ProviderWechat, queryErr: provider.ErrProviderUnavailable}
	rec := &fakeReconciler{}
	svc := newTestOrderService(st, adapter, rec)

	resp, err := svc.QueryStatus(context.Background(), "WX1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, string(models.OrderStatusPending), resp.Status, "a provider outage never fails the order")
	assert.Empty(t, rec.applied)
}

func TestQueryStatusForeignOrderIsForbidden(t *testing.T) {
	st := newMemOrderStore()
	st.orders["WX1"] = &models.Order{OrderNo: "WX1", UserID: "user-1", Provider: models.ProviderWechat, Status: models.OrderStatusPending}
	svc := newTestOrderService(st, &fakeAdapter{name: models.ProviderWechat}, &fakeReconciler{})

	_, err := svc.QueryStatus(context.Background(), "WX1", "user-2")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCancelRoutesThroughReconciler(t *testing.T) {
	st := newMemOrderStore()
	st.orders["WX1"] = &models.Order{OrderNo: "WX1", UserID: "user-1", Provider: models.ProviderWechat, Status: models.OrderStatusPending}
	failed := &models.Order{OrderNo: "WX1", Status: models.OrderStatusFailed}
	rec := &fakeReconciler{result: &ReconciliationResult{Applied: true, Order: failed}}
	svc := newTestOrderService(st, &fakeAdapter{name: models.ProviderWechat}, rec)

	order, err := svc.Cancel(context.Background(), "WX1", "user-1")
	require.NoError(t, err)

	require.Len(t, rec.applied, 1)
	assert.Equal(t, models.OrderStatusFailed, rec.applied[0])
	assert.Equal(t, models.OrderStatusFailed, order.Status)
}

func TestCancelCompletedOrderIsConflict(t *testing.T) {
	st := newMemOrderStore()
	st.orders["WX1"] = &models.Order{OrderNo: "WX1", UserID: "user-1", Provider: models.ProviderWechat, Status: models.OrderStatusCompleted}
	rec := &fakeReconciler{}
	svc := newTestOrderService(st, &fakeAdapter{name: models.ProviderWechat}, rec)

	_, err := svc.Cancel(context.Background(), "WX1", "user-1")

	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.Empty(t, rec.applied, "a paid order must be refused, not silently no-opped")
}

func TestGenerateOrderNoPrefixes(t *testing.T) {
	assert.Equal(t, "ST", generateOrderNo(models.ProviderStripe)[:2])
	assert.Equal(t, "PP", generateOrderNo(models.ProviderPayPal)[:2])
	assert.Equal(t, "AL", generateOrderNo(models.ProviderAlipay)[:2])
	assert.Equal(t, "WX", generateOrderNo(models.ProviderWechat)[:2])
	assert.NotEqual(t, generateOrderNo(models.ProviderWechat), generateOrderNo(models.ProviderWechat))
}
