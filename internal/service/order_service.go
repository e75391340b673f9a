package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/provider"
	"payment-service/internal/store"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrValidation covers malformed creation requests. The handler maps
	// it to 400.
	ErrValidation = errors.New("invalid payment request")

	// ErrForbidden means the caller does not own the order.
	ErrForbidden = errors.New("order does not belong to caller")

	// ErrNotCancellable means the order already left pending. The handler
	// maps it to 409.
	ErrNotCancellable = errors.New("order can no longer be cancelled")
)

// orderStore is the order persistence the service needs.
type orderStore interface {
	CreatePendingOrder(ctx context.Context, order *models.Order) error
	AttachProviderRef(ctx context.Context, orderNo, providerRef string) error
	FindByOrderNo(ctx context.Context, orderNo string) (*models.Order, error)
}

// OrderService handles order creation, status polling and cancellation.
type OrderService struct {
	store      orderStore
	guard      *DuplicateGuard
	providers  adapterSource
	reconciler orderReconciler
	business   config.BusinessConfig
	logger     *zap.Logger
}

func NewOrderService(st orderStore, guard *DuplicateGuard, providers adapterSource, reconciler orderReconciler, business config.BusinessConfig) *OrderService {
	return &OrderService{
		store:      st,
		guard:      guard,
		providers:  providers,
		reconciler: reconciler,
		business:   business,
		logger:     util.GetLogger(),
	}
}

// CreateOrderRequest is the inbound payload for order creation. Amount is
// in minor units (cents/fen).
type CreateOrderRequest struct {
	UserID        string          `json:"-"`
	Provider      models.Provider `json:"-"`
	MethodVariant string          `json:"method"`
	Amount        int64           `json:"amount" binding:"required,gt=0"`
	Currency      string          `json:"currency" binding:"required,len=3"`
	Description   string          `json:"description"`
	PlanID        string          `json:"plan_id" binding:"required"`
	BillingCycle  string          `json:"billing_cycle" binding:"required,oneof=monthly yearly"`
}

// CreateOrderResponse hands the client our order number plus whatever the
// provider returned to pay with.
type CreateOrderResponse struct {
	Success     bool   `json:"success"`
	OrderNo     string `json:"out_trade_no"`
	Provider    string `json:"provider"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CodeURL     string `json:"code_url,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	ExpiresIn   int    `json:"expires_in"`
}

var orderNoPrefixes = map[models.Provider]string{
	models.ProviderStripe: "ST",
	models.ProviderPayPal: "PP",
	models.ProviderAlipay: "AL",
	models.ProviderWechat: "WX",
}

func generateOrderNo(p models.Provider) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("%s%d%s", orderNoPrefixes[p], time.Now().UnixMilli(), suffix)
}

func (s *OrderService) validateCreate(req *CreateOrderRequest) error {
	if !req.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrValidation, req.Provider)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive integer of minor units", ErrValidation)
	}
	req.Currency = strings.ToUpper(req.Currency)
	// The Chinese providers settle domestic payments in CNY only.
	if (req.Provider == models.ProviderAlipay || req.Provider == models.ProviderWechat) && req.Currency != "CNY" {
		return fmt.Errorf("%w: %s orders must be in CNY", ErrValidation, req.Provider)
	}
	if req.BillingCycle != models.BillingCycleMonthly && req.BillingCycle != models.BillingCycleYearly {
		return fmt.Errorf("%w: billing_cycle must be monthly or yearly", ErrValidation)
	}
	return nil
}

// CreateOrder runs the duplicate-submission guard, registers the order
// with the provider and persists it as pending.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := s.validateCreate(req); err != nil {
		util.OrdersRejectedTotal.WithLabelValues(string(req.Provider), "validation").Inc()
		return nil, err
	}

	adapter, err := s.providers.Get(req.Provider)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues(string(req.Provider), "disabled").Inc()
		return nil, err
	}

	if err := s.guard.CheckAndReserve(ctx, req.UserID, req.Amount, req.Currency, req.Provider, req.MethodVariant); err != nil {
		return nil, err
	}

	order := &models.Order{
		OrderNo:       generateOrderNo(req.Provider),
		UserID:        req.UserID,
		Provider:      req.Provider,
		MethodVariant: req.MethodVariant,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        models.OrderStatusPending,
		PlanID:        req.PlanID,
		BillingCycle:  req.BillingCycle,
		Description:   req.Description,
	}
	if err := s.store.CreatePendingOrder(ctx, order); err != nil {
		s.guard.Release(ctx, req.UserID, req.Amount, req.Currency, req.Provider, req.MethodVariant)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	handle, err := adapter.CreateOrder(ctx, provider.CreateOrderRequest{
		OrderNo:       order.OrderNo,
		Amount:        order.Amount,
		Currency:      order.Currency,
		Description:   order.Description,
		UserID:        order.UserID,
		MethodVariant: order.MethodVariant,
	})
	if err != nil {
		// Release the reservation and close the just-created row: failed
		// rows do not match the duplicate window, so the user can retry
		// immediately.
		s.guard.Release(ctx, req.UserID, req.Amount, req.Currency, req.Provider, req.MethodVariant)
		if _, cerr := s.reconciler.Apply(ctx, store.OrderRef{OrderNo: order.OrderNo, Provider: order.Provider}, models.OrderStatusFailed, store.Evidence{
			Reason: "provider_error",
		}); cerr != nil {
			s.logger.Warn("Failed to close order after provider error",
				zap.String("order_no", order.OrderNo),
				zap.Error(cerr))
		}
		util.OrdersRejectedTotal.WithLabelValues(string(req.Provider), "provider_error").Inc()
		return nil, err
	}

	if handle.ProviderRef != "" {
		if err := s.store.AttachProviderRef(ctx, order.OrderNo, handle.ProviderRef); err != nil {
			return nil, fmt.Errorf("failed to attach provider ref: %w", err)
		}
	}

	util.OrdersCreatedTotal.WithLabelValues(string(req.Provider)).Inc()
	s.logger.Info("Payment order created",
		zap.String("order_no", order.OrderNo),
		zap.String("provider", string(req.Provider)),
		zap.Int64("amount", order.Amount),
		zap.String("currency", order.Currency))

	expiresIn := handle.ExpiresIn
	if expiresIn == 0 {
		expiresIn = s.business.OrderExpirySeconds
	}
	return &CreateOrderResponse{
		Success:     true,
		OrderNo:     order.OrderNo,
		Provider:    string(order.Provider),
		Amount:      order.Amount,
		Currency:    order.Currency,
		CodeURL:     handle.CodeURL,
		RedirectURL: handle.RedirectURL,
		ExpiresIn:   expiresIn,
	}, nil
}

// OrderStatusResponse merges the local order state with the most recent
// provider snapshot.
type OrderStatusResponse struct {
	Success       bool       `json:"success"`
	OrderNo       string     `json:"out_trade_no"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	TradeState    string     `json:"trade_state,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	SuccessTime   *time.Time `json:"success_time,omitempty"`
}

// QueryStatus returns the order's status, polling the provider for
// pending orders so a missed webhook still converges. Any status change
// learned from the poll goes through the reconciler, never a direct
// write.
func (s *OrderService) QueryStatus(ctx context.Context, orderNo, userID string) (*OrderStatusResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.QueryStatus")
	defer span.End()

	order, err := s.store.FindByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if userID != "" && order.UserID != userID {
		return nil, ErrForbidden
	}

	resp := &OrderStatusResponse{
		Success:       true,
		OrderNo:       order.OrderNo,
		Provider:      string(order.Provider),
		Status:        string(order.Status),
		Amount:        order.Amount,
		Currency:      order.Currency,
		TransactionID: order.TransactionID,
		SuccessTime:   order.SuccessTime,
	}
	if order.Terminal() {
		return resp, nil
	}

	adapter, err := s.providers.Get(order.Provider)
	if err != nil {
		return resp, nil
	}

	ref := order.ProviderRef
	if ref == "" {
		ref = order.OrderNo
	}
	snapshot, err := adapter.QueryStatus(ctx, ref)
	if err != nil {
		// Provider trouble never fails the order and never fails the
		// query; the local state is still the answer.
		s.logger.Warn("Provider status poll failed",
			zap.String("order_no", order.OrderNo),
			zap.String("provider", string(order.Provider)),
			zap.Error(err))
		return resp, nil
	}
	resp.TradeState = snapshot.RawState

	target, ok := snapshot.Status.OrderStatus()
	if !ok || target == order.Status {
		return resp, nil
	}

	result, err := s.reconciler.Apply(ctx, store.OrderRef{OrderNo: order.OrderNo, Provider: order.Provider}, target, store.Evidence{
		TransactionID: snapshot.TransactionID,
		SourceRef:     snapshot.TransactionID,
		Reason:        "status_poll:" + snapshot.RawState,
		SuccessTime:   snapshot.SuccessTime,
	})
	if err != nil {
		s.logger.Error("Failed to reconcile polled status",
			zap.String("order_no", order.OrderNo),
			zap.String("target_status", string(target)),
			zap.Error(err))
		return resp, nil
	}
	if result.Applied {
		resp.Status = string(result.Order.Status)
		resp.TransactionID = result.Order.TransactionID
		resp.SuccessTime = result.Order.SuccessTime
	}
	return resp, nil
}

// Cancel fails a pending order at the user's request.
func (s *OrderService) Cancel(ctx context.Context, orderNo, userID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.store.FindByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if userID != "" && order.UserID != userID {
		return nil, ErrForbidden
	}
	if order.Status != models.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotCancellable, orderNo, order.Status)
	}

	result, err := s.reconciler.Apply(ctx, store.OrderRef{OrderNo: orderNo, Provider: order.Provider}, models.OrderStatusFailed, store.Evidence{
		Reason: "cancelled_by_user",
	})
	if err != nil {
		return nil, err
	}
	if result.Order != nil {
		return result.Order, nil
	}
	return order, nil
}
