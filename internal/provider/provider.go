package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
)

var (
	// ErrProviderUnavailable covers network errors, timeouts and auth
	// failures against the provider API. Orders stay pending when this is
	// returned; the caller must not treat it as a payment failure.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrSignatureInvalid is returned when a webhook signature is absent,
	// malformed or does not verify.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrProviderDisabled is returned by the registry for providers that
	// are not configured.
	ErrProviderDisabled = errors.New("payment provider not enabled")
)

// CreateOrderRequest is the normalized order-creation input shared by all
// adapters. Amount is in integer minor units (cents/fen).
type CreateOrderRequest struct {
	OrderNo       string
	Amount        int64
	Currency      string
	Description   string
	UserID        string
	MethodVariant string
}

// OrderHandle is what the provider hands back for a freshly created order:
// its own reference plus whatever the client needs to pay (a QR payload for
// wechat native, a hosted checkout or approval URL for the rest).
type OrderHandle struct {
	ProviderRef string
	CodeURL     string
	RedirectURL string
	ExpiresIn   int
}

// Status is the normalized provider-side order status.
type Status string

const (
	StatusNotPaid  Status = "not_paid"
	StatusPaid     Status = "paid"
	StatusClosed   Status = "closed"
	StatusRefunded Status = "refunded"
	StatusError    Status = "error"
)

// StatusResult is a normalized point-in-time status snapshot from the
// provider, used by the polling path.
type StatusResult struct {
	Status        Status
	RawState      string
	TransactionID string
	Amount        int64
	SuccessTime   *time.Time
}

// VerifiedEvent is a webhook notification whose signature has been
// verified. EventID is unique per provider and drives deduplication.
type VerifiedEvent struct {
	EventID       string
	EventType     string
	OrderNo       string
	ProviderRef   string
	TransactionID string
	Amount        int64
}

// Adapter is the per-provider contract. Implementations perform outbound
// HTTP and cryptographic verification only; they never touch local state.
type Adapter interface {
	Name() models.Provider

	// CreateOrder registers the order with the provider. Network and auth
	// errors surface as ErrProviderUnavailable.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderHandle, error)

	// QueryStatus polls the provider directly for the order identified by
	// our order number / the provider's reference.
	QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error)

	// VerifyWebhook authenticates an inbound notification. Alipay posts
	// form parameters, the others a raw body; both are supplied so each
	// adapter reads what its scheme signs. Returns ErrSignatureInvalid
	// when authentication fails.
	VerifyWebhook(ctx context.Context, headers http.Header, form url.Values, body []byte) (*VerifiedEvent, error)
}

// Registry holds the enabled adapters, built once at startup and injected
// into the services that need them.
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[models.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for p, or ErrProviderDisabled.
func (r *Registry) Get(p models.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, p)
	}
	return a, nil
}

// Enabled reports whether p has a configured adapter.
func (r *Registry) Enabled(p models.Provider) bool {
	_, ok := r.adapters[p]
	return ok
}

// BuildRegistry constructs adapters for every enabled provider in cfg.
// Sandbox verification bypasses are dropped in production regardless of
// configuration.
func BuildRegistry(cfg config.ProvidersConfig, server config.ServerConfig, timeout time.Duration) *Registry {
	client := &http.Client{Timeout: timeout}

	var adapters []Adapter
	if cfg.Stripe.Enabled {
		adapters = append(adapters, NewStripeAdapter(cfg.Stripe, client))
	}
	if cfg.PayPal.Enabled {
		pp := cfg.PayPal
		if server.IsProduction() {
			pp.SkipVerify = false
		}
		adapters = append(adapters, NewPayPalAdapter(pp, client))
	}
	if cfg.Alipay.Enabled {
		ap := cfg.Alipay
		if server.IsProduction() {
			ap.SkipVerify = false
		}
		adapters = append(adapters, NewAlipayAdapter(ap, client))
	}
	if cfg.Wechat.Enabled {
		adapters = append(adapters, NewWechatAdapter(cfg.Wechat, client))
	}

	return NewRegistry(adapters...)
}
