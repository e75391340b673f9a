package models

import "time"

// Provider identifies a payment provider.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	ProviderAlipay Provider = "alipay"
	ProviderWechat Provider = "wechat"
)

// KnownProviders lists every provider this service can be configured with.
var KnownProviders = []Provider{ProviderStripe, ProviderPayPal, ProviderAlipay, ProviderWechat}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderPayPal, ProviderAlipay, ProviderWechat:
		return true
	}
	return false
}

// OrderStatus is the internal payment order status vocabulary. Provider
// vocabularies are normalized into this set on ingest.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// Billing cycles supported on an order.
const (
	BillingCycleMonthly = "monthly"
	BillingCycleYearly  = "yearly"
)

// PlanDuration returns the entitlement duration purchased by one order of
// the given billing cycle.
func PlanDuration(billingCycle string) time.Duration {
	if billingCycle == BillingCycleYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Order is one payment attempt. Orders are append-only: they are created
// pending and only ever transitioned by the reconciler, never deleted.
type Order struct {
	ID            int64       `db:"id" json:"id"`
	OrderNo       string      `db:"order_no" json:"order_no"`
	UserID        string      `db:"user_id" json:"user_id"`
	Provider      Provider    `db:"provider" json:"provider"`
	MethodVariant string      `db:"method_variant" json:"method_variant,omitempty"`
	Amount        int64       `db:"amount" json:"amount"`
	Currency      string      `db:"currency" json:"currency"`
	Status        OrderStatus `db:"status" json:"status"`
	PlanID        string      `db:"plan_id" json:"plan_id"`
	BillingCycle  string      `db:"billing_cycle" json:"billing_cycle"`
	Description   string      `db:"description" json:"description,omitempty"`
	ProviderRef   string      `db:"provider_ref" json:"provider_ref,omitempty"`
	TransactionID string      `db:"transaction_id" json:"transaction_id,omitempty"`
	FailureReason string      `db:"failure_reason" json:"failure_reason,omitempty"`
	SuccessTime   *time.Time  `db:"success_time" json:"success_time,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the order sits in a terminal status.
func (o *Order) Terminal() bool {
	return o.Status != OrderStatusPending
}

// WebhookEvent is a received provider notification, persisted before
// verification so even malformed deliveries leave an audit row.
// (provider, event_id) is unique and drives deduplication.
type WebhookEvent struct {
	ID          int64      `db:"id" json:"id"`
	Provider    Provider   `db:"provider" json:"provider"`
	EventID     string     `db:"event_id" json:"event_id"`
	EventType   string     `db:"event_type" json:"event_type"`
	RawPayload  []byte     `db:"raw_payload" json:"-"`
	Processed   bool       `db:"processed" json:"processed"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ReceivedAt  time.Time  `db:"received_at" json:"received_at"`
}

// Subscription statuses.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription is the entitlement granted by completed payments. It is the
// source of truth; the entitlements table is derived from it.
type Subscription struct {
	ID                 int64     `db:"id" json:"id"`
	UserID             string    `db:"user_id" json:"user_id"`
	PlanID             string    `db:"plan_id" json:"plan_id"`
	Status             string    `db:"status" json:"status"`
	CurrentPeriodStart time.Time `db:"current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   time.Time `db:"current_period_end" json:"current_period_end"`
	SourceOrderNo      string    `db:"source_order_no" json:"source_order_no,omitempty"`
	SourceRef          string    `db:"source_ref" json:"source_ref,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Entitlement is the derived user-facing membership record kept in sync by
// the entitlement worker from payment events.
type Entitlement struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Pro       bool      `db:"pro" json:"pro"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
