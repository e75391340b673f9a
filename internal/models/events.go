package models

import "time"

// Event types published to the payment events topic.
const (
	EventTypePaymentCompleted     = "PAYMENT_COMPLETED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypePaymentRefunded      = "PAYMENT_REFUNDED"
	EventTypeSubscriptionExtended = "SUBSCRIPTION_EXTENDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentCompletedEvent published when an order transitions to completed.
type PaymentCompletedEvent struct {
	BaseEvent
	OrderNo       string   `json:"order_no"`
	UserID        string   `json:"user_id"`
	Provider      Provider `json:"provider"`
	Amount        int64    `json:"amount"`
	Currency      string   `json:"currency"`
	TransactionID string   `json:"transaction_id"`
}

// PaymentFailedEvent published when an order transitions to failed.
type PaymentFailedEvent struct {
	BaseEvent
	OrderNo  string   `json:"order_no"`
	UserID   string   `json:"user_id"`
	Provider Provider `json:"provider"`
	Reason   string   `json:"reason"`
}

// PaymentRefundedEvent published when a completed order is refunded.
type PaymentRefundedEvent struct {
	BaseEvent
	OrderNo       string   `json:"order_no"`
	UserID        string   `json:"user_id"`
	Provider      Provider `json:"provider"`
	Amount        int64    `json:"amount"`
	TransactionID string   `json:"transaction_id"`
}

// SubscriptionExtendedEvent published when a completed payment extends or
// creates the user's subscription. Consumed by the entitlement worker to
// sync the derived entitlements table.
type SubscriptionExtendedEvent struct {
	BaseEvent
	UserID       string    `json:"user_id"`
	PlanID       string    `json:"plan_id"`
	OrderNo      string    `json:"order_no"`
	PeriodEnd    time.Time `json:"period_end"`
	BillingCycle string    `json:"billing_cycle"`
}
