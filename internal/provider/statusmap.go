package provider

import "payment-service/internal/models"

// eventStatusTable is the single mapping from provider webhook vocabulary
// to the internal order status. Both the webhook path and the polling path
// normalize through this package so the two cannot drift.
var eventStatusTable = map[models.Provider]map[string]models.OrderStatus{
	models.ProviderStripe: {
		"checkout.session.completed": models.OrderStatusCompleted,
		"invoice.payment_succeeded":  models.OrderStatusCompleted,
		"invoice.payment_failed":     models.OrderStatusFailed,
		"checkout.session.expired":   models.OrderStatusFailed,
		"charge.refunded":            models.OrderStatusRefunded,
	},
	models.ProviderPayPal: {
		"PAYMENT.SALE.COMPLETED":         models.OrderStatusCompleted,
		"PAYMENT.CAPTURE.COMPLETED":      models.OrderStatusCompleted,
		"CHECKOUT.ORDER.APPROVED":        models.OrderStatusCompleted,
		"BILLING.SUBSCRIPTION.ACTIVATED": models.OrderStatusCompleted,
		"PAYMENT.SALE.DENIED":            models.OrderStatusFailed,
		"PAYMENT.CAPTURE.DENIED":         models.OrderStatusFailed,
		"PAYMENT.SALE.REFUNDED":          models.OrderStatusRefunded,
		"PAYMENT.CAPTURE.REFUNDED":       models.OrderStatusRefunded,
		"BILLING.SUBSCRIPTION.CANCELLED": models.OrderStatusRefunded,
	},
	models.ProviderAlipay: {
		"TRADE_SUCCESS":  models.OrderStatusCompleted,
		"TRADE_FINISHED": models.OrderStatusCompleted,
		"TRADE_CLOSED":   models.OrderStatusFailed,
		"REFUND":         models.OrderStatusRefunded,
	},
	models.ProviderWechat: {
		"TRANSACTION.SUCCESS": models.OrderStatusCompleted,
		"SUCCESS":             models.OrderStatusCompleted,
		"CLOSED":              models.OrderStatusFailed,
		"PAYERROR":            models.OrderStatusFailed,
		"REVOKED":             models.OrderStatusFailed,
		"REFUND":              models.OrderStatusRefunded,
	},
}

// MapEvent translates a provider event type or trade state to the internal
// order status. The second return is false for unrecognized vocabulary;
// such events are acknowledged without reconciling.
func MapEvent(p models.Provider, eventType string) (models.OrderStatus, bool) {
	table, ok := eventStatusTable[p]
	if !ok {
		return "", false
	}
	status, ok := table[eventType]
	return status, ok
}

// OrderStatus maps a normalized poll status onto the internal order
// status. StatusError has no mapping: a failed poll never moves an order.
func (s Status) OrderStatus() (models.OrderStatus, bool) {
	switch s {
	case StatusNotPaid:
		return models.OrderStatusPending, true
	case StatusPaid:
		return models.OrderStatusCompleted, true
	case StatusClosed:
		return models.OrderStatusFailed, true
	case StatusRefunded:
		return models.OrderStatusRefunded, true
	}
	return "", false
}

// alipayTradeStates and wechatTradeStates normalize each provider's trade
// state vocabulary for the query path.
var alipayTradeStates = map[string]Status{
	"WAIT_BUYER_PAY": StatusNotPaid,
	"TRADE_SUCCESS":  StatusPaid,
	"TRADE_FINISHED": StatusPaid,
	"TRADE_CLOSED":   StatusClosed,
}

var wechatTradeStates = map[string]Status{
	"NOTPAY":     StatusNotPaid,
	"USERPAYING": StatusNotPaid,
	"SUCCESS":    StatusPaid,
	"CLOSED":     StatusClosed,
	"REVOKED":    StatusClosed,
	"PAYERROR":   StatusClosed,
	"REFUND":     StatusRefunded,
}

func normalizeTradeState(table map[string]Status, raw string) Status {
	if s, ok := table[raw]; ok {
		return s
	}
	return StatusError
}
