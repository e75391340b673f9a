package provider

import (
	"testing"

	"payment-service/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestMapEvent(t *testing.T) {
	tests := []struct {
		provider  models.Provider
		eventType string
		want      models.OrderStatus
	}{
		{models.ProviderStripe, "checkout.session.completed", models.OrderStatusCompleted},
		{models.ProviderStripe, "checkout.session.expired", models.OrderStatusFailed},
		{models.ProviderStripe, "charge.refunded", models.OrderStatusRefunded},
		{models.ProviderPayPal, "PAYMENT.CAPTURE.COMPLETED", models.OrderStatusCompleted},
		{models.ProviderPayPal, "PAYMENT.CAPTURE.DENIED", models.OrderStatusFailed},
		{models.ProviderPayPal, "BILLING.SUBSCRIPTION.CANCELLED", models.OrderStatusRefunded},
		{models.ProviderAlipay, "TRADE_SUCCESS", models.OrderStatusCompleted},
		{models.ProviderAlipay, "TRADE_FINISHED", models.OrderStatusCompleted},
		{models.ProviderAlipay, "TRADE_CLOSED", models.OrderStatusFailed},
		{models.ProviderWechat, "TRANSACTION.SUCCESS", models.OrderStatusCompleted},
		{models.ProviderWechat, "PAYERROR", models.OrderStatusFailed},
		{models.ProviderWechat, "REFUND", models.OrderStatusRefunded},
	}
	for _, tt := range tests {
		got, ok := MapEvent(tt.provider, tt.eventType)
		assert.True(t, ok, "%s/%s should be mapped", tt.provider, tt.eventType)
		assert.Equal(t, tt.want, got, "%s/%s", tt.provider, tt.eventType)
	}
}

func TestMapEventUnknownVocabulary(t *testing.T) {
	_, ok := MapEvent(models.ProviderStripe, "customer.created")
	assert.False(t, ok)

	_, ok = MapEvent(models.ProviderWechat, "TRANSACTION.UNKNOWN")
	assert.False(t, ok)

	_, ok = MapEvent("square", "payment.updated")
	assert.False(t, ok)
}

func TestPollStatusMapping(t *testing.T) {
	status, ok := StatusPaid.OrderStatus()
	assert.True(t, ok)
	assert.Equal(t, models.OrderStatusCompleted, status)

	status, ok = StatusClosed.OrderStatus()
	assert.True(t, ok)
	assert.Equal(t, models.OrderStatusFailed, status)

	status, ok = StatusNotPaid.OrderStatus()
	assert.True(t, ok)
	assert.Equal(t, models.OrderStatusPending, status)

	// An errored poll never moves an order.
	_, ok = StatusError.OrderStatus()
	assert.False(t, ok)
}

func TestNormalizeTradeState(t *testing.T) {
	assert.Equal(t, StatusPaid, normalizeTradeState(wechatTradeStates, "SUCCESS"))
	assert.Equal(t, StatusNotPaid, normalizeTradeState(alipayTradeStates, "WAIT_BUYER_PAY"))
	assert.Equal(t, StatusError, normalizeTradeState(wechatTradeStates, "SOMETHING_NEW"))
}
