package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatusLegalEdges(t *testing.T) {
	cases := []struct {
		current OrderStatus
		target  OrderStatus
	}{
		{OrderStatusPending, OrderStatusCompleted},
		{OrderStatusPending, OrderStatusFailed},
		{OrderStatusCompleted, OrderStatusRefunded},
	}

	for _, tc := range cases {
		kind, err := NextStatus(tc.current, tc.target)
		require.NoError(t, err, "%s -> %s", tc.current, tc.target)
		assert.Equal(t, TransitionApply, kind)
	}
}

func TestNextStatusTerminalRepeatIsNoop(t *testing.T) {
	for _, status := range []OrderStatus{OrderStatusCompleted, OrderStatusFailed, OrderStatusRefunded} {
		kind, err := NextStatus(status, status)
		require.NoError(t, err)
		assert.Equal(t, TransitionNoop, kind, "repeating %s must be a no-op", status)
	}
}

func TestNextStatusIllegalEdges(t *testing.T) {
	cases := []struct {
		current OrderStatus
		target  OrderStatus
	}{
		{OrderStatusFailed, OrderStatusCompleted},  // late TRADE_SUCCESS after TRADE_CLOSED
		{OrderStatusRefunded, OrderStatusPending},  // refunds never revert
		{OrderStatusRefunded, OrderStatusCompleted},
		{OrderStatusCompleted, OrderStatusFailed},
		{OrderStatusCompleted, OrderStatusPending},
		{OrderStatusFailed, OrderStatusRefunded},
		{OrderStatusPending, OrderStatusRefunded}, // refund requires a completed payment
	}

	for _, tc := range cases {
		_, err := NextStatus(tc.current, tc.target)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.current, tc.target)
	}
}

func TestExtendPeriodActiveSubscription(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	currentEnd := now.Add(10 * 24 * time.Hour)

	got := ExtendPeriod(currentEnd, now, PlanDuration(BillingCycleMonthly))

	// Early renewal keeps the remaining 10 days.
	assert.Equal(t, currentEnd.Add(30*24*time.Hour), got)
}

func TestExtendPeriodLapsedSubscription(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	currentEnd := now.Add(-24 * time.Hour)

	got := ExtendPeriod(currentEnd, now, PlanDuration(BillingCycleYearly))

	assert.Equal(t, now.Add(365*24*time.Hour), got)
}

func TestExtendPeriodZeroValueStartsFromNow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	got := ExtendPeriod(time.Time{}, now, PlanDuration(BillingCycleMonthly))

	assert.Equal(t, now.Add(30*24*time.Hour), got)
}

func TestPlanDuration(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, PlanDuration(BillingCycleMonthly))
	assert.Equal(t, 365*24*time.Hour, PlanDuration(BillingCycleYearly))
	assert.Equal(t, 30*24*time.Hour, PlanDuration("unknown"))
}
