package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a requested status change is not a
// legal edge of the order state machine and is not an idempotent repeat of
// the current terminal status.
var ErrInvalidTransition = errors.New("invalid order status transition")

// TransitionKind classifies the outcome of a requested transition.
type TransitionKind int

const (
	// TransitionApply means the edge is legal and must be applied.
	TransitionApply TransitionKind = iota
	// TransitionNoop means the order already sits in the target terminal
	// status. Duplicate webhook deliveries land here and are treated as
	// success without side effects.
	TransitionNoop
)

// NextStatus is the single authority on order status transitions:
//
//	pending   -> completed | failed
//	completed -> refunded
//
// completed, failed and refunded are terminal; the only edge out of a
// terminal status is completed -> refunded. Re-requesting the current
// terminal status is a no-op, everything else is ErrInvalidTransition.
func NextStatus(current, target OrderStatus) (TransitionKind, error) {
	if current == target && current != OrderStatusPending {
		return TransitionNoop, nil
	}

	switch current {
	case OrderStatusPending:
		switch target {
		case OrderStatusCompleted, OrderStatusFailed:
			return TransitionApply, nil
		}
	case OrderStatusCompleted:
		if target == OrderStatusRefunded {
			return TransitionApply, nil
		}
	}

	return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

// ExtendPeriod computes the new period end after one paid renewal. An
// active period is extended from its current end so early renewal never
// loses remaining paid time; a missing or lapsed period restarts from now.
func ExtendPeriod(currentEnd time.Time, now time.Time, duration time.Duration) time.Time {
	if currentEnd.After(now) {
		return currentEnd.Add(duration)
	}
	return now.Add(duration)
}
