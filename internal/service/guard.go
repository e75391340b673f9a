package service

import (
	"context"
	"fmt"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// DuplicateSubmissionError rejects a repeated order-creation request and
// carries the remaining wait in seconds for the client's retry hint.
type DuplicateSubmissionError struct {
	WaitSeconds int
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("duplicate payment request within window, retry in %ds", e.WaitSeconds)
}

// recentOrderFinder is the authoritative duplicate check against the
// order store.
type recentOrderFinder interface {
	FindRecentMatching(ctx context.Context, userID string, amount int64, currency string, provider models.Provider, methodVariant string, window time.Duration) (*models.Order, error)
}

// submissionReserver is the redis fast path. It is best-effort: guard
// correctness never depends on it.
type submissionReserver interface {
	ReserveSubmission(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SubmissionTTL(ctx context.Context, key string) (time.Duration, error)
	ReleaseSubmission(ctx context.Context, key string) error
}

// DuplicateGuard rejects a second order-creation request for the same
// (user, amount, currency, provider, variant) tuple inside the trailing
// window. It is a best-effort guard: a race between concurrent requests
// may still create two orders, which the reconciler's idempotent
// extension makes harmless.
type DuplicateGuard struct {
	store  recentOrderFinder
	redis  submissionReserver
	window time.Duration
	logger *zap.Logger
}

// NewDuplicateGuard creates a guard. redis may be nil; the DB check alone
// then carries the policy.
func NewDuplicateGuard(store recentOrderFinder, redis submissionReserver, window time.Duration) *DuplicateGuard {
	return &DuplicateGuard{
		store:  store,
		redis:  redis,
		window: window,
		logger: util.GetLogger(),
	}
}

func submissionKey(userID string, amount int64, currency string, provider models.Provider, methodVariant string) string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", userID, amount, currency, provider, methodVariant)
}

// CheckAndReserve returns nil when creation may proceed, or a
// *DuplicateSubmissionError with the remaining wait.
func (g *DuplicateGuard) CheckAndReserve(ctx context.Context, userID string, amount int64, currency string, provider models.Provider, methodVariant string) error {
	key := submissionKey(userID, amount, currency, provider, methodVariant)

	if g.redis != nil {
		reserved, err := g.redis.ReserveSubmission(ctx, key, g.window)
		if err != nil {
			g.logger.Warn("Duplicate-guard redis reservation failed, falling back to DB",
				zap.String("key", key),
				zap.Error(err))
		} else if !reserved {
			wait := int(g.window.Seconds())
			if ttl, err := g.redis.SubmissionTTL(ctx, key); err == nil && ttl > 0 {
				wait = int(ttl.Seconds())
			}
			util.DuplicateSubmissionsTotal.WithLabelValues(string(provider)).Inc()
			return &DuplicateSubmissionError{WaitSeconds: wait}
		}
	}

	recent, err := g.store.FindRecentMatching(ctx, userID, amount, currency, provider, methodVariant, g.window)
	if err != nil {
		return fmt.Errorf("failed to check recent orders: %w", err)
	}
	if recent != nil {
		wait := int((g.window - time.Since(recent.CreatedAt)).Seconds())
		if wait < 1 {
			wait = 1
		}
		util.DuplicateSubmissionsTotal.WithLabelValues(string(provider)).Inc()
		return &DuplicateSubmissionError{WaitSeconds: wait}
	}
	return nil
}

// Release drops the fast-path reservation when order creation failed
// downstream, so the user is not locked out for the full window by an
// order that never existed.
func (g *DuplicateGuard) Release(ctx context.Context, userID string, amount int64, currency string, provider models.Provider, methodVariant string) {
	if g.redis == nil {
		return
	}
	key := submissionKey(userID, amount, currency, provider, methodVariant)
	if err := g.redis.ReleaseSubmission(ctx, key); err != nil {
		g.logger.Warn("Failed to release duplicate-guard reservation",
			zap.String("key", key),
			zap.Error(err))
	}
}
