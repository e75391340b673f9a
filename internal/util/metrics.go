package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_orders_created_total",
		Help: "Total number of payment orders created",
	}, []string{"provider"})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_orders_rejected_total",
		Help: "Total number of order creation requests rejected",
	}, []string{"provider", "reason"})

	DuplicateSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_duplicate_submissions_total",
		Help: "Total number of order requests rejected by the duplicate-submission guard",
	}, []string{"provider"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_received_total",
		Help: "Total number of webhook deliveries received",
	}, []string{"provider"})

	WebhookSignatureFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_signature_failures_total",
		Help: "Total number of webhook deliveries rejected for invalid signatures",
	}, []string{"provider"})

	WebhookDuplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_duplicates_total",
		Help: "Total number of webhook deliveries skipped as already processed",
	}, []string{"provider"})

	WebhookUnknownEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_unknown_events_total",
		Help: "Total number of webhook deliveries acknowledged without reconciling",
	}, []string{"provider", "event_type"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Total number of reconciliation applications by outcome",
	}, []string{"target_status", "outcome"})

	SubscriptionExtensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_subscription_extensions_total",
		Help: "Total number of subscription period extensions applied",
	})

	StalePendingSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_stale_pending_swept_total",
		Help: "Total number of abandoned pending orders failed by the sweeper",
	})

	ProviderRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_request_latency_seconds",
		Help:    "Latency of outbound provider API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	ProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_provider_errors_total",
		Help: "Total number of failed outbound provider API calls",
	}, []string{"provider", "operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
