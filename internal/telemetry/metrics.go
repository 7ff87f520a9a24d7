// Package telemetry holds Prometheus metrics for webhook and
// reconciliation observability.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. All webhook metrics
// are labeled by event type and category so dashboards can separate
// subscription churn from payment traffic.
type Metrics struct {
	// Webhook intake
	WebhookReceived *prometheus.CounterVec
	WebhookRejected prometheus.Counter
	WebhookLatency  *prometheus.HistogramVec

	// Reconciliation outcomes
	ReconcileProcessed *prometheus.CounterVec
	ReconcileFailed    *prometheus.CounterVec
	ReconcileIgnored   *prometheus.CounterVec

	// Subscription lifecycle
	SubscriptionsUpserted   *prometheus.CounterVec
	DowngradesToFree        prometheus.Counter
	FreeSubscriptionsPaused prometheus.Counter

	// Payments
	PaymentsUpserted *prometheus.CounterVec

	// External API performance
	StripeAPILatency *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in
// tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "meridian"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	subsystem := "billing"
	factory := promauto.With(reg)

	return &Metrics{
		WebhookReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhook deliveries that passed signature verification",
			},
			[]string{"event_type"},
		),
		WebhookRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_rejected_total",
				Help:      "Total webhook deliveries rejected before processing (bad signature)",
			},
		),
		WebhookLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "End-to-end webhook handling duration",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"category"},
		),
		ReconcileProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_processed_total",
				Help:      "Total events reconciled successfully",
			},
			[]string{"category", "event_type"},
		),
		ReconcileFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_failed_total",
				Help:      "Total events whose reconciliation failed",
			},
			[]string{"category", "error_code"},
		),
		ReconcileIgnored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_ignored_total",
				Help:      "Total events discarded by the classifier",
			},
			[]string{"event_type"},
		),
		SubscriptionsUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_upserted_total",
				Help:      "Total subscription rows written by reconciliation",
			},
			[]string{"status"},
		),
		DowngradesToFree: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "downgrades_to_free_total",
				Help:      "Total downgrade-to-free transitions after subscription deletion",
			},
		),
		FreeSubscriptionsPaused: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "free_subscriptions_paused_total",
				Help:      "Total free subscriptions paused when a paid subscription went active",
			},
		),
		PaymentsUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_upserted_total",
				Help:      "Total payment rows written by reconciliation",
			},
			[]string{"status", "kind"}, // kind: subscription, standalone
		),
		StripeAPILatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stripe_api_duration_seconds",
				Help:      "Stripe API call duration (differentiates app slowness from Stripe issues)",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
	}
}

// ObserveWebhook records one handled delivery.
func (m *Metrics) ObserveWebhook(category string, start time.Time) {
	if m == nil {
		return
	}
	m.WebhookLatency.WithLabelValues(category).Observe(time.Since(start).Seconds())
}

// Processed records a successful reconciliation.
func (m *Metrics) Processed(category, eventType string) {
	if m == nil {
		return
	}
	m.ReconcileProcessed.WithLabelValues(category, eventType).Inc()
}

// Failed records a failed reconciliation.
func (m *Metrics) Failed(category, errorCode string) {
	if m == nil {
		return
	}
	m.ReconcileFailed.WithLabelValues(category, errorCode).Inc()
}

// Ignored records a classifier discard.
func (m *Metrics) Ignored(eventType string) {
	if m == nil {
		return
	}
	m.ReconcileIgnored.WithLabelValues(eventType).Inc()
}
