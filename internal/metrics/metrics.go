// Package metrics exposes the Prometheus collectors shared by the queue,
// event bus, webhook dispatcher, and SLA sweeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventBusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxidesk_eventbus_dropped_total",
		Help: "Events dropped because a subscriber's queue was full.",
	}, []string{"event_type"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxidesk_jobs_completed_total",
		Help: "Jobs that reached a terminal state.",
	}, []string{"job_type", "outcome"})

	JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oxidesk_job_queue_depth",
		Help: "Pending jobs by type, sampled on enqueue/fetch.",
	}, []string{"job_type"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxidesk_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	WebhookDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oxidesk_webhook_delivery_latency_seconds",
		Help:    "Latency of webhook POST attempts.",
		Buckets: prometheus.DefBuckets,
	})

	SlaBreaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxidesk_sla_breaches_total",
		Help: "SLA events transitioned to breached by the sweeper.",
	})

	EmailsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxidesk_emails_ingested_total",
		Help: "Emails processed by the ingester, by outcome.",
	}, []string{"inbox_id", "outcome"})

	AutomationEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oxidesk_automation_rule_evaluations_total",
		Help: "Automation rule evaluations by action result.",
	}, []string{"action_result"})
)

// EventBusDroppedCounter satisfies eventbus.DroppedCounter; kept as a
// distinct type (rather than passing EventBusDropped's vector directly)
// since the bus only knows about the narrow interface, not this package.
type EventBusDroppedCounter struct{}

func (EventBusDroppedCounter) IncDropped(eventType string) {
	EventBusDropped.WithLabelValues(eventType).Inc()
}
