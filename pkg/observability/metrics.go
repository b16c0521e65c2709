// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing used across the capture pipeline and the webhook delivery queue.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CaptureMetrics holds all Prometheus metrics for capture and delivery.
type CaptureMetrics struct {
	// Capture metrics
	MutationsTotal     *prometheus.CounterVec
	MalformedTotal     *prometheus.CounterVec
	BlocksFlushedTotal *prometheus.CounterVec
	ChatMessagesTotal  *prometheus.CounterVec
	MeetingsTotal      *prometheus.CounterVec
	MeetingSeconds     *prometheus.HistogramVec
	AnchorWaitSeconds  *prometheus.HistogramVec
	RecoveredMeetings  prometheus.Counter
	RecoveryAbandoned  prometheus.Counter

	// Delivery metrics
	DeliveriesTotal    *prometheus.CounterVec
	DeliverySeconds    *prometheus.HistogramVec
	DeliveryQueueDepth *prometheus.GaugeVec
	DeliveryDLQTotal   *prometheus.CounterVec
}

// DefaultCaptureMetrics creates metrics on the default registerer.
func DefaultCaptureMetrics() *CaptureMetrics {
	return NewCaptureMetrics(prometheus.DefaultRegisterer)
}

// NewCaptureMetrics creates a new set of capture metrics.
func NewCaptureMetrics(reg prometheus.Registerer) *CaptureMetrics {
	factory := promauto.With(reg)

	return &CaptureMetrics{
		MutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captrail_mutations_total",
				Help: "Mutation batches processed per platform",
			},
			[]string{"platform"},
		),
		MalformedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captrail_malformed_mutations_total",
				Help: "Mutation batches from which no (speaker, text) could be extracted",
			},
			[]string{"platform"},
		),
		BlocksFlushedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captrail_blocks_flushed_total",
				Help: "Finalized transcript blocks per platform",
			},
			[]string{"platform"},
		),
		ChatMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captrail_chat_messages_total",
				Help: "Captured chat messages per platform",
			},
			[]string{"platform"},
		),
		MeetingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captrail_meetings_total",
				Help: "Meetings by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		MeetingSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "captrail_meeting_seconds",
				Help:    "Meeting duration from start detection to end",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
			},
			[]string{"platform"},
		),
		AnchorWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "captrail_anchor_wait_seconds",
				Help:    "Time spent waiting for the in-meeting anchor element",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"platform", "anchor"},
		),
		RecoveredMeetings: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "captrail_recovered_meetings_total",
				Help: "Prior meetings finalized by the recovery coordinator",
			},
		),
		RecoveryAbandoned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "captrail_recovery_abandoned_total",
				Help: "Recovery passes abandoned at the hard timeout",
			},
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captrail_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliverySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "captrail_webhook_delivery_seconds",
				Help:    "Webhook POST latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		DeliveryQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "captrail_delivery_queue_depth",
				Help: "Current delivery queue depth",
			},
			[]string{"queue"},
		),
		DeliveryDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captrail_delivery_dlq_total",
				Help: "Deliveries moved to the dead letter queue",
			},
			[]string{"reason"},
		),
	}
}
