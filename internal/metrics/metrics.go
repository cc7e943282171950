// Package metrics defines Prometheus collectors for the service.
//
// All collectors are registered via promauto at package init. Use the helper
// functions in this package rather than touching collectors directly where a
// helper exists.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pixlift"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

// Upscale job metrics
var (
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upscale_jobs_submitted_total",
			Help:      "Upscale jobs accepted for processing",
		},
		[]string{"category", "provider"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upscale_jobs_completed_total",
			Help:      "Upscale jobs reaching a terminal state",
		},
		[]string{"category", "provider", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upscale_job_duration_seconds",
			Help:      "Time from submission to terminal state",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider"},
	)

	QueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_queue_rejections_total",
			Help:      "Jobs rejected because the worker queue was full",
		},
	)
)

// Credit ledger metrics
var (
	CreditsDebited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_debited_total",
			Help:      "Credits spent on upscale jobs",
		},
	)

	CreditsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_granted_total",
			Help:      "Credits granted, by ledger reason",
		},
		[]string{"reason"},
	)

	InsufficientCredits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_credits_total",
			Help:      "Debit attempts rejected for insufficient balance",
		},
	)
)

// Billing webhook metrics
var (
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Billing webhook events received, by event name and outcome",
		},
		[]string{"event", "outcome"},
	)

	WebhookSignatureFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_signature_failures_total",
			Help:      "Webhook deliveries rejected for an invalid signature",
		},
	)
)

// Webhook outcome label values.
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
	OutcomeReplay  = "replay"
	OutcomeError   = "error"
)
