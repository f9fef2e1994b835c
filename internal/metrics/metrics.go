package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rada_webhook_requests_total",
			Help: "Provider webhook deliveries by kind and result",
		},
		[]string{"kind", "result"},
	)

	SettlementTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rada_settlement_transitions_total",
			Help: "Settlement state transitions by target state",
		},
		[]string{"state"},
	)

	PayoutRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rada_payout_requests_total",
			Help: "Payout calls issued to the provider by result",
		},
		[]string{"result"},
	)

	AttributionRisk = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rada_attribution_risk_total",
			Help: "Received funds that could not be attributed to a live session",
		},
		[]string{"reason"},
	)

	RateRefresh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rada_rate_refresh_total",
			Help: "Exchange rate refresh attempts by result",
		},
		[]string{"result"},
	)

	ActiveRateLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rada_rate_locks_active",
			Help: "Rate locks currently held",
		},
	)

	InvoicesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rada_invoices_issued_total",
			Help: "Lightning invoices requested by service and result",
		},
		[]string{"service", "result"},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rada_sessions_swept_total",
			Help: "Sessions removed by the idle sweeper",
		},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rada_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"route", "status"},
	)

	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rada_ledger_events_total",
			Help: "Settlement events written to the audit ledger by result",
		},
		[]string{"result"},
	)

	KafkaPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rada_kafka_publish_errors_total",
			Help: "Settlement events that failed to publish",
		},
	)
)
