package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics
	ItemsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_items_fetched_total",
			Help: "Raw items returned by source fetches",
		},
		[]string{"source"},
	)

	MessagesInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_messages_inserted_total",
			Help: "Messages newly inserted into the store",
		},
		[]string{"source"},
	)

	ItemsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_items_skipped_total",
			Help: "Fetched items that produced no message",
		},
		[]string{"source"},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_parse_failures_total",
			Help: "Fetched items that could not be parsed",
		},
		[]string{"source"},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_fetch_errors_total",
			Help: "Failed scope polls",
		},
		[]string{"source", "kind"}, // "auth", "rate_limit", "transient"
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vibez_poll_duration_seconds",
			Help:    "Duration of one scope poll",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	// Supervisor metrics
	SupervisorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vibez_supervisor_state",
			Help: "Current supervisor state (0 discovering, 1 polling, 2 backoff, 3 stopped)",
		},
		[]string{"source"},
	)

	BackoffSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vibez_backoff_seconds",
			Help: "Most recent backoff delay",
		},
		[]string{"source"},
	)

	SupervisorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_supervisor_restarts_total",
			Help: "Supervisor restarts after a stop or crash",
		},
		[]string{"source"},
	)

	WatchedScopes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vibez_watched_scopes",
			Help: "Conversations currently monitored",
		},
		[]string{"source"},
	)

	// Downstream metrics
	BatchesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_batches_dispatched_total",
			Help: "Inserted batches handed to consumers",
		},
		[]string{"source"},
	)

	ConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_consumer_errors_total",
			Help: "Batch consumer failures, including panics",
		},
		[]string{"consumer"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_events_published_total",
			Help: "Outbound event notifications",
		},
		[]string{"sink", "result"}, // result: "ok" or "error"
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibez_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vibez_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)
