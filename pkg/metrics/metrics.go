package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_api_requests_total",
		Help: "Total number of HTTP requests handled by the relay",
	}, []string{"endpoint", "status"})
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrelay_api_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	ValidationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_validation_failures_total",
		Help: "Total number of send requests rejected by validation",
	}, []string{"field"})

	// Mail metrics, labelled by transport name (smtp host or "ses")
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_mail_send_success_total",
		Help: "Total number of successful mail sends",
	}, []string{"transport"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_mail_send_failure_total",
		Help: "Total number of failed mail sends after all in-line retries",
	}, []string{"transport"})
	MailSendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_mail_send_retries_total",
		Help: "Total number of in-line send retries",
	}, []string{"transport"})
	MailSendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrelay_mail_send_duration_seconds",
		Help:    "Time spent handing a message to the transport, including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"transport"})

	// Queue metrics
	MailQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_mail_queued_total",
		Help: "Total number of messages accepted into the async queue",
	}, []string{"transport"})
	MailQueueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_mail_queue_dropped_total",
		Help: "Total number of messages rejected by the async queue",
	}, []string{"transport"})
	MailRetryScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_mail_retry_scheduled_total",
		Help: "Total number of queue retries scheduled",
	}, []string{"transport"})
	MailQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailrelay_mail_queue_depth",
		Help: "Messages waiting in the async queue",
	}, []string{"transport"})

	// Idempotency
	IdempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailrelay_idempotent_replays_total",
		Help: "Total number of requests answered from the idempotency store",
	})
	IdempotencyStoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_idempotency_store_errors_total",
		Help: "Total number of idempotency store failures",
	}, []string{"backend", "op"})

	// Event sinks
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_events_published_total",
		Help: "Total number of delivery events written to a sink",
	}, []string{"sink", "type"})
	EventSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_event_sink_errors_total",
		Help: "Total number of delivery event write failures",
	}, []string{"sink", "error_type"})
	EventSinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrelay_event_sink_latency_seconds",
		Help:    "Latency of delivery event writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_events_dropped_total",
		Help: "Total number of delivery events dropped before reaching a sink",
	}, []string{"sink", "reason"})
	EventSinkQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailrelay_event_sink_queue_depth",
		Help: "Delivery events waiting in a sink's buffer",
	}, []string{"sink"})
	EventCircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailrelay_event_circuit_breaker_state",
		Help: "Circuit breaker state per sink (0=closed, 1=open, 2=half-open)",
	}, []string{"sink"})
	EventCircuitBreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_event_circuit_breaker_rejections_total",
		Help: "Total number of sink writes rejected by an open circuit",
	}, []string{"sink"})

	// TransportReady is 1 once the transport passed verification.
	TransportReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_transport_ready",
		Help: "Whether the mail transport passed startup verification",
	})
)

func init() {
	prometheus.MustRegister(APIRequests)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ValidationFailures)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(MailSendRetries)
	prometheus.MustRegister(MailSendDuration)
	prometheus.MustRegister(MailQueued)
	prometheus.MustRegister(MailQueueDropped)
	prometheus.MustRegister(MailRetryScheduled)
	prometheus.MustRegister(MailQueueDepth)
	prometheus.MustRegister(IdempotentReplays)
	prometheus.MustRegister(IdempotencyStoreErrors)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventSinkErrors)
	prometheus.MustRegister(EventSinkLatency)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventSinkQueueDepth)
	prometheus.MustRegister(EventCircuitBreakerState)
	prometheus.MustRegister(EventCircuitBreakerRejections)
	prometheus.MustRegister(TransportReady)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
