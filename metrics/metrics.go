// Package metrics exposes the bridge's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smsbridge"

// Delivery paths for MessagesDelivered.
const (
	PathDirect = "direct"
	PathRetry  = "retry"
	PathStore  = "store"
)

// Loss reasons for MessagesLost.
const (
	LossStoreFull    = "store_full"
	LossStoreError   = "store_error"
	LossStoreCorrupt = "store_corrupt"
)

type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  prometheus.Counter
	MessagesRejected  prometheus.Counter
	MessagesDelivered *prometheus.CounterVec
	PublishFailures   prometheus.Counter
	MessagesEscalated prometheus.Counter
	MessagesLost      *prometheus.CounterVec
	StoredMessages    prometheus.Gauge
	RetryActive       prometheus.Gauge
	RxOverflowBytes   prometheus.Counter
	Commands          *prometheus.CounterVec
	CommandDuration   prometheus.Histogram

	startTime time.Time
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from modem notifications.",
		}),
		MessagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Notification frames consumed without producing a message.",
		}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages published to the broker, by delivery path.",
		}, []string{"path"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Failed publish attempts.",
		}),
		MessagesEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_escalated_total",
			Help:      "Messages moved to the overflow store.",
		}),
		MessagesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_lost_total",
			Help:      "Messages dropped because they could not be persisted.",
		}, []string{"reason"}),
		StoredMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_messages",
			Help:      "Messages currently in the overflow store.",
		}),
		RetryActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_active",
			Help:      "1 while a message occupies the retry slot.",
		}),
		RxOverflowBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_overflow_bytes_total",
			Help:      "Bytes discarded from the modem receive buffer on overflow.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "at_commands_total",
			Help:      "AT command exchanges, by outcome.",
		}, []string{"outcome"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "at_command_duration_seconds",
			Help:      "Latency of AT command exchanges.",
			// 10ms .. ~20s
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	m.registry.MustRegister(
		m.MessagesReceived, m.MessagesRejected, m.MessagesDelivered,
		m.PublishFailures, m.MessagesEscalated, m.MessagesLost,
		m.StoredMessages, m.RetryActive, m.RxOverflowBytes,
		m.Commands, m.CommandDuration, uptime,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Received() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.MessagesRejected.Inc()
	}
}

func (m *Metrics) Delivered(path string) {
	if m != nil {
		m.MessagesDelivered.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) PublishFailed() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

func (m *Metrics) Escalated() {
	if m != nil {
		m.MessagesEscalated.Inc()
	}
}

func (m *Metrics) Lost(reason string) {
	if m != nil {
		m.MessagesLost.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetStored(n int) {
	if m != nil {
		m.StoredMessages.Set(float64(n))
	}
}

func (m *Metrics) SetRetryActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.RetryActive.Set(1)
	} else {
		m.RetryActive.Set(0)
	}
}

func (m *Metrics) RxOverflow(n int) {
	if m != nil {
		m.RxOverflowBytes.Add(float64(n))
	}
}

// Command records one AT exchange.
func (m *Metrics) Command(outcome string, d time.Duration) {
	if m != nil {
		m.Commands.WithLabelValues(outcome).Inc()
		m.CommandDuration.Observe(d.Seconds())
	}
}
