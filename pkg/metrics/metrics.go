// Package metrics provides Prometheus instrumentation for the CoAP engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mash-protocol/coap-go/pkg/message"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "coap"

// Direction labels.
const (
	In  = "in"
	Out = "out"
)

// Metrics holds all Prometheus metrics of one engine.
type Metrics struct {
	// Message metrics
	Messages     *prometheus.CounterVec
	DatagramSize *prometheus.HistogramVec
	DecodeErrors *prometheus.CounterVec

	// Exchange metrics
	Events          *prometheus.CounterVec
	Retransmissions *prometheus.CounterVec
	Timeouts        *prometheus.CounterVec
	BlockTransfers  *prometheus.CounterVec

	// Server metrics
	RequestsHandled *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	Observers       prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg leaves
// them unregistered.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of CoAP messages sent and received",
			},
			[]string{"direction", "type", "code"},
		),
		DatagramSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "datagram_size_bytes",
				Help:      "Datagram size in bytes",
				Buckets:   []float64{16, 64, 128, 256, 512, 1024, 1152, 1500},
			},
			[]string{"direction"},
		),
		DecodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of undecodable datagrams",
			},
			[]string{"kind"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_events_total",
				Help:      "Total number of exchange lifecycle events",
			},
			[]string{"event", "role"},
		),
		Retransmissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of confirmable retransmissions",
			},
			[]string{"role"},
		),
		Timeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Total number of exchanges that exhausted their retransmissions",
			},
			[]string{"role"},
		),
		BlockTransfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transfer_steps_total",
				Help:      "Total number of blockwise steps by result",
			},
			[]string{"result"},
		),
		RequestsHandled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_handled_total",
				Help:      "Total number of requests answered by handlers",
			},
			[]string{"method", "code"},
		),
		HandlerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Request handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Observers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observers",
				Help:      "Number of registered observers",
			},
		),
	}
}

// ObserveMessage counts one message crossing the transport boundary.
func (m *Metrics) ObserveMessage(direction string, msg *message.Message, size int) {
	m.Messages.WithLabelValues(direction, msg.Type.String(), codeLabel(msg.Code)).Inc()
	m.DatagramSize.WithLabelValues(direction).Observe(float64(size))
}

// ObserveDecodeError counts an inbound datagram that could not be decoded.
func (m *Metrics) ObserveDecodeError(kind string) {
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// ObserveRequest tracks a handler invocation.
func (m *Metrics) ObserveRequest(method message.Code, f func() message.Code) {
	start := time.Now()
	code := f()
	m.HandlerDuration.WithLabelValues(method.String()).Observe(time.Since(start).Seconds())
	m.RequestsHandled.WithLabelValues(method.String(), codeLabel(code)).Inc()
}

// SetObservers records the current number of observers.
func (m *Metrics) SetObservers(n int) {
	m.Observers.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// codeLabel renders a code as "c.dd" to keep label values short.
func codeLabel(c message.Code) string {
	if c.IsRequest() || c.IsEmpty() {
		return c.String()
	}
	return string([]byte{'0' + c.Class(), '.', '0' + c.Detail()/10, '0' + c.Detail()%10})
}
