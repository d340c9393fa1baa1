package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dashboard's Prometheus collectors on a private registry,
// so several dashboards (and tests) can live in one process.
//
// All methods are safe on a nil *Metrics and then do nothing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState   prometheus.Gauge
	StateTransitions  *prometheus.CounterVec // labels: state
	ReconnectAttempts prometheus.Counter
	FramesReceived    *prometheus.CounterVec // labels: kind
	MalformedFrames   prometheus.Counter
	RequestsSent      *prometheus.CounterVec // labels: result
	TransformDur      prometheus.Histogram
	TransformRows     prometheus.Gauge
	RequestTimeouts   prometheus.Counter
	AlertsRaised      *prometheus.CounterVec   // labels: source
	APIRequestDur     *prometheus.HistogramVec // labels: method, status
	StoreListeners    prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "futuresdash_ws_state",
			Help: "Current connection state (0=idle,1=connecting,2=open,3=closing,4=closed,5=reconnecting,6=lost)",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "futuresdash_ws_state_transitions_total",
			Help: "Connection state transitions by target state",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futuresdash_ws_reconnect_attempts_total",
			Help: "Total reconnect attempts scheduled",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "futuresdash_frames_received_total",
			Help: "Inbound frames by kind",
		}, []string{"kind"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futuresdash_frames_malformed_total",
			Help: "Inbound frames that were not valid JSON",
		}),
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "futuresdash_requests_total",
			Help: "Subscription requests by result",
		}, []string{"result"}),
		TransformDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "futuresdash_transform_duration_seconds",
			Help:    "Series transform latency per data frame",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		TransformRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "futuresdash_dataset_rows",
			Help: "Row count of the most recent dataset",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futuresdash_request_timeouts_total",
			Help: "Requests with no data frame inside the advisory window",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "futuresdash_alerts_total",
			Help: "Operator alerts raised by source",
		}, []string{"source"}),
		APIRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "futuresdash_api_request_duration_seconds",
			Help:    "REST request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		StoreListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "futuresdash_store_listeners",
			Help: "Registered view-state listeners",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionState,
		m.StateTransitions,
		m.ReconnectAttempts,
		m.FramesReceived,
		m.MalformedFrames,
		m.RequestsSent,
		m.TransformDur,
		m.TransformRows,
		m.RequestTimeouts,
		m.AlertsRaised,
		m.APIRequestDur,
		m.StoreListeners,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveState(code int, name string) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(code))
	m.StateTransitions.WithLabelValues(name).Inc()
	if name == "reconnecting" {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) ObserveFrame(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveMalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *Metrics) ObserveRequest(err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.RequestsSent.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTransform(d time.Duration, rows int) {
	if m == nil {
		return
	}
	m.TransformDur.Observe(d.Seconds())
	m.TransformRows.Set(float64(rows))
}

func (m *Metrics) ObserveTimeout() {
	if m == nil {
		return
	}
	m.RequestTimeouts.Inc()
}

func (m *Metrics) ObserveAlert(source string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveAPIRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequestDur.WithLabelValues(method, statusLabel(status)).Observe(d.Seconds())
}

func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.StoreListeners.Set(float64(n))
}

func statusLabel(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
