package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "forestwatch"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	liveViews      prometheus.Gauge
	eventsReceived *prometheus.CounterVec
	eventsRejected *prometheus.CounterVec
	sensorFetches  *prometheus.CounterVec
	breakerState   prometheus.Gauge
	httpDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		liveViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_views",
			Help:      "Live dashboard views currently mounted.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Push events received from the broker, by event name.",
		}, []string{"event"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Push events dropped by payload validation, by event name.",
		}, []string{"event"}),
		sensorFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_fetches_total",
			Help:      "Initial sensor-data fetches, by result.",
		}, []string{"result"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_api_breaker_state",
			Help:      "Sensor API circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.liveViews,
		m.eventsReceived,
		m.eventsRejected,
		m.sensorFetches,
		m.breakerState,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) SetLiveViews(n int) { m.liveViews.Set(float64(n)) }

func (m *Metrics) EventReceived(event string) { m.eventsReceived.WithLabelValues(event).Inc() }

func (m *Metrics) EventRejected(event string) { m.eventsRejected.WithLabelValues(event).Inc() }

func (m *Metrics) SensorFetch(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sensorFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) BreakerStateChanged(_, to gobreaker.State) {
	m.breakerState.Set(float64(to))
}

func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	m.httpDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}
