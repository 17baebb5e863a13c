package webui

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/teleton/internal/lifecycle"
)

// metrics owns the private prometheus registry behind /metrics.
type metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	sseClients prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teleton_http_requests_total",
			Help: "Control-plane HTTP requests by method and status.",
		}, []string{"method", "status"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teleton_sse_clients",
			Help: "Connected lifecycle event stream clients.",
		}),
	}
	registry.MustRegister(m.requests, m.sseClients)
	return m
}

// observeSupervisor registers gauges that read lifecycle state lazily.
func (m *metrics) observeSupervisor(sup Supervisor) {
	if sup == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "teleton_agent_up",
		Help: "1 while the agent lifecycle is in the running state.",
	}, func() float64 {
		if sup.State() == lifecycle.StateRunning {
			return 1
		}
		return 0
	}))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "teleton_agent_uptime_seconds",
		Help: "Seconds since the agent entered running, 0 when not running.",
	}, func() float64 {
		uptime, ok := sup.Uptime()
		if !ok {
			return 0
		}
		return uptime.Seconds()
	}))
}

func (m *metrics) requestDone(method string, status int) {
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *metrics) sseConnected()    { m.sseClients.Inc() }
func (m *metrics) sseDisconnected() { m.sseClients.Dec() }

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
