package observability

import (
	"bytes"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/searchktools/hookserver/core"
)

// Metrics exports request counters and latency histograms to Prometheus
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge

	// started holds the requests counted in inflight
	started sync.Map
}

// NewMetrics creates the collectors in a fresh registry. namespace may be
// empty.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Completed requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time from request arrival to completed response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently in the lifecycle.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Plugin counts every request of the scope from onRequest to onResponse
func (m *Metrics) Plugin() core.Plugin {
	return func(scope *core.Engine) error {
		if err := scope.AddHook("onRequest", func(req *core.Request, _ *core.Reply) error {
			m.started.Store(req, struct{}{})
			m.inflight.Inc()
			return nil
		}); err != nil {
			return err
		}
		return scope.AddHook("onResponse", func(req *core.Request, reply *core.Reply) error {
			// onResponse also fires for requests that never reached this
			// onRequest hook
			if _, ok := m.started.LoadAndDelete(req); ok {
				m.inflight.Dec()
			}
			route := req.RouterPath()
			if route == "" {
				route = "<not found>"
			}
			m.requests.WithLabelValues(req.Method(), route, strconv.Itoa(reply.StatusCode())).Inc()
			m.duration.WithLabelValues(req.Method(), route).Observe(reply.ElapsedTime().Seconds())
			return nil
		})
	}
}

// Handler serves the registry on a plain net/http mux
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RouteHandler serves the registry in the text exposition format as a
// server route.
func (m *Metrics) RouteHandler(_ *core.Request, reply *core.Reply) (any, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	reply.Type(string(expfmt.FmtText))
	return buf.Bytes(), nil
}
