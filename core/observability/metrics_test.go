package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hookserver/core"
)

func TestMetricsPlugin(t *testing.T) {
	m := NewMetrics("hookserver")
	e := core.New(core.Options{})
	require.NoError(t, e.Use(m.Plugin()))
	require.NoError(t, e.GET("/items/:id", func(*core.Request, *core.Reply) (any, error) {
		return map[string]any{"ok": true}, nil
	}))
	require.NoError(t, e.GET("/metrics", m.RouteHandler))

	for _, url := range []string{"/items/1", "/items/2", "/missing"} {
		_, err := e.Inject(core.InjectOptions{URL: url})
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/items/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "<not found>", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))

	res, err := e.Inject(core.InjectOptions{URL: "/metrics"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Contains(t, res.Header("Content-Type"), "text/plain")
	assert.Contains(t, res.String(), `hookserver_http_requests_total{method="GET",route="/items/:id",status="200"} 2`)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("")
	m.requests.WithLabelValues("GET", "/", "200").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/",status="200"} 1`)
}

func TestMetricsInflightSkipsShortCircuitedRequests(t *testing.T) {
	m := NewMetrics("")
	e := core.New(core.Options{})
	require.NoError(t, e.AddHook("onRequest", func(req *core.Request, reply *core.Reply) error {
		if req.Method() == "OPTIONS" {
			return reply.Code(204).Send(nil)
		}
		return nil
	}))
	require.NoError(t, e.Use(m.Plugin()))
	require.NoError(t, e.All("/", func(*core.Request, *core.Reply) (any, error) {
		return "ok", nil
	}))

	for _, method := range []string{"OPTIONS", "GET", "OPTIONS"} {
		res, err := e.Inject(core.InjectOptions{Method: method, URL: "/"})
		require.NoError(t, err)
		require.Less(t, res.StatusCode, 300)
	}

	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("OPTIONS", "/", "204")))
}
