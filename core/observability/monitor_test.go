package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hookserver/core"
)

func TestPerformanceMonitor(t *testing.T) {
	pm := NewPerformanceMonitor()

	pm.RecordRequest("GET /api", 10*time.Millisecond, false)
	pm.RecordRequest("GET /api", 20*time.Millisecond, false)
	pm.RecordRequest("GET /api", 30*time.Millisecond, true)

	snap := pm.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "GET /api", snap[0].Route)
	assert.Equal(t, uint64(3), snap[0].Count)
	assert.Equal(t, uint64(1), snap[0].Errors)
	assert.Equal(t, 20*time.Millisecond, snap[0].Average)
	assert.Equal(t, 10*time.Millisecond, snap[0].Min)
	assert.Equal(t, 30*time.Millisecond, snap[0].Max)
	assert.Equal(t, uint64(3), snap[0].Buckets[3], "10-50ms bucket")
	assert.Equal(t, uint64(3), pm.TotalRequests())
}

func TestMonitorDisabled(t *testing.T) {
	pm := NewPerformanceMonitor()
	pm.Disable()
	pm.RecordRequest("GET /api", time.Millisecond, false)
	assert.Empty(t, pm.Snapshot())
}

func TestBottleneckDetection(t *testing.T) {
	pm := NewPerformanceMonitor()

	for i := 0; i < 100; i++ {
		pm.RecordRequest("GET /slow", 150*time.Millisecond, false)
		pm.RecordRequest("GET /flaky", time.Millisecond, i%10 == 0)
		pm.RecordRequest("GET /fine", time.Millisecond, false)
	}

	found := pm.Analyze()
	require.Len(t, found, 2)
	assert.Equal(t, "errors", found[0].Type)
	assert.Equal(t, "GET /flaky", found[0].Location)
	assert.Equal(t, "latency", found[1].Type)
	assert.Equal(t, "GET /slow", found[1].Location)
	assert.Equal(t, found, pm.Bottlenecks())
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	pm := NewPerformanceMonitor()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pm.Run(ctx, time.Millisecond) }()
	cancel()
	assert.NoError(t, <-done)
}

func TestMonitorPlugin(t *testing.T) {
	pm := NewPerformanceMonitor()
	e := core.New(core.Options{})
	require.NoError(t, e.Use(pm.Plugin()))
	require.NoError(t, e.GET("/users/:id", func(*core.Request, *core.Reply) (any, error) {
		return "user", nil
	}))
	require.NoError(t, e.GET("/report", pm.ReportHandler))

	for _, url := range []string{"/users/1", "/users/2", "/nowhere"} {
		_, err := e.Inject(core.InjectOptions{URL: url})
		require.NoError(t, err)
	}

	res, err := e.Inject(core.InjectOptions{URL: "/report"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Get("totalRequests").Int())
	assert.Equal(t, "GET /users/:id", res.Get("routes.0.route").String())
	assert.Equal(t, int64(2), res.Get("routes.0.count").Int())
	assert.Equal(t, "GET <not found>", res.Get("routes.1.route").String())
}

func BenchmarkRecordRequest(b *testing.B) {
	pm := NewPerformanceMonitor()
	duration := 10 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordRequest("GET /api", duration, false)
	}
}
