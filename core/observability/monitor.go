package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/hookserver/core"
)

// PerformanceMonitor keeps per-route latency and error statistics and
// derives bottlenecks from them.
type PerformanceMonitor struct {
	enabled atomic.Bool
	routes  sync.Map
	global  struct {
		totalRequests atomic.Uint64
		totalDuration atomic.Uint64
	}
	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex

	// thresholds
	SlowThreshold  time.Duration
	ErrorRateLimit float64
}

// RouteMetrics stores the counters of one route
type RouteMetrics struct {
	Name           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [len(latencyBounds) + 1]atomic.Uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type       string    `json:"type"`
	Location   string    `json:"location"`
	Severity   int       `json:"severity"`
	Impact     float64   `json:"impact"`
	DetectedAt time.Time `json:"detectedAt"`
	Details    string    `json:"details"`
}

// RouteSnapshot is a point-in-time copy of RouteMetrics
type RouteSnapshot struct {
	Route   string        `json:"route"`
	Count   uint64        `json:"count"`
	Errors  uint64        `json:"errors"`
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Buckets []uint64      `json:"buckets"`
}

// upper bounds of the latency buckets, in milliseconds
var latencyBounds = [...]uint64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{
		SlowThreshold:  100 * time.Millisecond,
		ErrorRateLimit: 0.05,
	}
	pm.enabled.Store(true)
	return pm
}

func (pm *PerformanceMonitor) Enable()  { pm.enabled.Store(true) }
func (pm *PerformanceMonitor) Disable() { pm.enabled.Store(false) }

// RecordRequest records one completed request
func (pm *PerformanceMonitor) RecordRequest(route string, duration time.Duration, isError bool) {
	if !pm.enabled.Load() {
		return
	}

	val, _ := pm.routes.LoadOrStore(route, &RouteMetrics{Name: route})
	metrics := val.(*RouteMetrics)

	metrics.Count.Add(1)
	if isError {
		metrics.Errors.Add(1)
	}

	durationNs := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	pm.updateMinMax(metrics, durationNs)
	metrics.latencyBuckets[bucketFor(durationNs)].Add(1)

	pm.global.totalRequests.Add(1)
	pm.global.totalDuration.Add(durationNs)
}

func (pm *PerformanceMonitor) updateMinMax(m *RouteMetrics, d uint64) {
	for {
		cur := m.MinDuration.Load()
		if cur != 0 && d >= cur {
			break
		}
		if m.MinDuration.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := m.MaxDuration.Load()
		if d <= cur {
			break
		}
		if m.MaxDuration.CompareAndSwap(cur, d) {
			break
		}
	}
}

func bucketFor(durationNs uint64) int {
	ms := durationNs / uint64(time.Millisecond)
	for i, bound := range latencyBounds {
		if ms < bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Run refreshes the bottleneck list every interval until ctx is done
func (pm *PerformanceMonitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pm.Analyze()
		}
	}
}

// Analyze recomputes the bottleneck list
func (pm *PerformanceMonitor) Analyze() []Bottleneck {
	if !pm.enabled.Load() {
		return pm.Bottlenecks()
	}
	found := pm.detectBottlenecks()
	pm.bottleneckMu.Lock()
	pm.bottlenecks = found
	pm.bottleneckMu.Unlock()
	return found
}

func (pm *PerformanceMonitor) detectBottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)
	now := time.Now()

	pm.routes.Range(func(_, value any) bool {
		m := value.(*RouteMetrics)
		count := m.Count.Load()
		if count == 0 {
			return true
		}

		avg := time.Duration(m.TotalDuration.Load() / count)
		if avg > pm.SlowThreshold {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "latency",
				Location:   m.Name,
				Severity:   8,
				Impact:     float64(avg) / float64(pm.SlowThreshold) * 100,
				DetectedAt: now,
				Details:    fmt.Sprintf("High latency (%v avg)", avg),
			})
		}

		errs := m.Errors.Load()
		if rate := float64(errs) / float64(count); errs > 0 && rate > pm.ErrorRateLimit {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Location:   m.Name,
				Severity:   10,
				Impact:     rate * 100,
				DetectedAt: now,
				Details:    fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
		return true
	})

	sort.Slice(bottlenecks, func(i, j int) bool {
		if bottlenecks[i].Severity != bottlenecks[j].Severity {
			return bottlenecks[i].Severity > bottlenecks[j].Severity
		}
		return bottlenecks[i].Location < bottlenecks[j].Location
	})
	return bottlenecks
}

// Bottlenecks returns the list computed by the last analysis
func (pm *PerformanceMonitor) Bottlenecks() []Bottleneck {
	pm.bottleneckMu.RLock()
	defer pm.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, pm.bottlenecks...)
}

// Snapshot copies the counters of every route, sorted by route
func (pm *PerformanceMonitor) Snapshot() []RouteSnapshot {
	var out []RouteSnapshot
	pm.routes.Range(func(_, value any) bool {
		m := value.(*RouteMetrics)
		s := RouteSnapshot{
			Route:   m.Name,
			Count:   m.Count.Load(),
			Errors:  m.Errors.Load(),
			Min:     time.Duration(m.MinDuration.Load()),
			Max:     time.Duration(m.MaxDuration.Load()),
			Buckets: make([]uint64, len(m.latencyBuckets)),
		}
		if s.Count > 0 {
			s.Average = time.Duration(m.TotalDuration.Load() / s.Count)
		}
		for i := range m.latencyBuckets {
			s.Buckets[i] = m.latencyBuckets[i].Load()
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// TotalRequests returns the number of requests recorded on every route
func (pm *PerformanceMonitor) TotalRequests() uint64 {
	return pm.global.totalRequests.Load()
}

// Plugin records every completed request of the scope. Requests that
// matched no route are grouped under "<method> <not found>".
func (pm *PerformanceMonitor) Plugin() core.Plugin {
	return func(scope *core.Engine) error {
		return scope.AddHook("onResponse", func(req *core.Request, reply *core.Reply) error {
			pm.RecordRequest(routeLabel(req), reply.ElapsedTime(), reply.StatusCode() >= 500)
			return nil
		})
	}
}

// ReportHandler answers with the route snapshots and current bottlenecks
func (pm *PerformanceMonitor) ReportHandler(*core.Request, *core.Reply) (any, error) {
	return map[string]any{
		"totalRequests": pm.TotalRequests(),
		"routes":        pm.Snapshot(),
		"bottlenecks":   pm.Bottlenecks(),
	}, nil
}

func routeLabel(req *core.Request) string {
	path := req.RouterPath()
	if path == "" {
		path = "<not found>"
	}
	return req.Method() + " " + path
}
