package observability

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Monitor records per-handler request metrics
type Monitor struct {
	enabled  atomic.Bool
	handlers *xsync.MapOf[string, *handlerMetrics]
	global   struct {
		totalRequests atomic.Uint64
		totalDuration atomic.Uint64
		totalBytes    atomic.Uint64
		totalErrors   atomic.Uint64
	}
}

type handlerMetrics struct {
	name           string
	count          atomic.Uint64
	errors         atomic.Uint64
	bytes          atomic.Uint64
	totalDuration  atomic.Uint64
	minDuration    atomic.Uint64
	maxDuration    atomic.Uint64
	latencyBuckets [len(LatencyBounds) + 1]atomic.Uint64
}

// LatencyBounds are the upper bounds of the latency histogram buckets.
// The last bucket counts everything slower.
var LatencyBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// HandlerStats is a snapshot of one handler's metrics
type HandlerStats struct {
	Name    string
	Count   uint64
	Errors  uint64
	Bytes   uint64
	Avg     time.Duration
	Min     time.Duration
	Max     time.Duration
	Latency []uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type     string
	Location string
	Severity int
	Details  string
}

// NewMonitor creates an enabled monitor
func NewMonitor() *Monitor {
	m := &Monitor{handlers: xsync.NewMapOf[string, *handlerMetrics]()}
	m.enabled.Store(true)
	return m
}

// SetEnabled turns recording on or off
func (m *Monitor) SetEnabled(on bool) { m.enabled.Store(on) }

// RecordRequest records one completed request
func (m *Monitor) RecordRequest(handler string, duration time.Duration, isError bool, bytes int64) {
	if !m.enabled.Load() {
		return
	}
	metrics, _ := m.handlers.LoadOrCompute(handler, func() *handlerMetrics {
		return &handlerMetrics{name: handler}
	})

	metrics.count.Add(1)
	if isError {
		metrics.errors.Add(1)
		m.global.totalErrors.Add(1)
	}
	if bytes > 0 {
		metrics.bytes.Add(uint64(bytes))
		m.global.totalBytes.Add(uint64(bytes))
	}
	d := uint64(max(duration, 0))
	metrics.totalDuration.Add(d)
	updateMinMax(metrics, d)
	metrics.latencyBuckets[bucketFor(duration)].Add(1)

	m.global.totalRequests.Add(1)
	m.global.totalDuration.Add(d)
}

func updateMinMax(m *handlerMetrics, d uint64) {
	for {
		cur := m.minDuration.Load()
		if cur != 0 && d >= cur {
			break
		}
		if m.minDuration.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := m.maxDuration.Load()
		if d <= cur {
			break
		}
		if m.maxDuration.CompareAndSwap(cur, d) {
			break
		}
	}
}

func bucketFor(d time.Duration) int {
	for i, bound := range LatencyBounds {
		if d < bound {
			return i
		}
	}
	return len(LatencyBounds)
}

// Totals returns requests, errors, bytes and cumulative duration
func (m *Monitor) Totals() (requests, errors, bytes uint64, duration time.Duration) {
	return m.global.totalRequests.Load(), m.global.totalErrors.Load(),
		m.global.totalBytes.Load(), time.Duration(m.global.totalDuration.Load())
}

// Snapshot returns the metrics of every handler, sorted by name
func (m *Monitor) Snapshot() []HandlerStats {
	var out []HandlerStats
	m.handlers.Range(func(_ string, h *handlerMetrics) bool {
		s := HandlerStats{
			Name:    h.name,
			Count:   h.count.Load(),
			Errors:  h.errors.Load(),
			Bytes:   h.bytes.Load(),
			Min:     time.Duration(h.minDuration.Load()),
			Max:     time.Duration(h.maxDuration.Load()),
			Latency: make([]uint64, len(h.latencyBuckets)),
		}
		if s.Count > 0 {
			s.Avg = time.Duration(h.totalDuration.Load() / s.Count)
		}
		for i := range h.latencyBuckets {
			s.Latency[i] = h.latencyBuckets[i].Load()
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bottlenecks flags handlers with high average latency or error rate
func (m *Monitor) Bottlenecks() []Bottleneck {
	var out []Bottleneck
	for _, s := range m.Snapshot() {
		if s.Count == 0 {
			continue
		}
		// High latency
		if s.Avg > 100*time.Millisecond {
			out = append(out, Bottleneck{
				Type:     "latency",
				Location: s.Name,
				Severity: 8,
				Details:  fmt.Sprintf("High latency (%v avg)", s.Avg),
			})
		}
		// High error rate
		if rate := float64(s.Errors) / float64(s.Count); s.Errors > 0 && rate > 0.05 {
			out = append(out, Bottleneck{
				Type:     "errors",
				Location: s.Name,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}
	return out
}
