package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks engine and API activity.
type SystemMetrics struct {
	// Latency histograms
	CycleLatency *LatencyHistogram
	APILatency   *LatencyHistogram

	// Counters
	cycles            uint64
	tradesExecuted    uint64
	proposalsCreated  uint64
	proposalsResolved uint64
	errorsCount       uint64
	apiRequests       uint64
	apiErrors         uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		CycleLatency: NewLatencyHistogram(500),
		APILatency:   NewLatencyHistogram(1000),
		started:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementCycles()            { atomic.AddUint64(&m.cycles, 1) }
func (m *SystemMetrics) IncrementTrades()            { atomic.AddUint64(&m.tradesExecuted, 1) }
func (m *SystemMetrics) IncrementProposals()         { atomic.AddUint64(&m.proposalsCreated, 1) }
func (m *SystemMetrics) IncrementProposalsResolved() { atomic.AddUint64(&m.proposalsResolved, 1) }
func (m *SystemMetrics) IncrementErrors()            { atomic.AddUint64(&m.errorsCount, 1) }
func (m *SystemMetrics) IncrementAPI()               { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) IncrementAPIErrors()         { atomic.AddUint64(&m.apiErrors, 1) }

// MetricsSnapshot is a point-in-time view for the API.
type MetricsSnapshot struct {
	CycleLatency      LatencyStats `json:"cycle_latency"`
	APILatency        LatencyStats `json:"api_latency"`
	Cycles            uint64       `json:"cycles"`
	TradesExecuted    uint64       `json:"trades_executed"`
	ProposalsCreated  uint64       `json:"proposals_created"`
	ProposalsResolved uint64       `json:"proposals_resolved"`
	ErrorsCount       uint64       `json:"errors_count"`
	APIRequests       uint64       `json:"api_requests"`
	APIErrors         uint64       `json:"api_errors"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	Uptime            string       `json:"uptime"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		CycleLatency:      m.CycleLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		Cycles:            atomic.LoadUint64(&m.cycles),
		TradesExecuted:    atomic.LoadUint64(&m.tradesExecuted),
		ProposalsCreated:  atomic.LoadUint64(&m.proposalsCreated),
		ProposalsResolved: atomic.LoadUint64(&m.proposalsResolved),
		ErrorsCount:       atomic.LoadUint64(&m.errorsCount),
		APIRequests:       atomic.LoadUint64(&m.apiRequests),
		APIErrors:         atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		Uptime:            time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:         time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
