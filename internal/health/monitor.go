// Package health owns all worker bookkeeping: counters, gauges, a latency
// histogram with sliding-window percentiles, and per-component health. It
// performs no I/O; recording operations never fail and reads return
// consistent snapshots.
package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/graphmesh/event-worker/internal/core"
)

// Status is an aggregate or per-component health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// latencyBucketBoundsMs are the fixed upper bounds of the cumulative
// latency histogram, in milliseconds. A final +Inf bucket is implicit.
var latencyBucketBoundsMs = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

const defaultWindowSize = 1000

// degradedErrorRate is the failed/(failed+processed) ratio at or above
// which the worker reports degraded.
const degradedErrorRate = 0.1

// Counters are monotonically increasing event counts.
type Counters struct {
	EventsProcessed      uint64 `json:"events_processed"`
	EventsFailed         uint64 `json:"events_failed"`
	EventsRetried        uint64 `json:"events_retried"`
	EventsSkipped        uint64 `json:"events_skipped"`
	PollCycles           uint64 `json:"poll_cycles"`
	LeaseRenewals        uint64 `json:"lease_renewals"`
	LeaseRenewalFailures uint64 `json:"lease_renewal_failures"`
	PermanentFailures    uint64 `json:"permanent_failures"`
}

// Gauges are instantaneous values.
type Gauges struct {
	ActiveJobs     int `json:"active_jobs"`
	PendingRetries int `json:"pending_retries"`
}

// LatencyStats summarizes recorded processing latencies in milliseconds.
type LatencyStats struct {
	Count   uint64    `json:"count"`
	SumMs   float64   `json:"sum_ms"`
	MinMs   float64   `json:"min_ms"`
	MaxMs   float64   `json:"max_ms"`
	AvgMs   float64   `json:"avg_ms"`
	P50Ms   float64   `json:"p50_ms"`
	P95Ms   float64   `json:"p95_ms"`
	P99Ms   float64   `json:"p99_ms"`
	Buckets []uint64  `json:"buckets"`
	Bounds  []float64 `json:"bucket_bounds_ms"`
}

// ComponentHealth is a named subsystem's independently reported status.
type ComponentHealth struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	CheckedAt string `json:"checked_at"`
}

// CheckResult is a consistent snapshot of worker health.
type CheckResult struct {
	Status        Status            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Counters      Counters          `json:"counters"`
	Gauges        Gauges            `json:"gauges"`
	Latency       LatencyStats      `json:"latency"`
	Components    []ComponentHealth `json:"components"`
}

// Options tune aggregate status thresholds.
type Options struct {
	// WarnAfter is the time since last success after which the worker is
	// degraded, provided some processing has occurred.
	WarnAfter time.Duration
	// CriticalAfter is the time since last success after which the worker
	// is unhealthy when everything so far has failed.
	CriticalAfter time.Duration
	// WindowSize bounds the raw-sample window used for percentiles.
	WindowSize int
}

// Monitor aggregates all worker metrics and health state.
type Monitor struct {
	mu sync.Mutex

	warnAfter     time.Duration
	criticalAfter time.Duration
	windowSize    int

	startedAt   time.Time
	lastSuccess time.Time
	nowFn       func() time.Time

	counters       Counters
	activeJobs     int
	pendingRetries int

	bucketCounts []uint64 // len(latencyBucketBoundsMs)+1, last is +Inf
	latMin       float64
	latMax       float64
	latSum       float64

	window     []float64
	windowNext int

	components map[string]ComponentHealth
}

// New creates a Monitor. Zero-value options select defaults
// (warn 2m, critical 10m, 1000-sample window).
func New(opts Options) *Monitor {
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = 2 * time.Minute
	}
	if opts.CriticalAfter <= 0 {
		opts.CriticalAfter = 10 * time.Minute
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	return &Monitor{
		warnAfter:     opts.WarnAfter,
		criticalAfter: opts.CriticalAfter,
		windowSize:    opts.WindowSize,
		startedAt:     time.Now(),
		nowFn:         time.Now,
		bucketCounts:  make([]uint64, len(latencyBucketBoundsMs)+1),
		window:        make([]float64, 0, opts.WindowSize),
		components:    make(map[string]ComponentHealth),
	}
}

// RecordProcessed counts one successful event and its processing latency.
func (m *Monitor) RecordProcessed(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.EventsProcessed++
	m.lastSuccess = m.nowFn()
	m.observeLatencyLocked(float64(latency) / float64(time.Millisecond))
}

// RecordFailure counts one failed processing attempt.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.EventsFailed++
}

// RecordRetry counts one retry scheduled for a failed event.
func (m *Monitor) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.EventsRetried++
}

// RecordSkipped counts one event skipped while waiting out its backoff.
func (m *Monitor) RecordSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.EventsSkipped++
}

// RecordPollCycle counts one completed poll cycle.
func (m *Monitor) RecordPollCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.PollCycles++
}

// RecordRenewal counts one lease renewal outcome.
func (m *Monitor) RecordRenewal(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.counters.LeaseRenewals++
	} else {
		m.counters.LeaseRenewalFailures++
	}
}

// RecordPermanentFailure counts one event routed to permanent failure.
func (m *Monitor) RecordPermanentFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.PermanentFailures++
}

// IncActiveJobs increments the in-flight job gauge.
func (m *Monitor) IncActiveJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeJobs++
}

// DecActiveJobs decrements the in-flight job gauge, clamping at zero.
func (m *Monitor) DecActiveJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJobs > 0 {
		m.activeJobs--
	}
}

// ActiveJobs returns the current in-flight job count.
func (m *Monitor) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeJobs
}

// SetPendingRetries updates the pending-retry gauge.
func (m *Monitor) SetPendingRetries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		n = 0
	}
	m.pendingRetries = n
}

// SetComponentHealth records a named subsystem's health report.
func (m *Monitor) SetComponentHealth(name string, status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = ComponentHealth{
		Name:      name,
		Status:    status,
		Message:   message,
		CheckedAt: core.FormatTime(m.nowFn()),
	}
}

// HealthCheck returns a consistent snapshot of current health state.
func (m *Monitor) HealthCheck() CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	components := make([]ComponentHealth, 0, len(m.components))
	for _, c := range m.components {
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return CheckResult{
		Status:        m.statusLocked(now),
		Timestamp:     core.FormatTime(now),
		UptimeSeconds: int64(now.Sub(m.startedAt).Seconds()),
		Counters:      m.counters,
		Gauges:        Gauges{ActiveJobs: m.activeJobs, PendingRetries: m.pendingRetries},
		Latency:       m.latencyStatsLocked(),
		Components:    components,
	}
}

// Status computes the aggregate health status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(m.nowFn())
}

// statusLocked applies the strict precedence: unhealthy, degraded,
// unknown, healthy.
func (m *Monitor) statusLocked(now time.Time) Status {
	for _, c := range m.components {
		if c.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}

	processed := m.counters.EventsProcessed
	failed := m.counters.EventsFailed
	sinceSuccess := now.Sub(m.sinceSuccessBaseLocked())

	if m.counters.PollCycles > 0 && processed == 0 && failed > 0 && sinceSuccess > m.criticalAfter {
		return StatusUnhealthy
	}

	total := processed + failed
	if total > 0 && float64(failed)/float64(total) >= degradedErrorRate {
		return StatusDegraded
	}
	if total > 0 && sinceSuccess > m.warnAfter {
		return StatusDegraded
	}
	for _, c := range m.components {
		if c.Status == StatusDegraded {
			return StatusDegraded
		}
	}

	if m.counters.PollCycles == 0 {
		return StatusUnknown
	}
	return StatusHealthy
}

func (m *Monitor) sinceSuccessBaseLocked() time.Time {
	if m.lastSuccess.IsZero() {
		return m.startedAt
	}
	return m.lastSuccess
}

func (m *Monitor) observeLatencyLocked(ms float64) {
	if m.latCountLocked() == 0 || ms < m.latMin {
		m.latMin = ms
	}
	if ms > m.latMax {
		m.latMax = ms
	}
	m.latSum += ms

	idx := len(latencyBucketBoundsMs)
	for i, bound := range latencyBucketBoundsMs {
		if ms <= bound {
			idx = i
			break
		}
	}
	m.bucketCounts[idx]++

	if len(m.window) < m.windowSize {
		m.window = append(m.window, ms)
	} else {
		m.window[m.windowNext] = ms
		m.windowNext = (m.windowNext + 1) % m.windowSize
	}
}

func (m *Monitor) latCountLocked() uint64 {
	var n uint64
	for _, c := range m.bucketCounts {
		n += c
	}
	return n
}

func (m *Monitor) latencyStatsLocked() LatencyStats {
	count := m.latCountLocked()
	stats := LatencyStats{
		Count:   count,
		SumMs:   m.latSum,
		Buckets: append([]uint64(nil), m.bucketCounts...),
		Bounds:  append([]float64(nil), latencyBucketBoundsMs...),
	}
	if count == 0 {
		return stats
	}
	stats.MinMs = m.latMin
	stats.MaxMs = m.latMax
	stats.AvgMs = m.latSum / float64(count)

	sorted := append([]float64(nil), m.window...)
	sort.Float64s(sorted)
	stats.P50Ms = percentile(sorted, 50)
	stats.P95Ms = percentile(sorted, 95)
	stats.P99Ms = percentile(sorted, 99)
	return stats
}

// percentile computes the rank-based percentile of a sorted sample:
// rank = ceil(p/100 * n) - 1, clamped to [0, n-1].
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank > n-1 {
		rank = n - 1
	}
	return sorted[rank]
}
