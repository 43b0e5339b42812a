package health

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a Monitor's metrics in Prometheus exposition format:
// counters as *_total, gauges as plain values, and processing latency as a
// summary with the 0.5/0.95/0.99 quantiles plus sum and count.
type Collector struct {
	monitor *Monitor
}

var (
	descEventsProcessed = prometheus.NewDesc(
		"event_worker_events_processed_total",
		"Events processed successfully.", nil, nil)
	descEventsFailed = prometheus.NewDesc(
		"event_worker_events_failed_total",
		"Event processing attempts that failed.", nil, nil)
	descEventsRetried = prometheus.NewDesc(
		"event_worker_events_retried_total",
		"Retries scheduled for failed events.", nil, nil)
	descEventsSkipped = prometheus.NewDesc(
		"event_worker_events_skipped_total",
		"Leased events skipped while waiting out a retry backoff.", nil, nil)
	descPollCycles = prometheus.NewDesc(
		"event_worker_poll_cycles_total",
		"Completed poll cycles.", nil, nil)
	descLeaseRenewals = prometheus.NewDesc(
		"event_worker_lease_renewals_total",
		"Successful lease renewals.", nil, nil)
	descLeaseRenewalFailures = prometheus.NewDesc(
		"event_worker_lease_renewal_failures_total",
		"Failed lease renewal attempts.", nil, nil)
	descPermanentFailures = prometheus.NewDesc(
		"event_worker_permanent_failures_total",
		"Events routed to permanent failure.", nil, nil)

	descActiveJobs = prometheus.NewDesc(
		"event_worker_active_jobs",
		"Events currently being processed.", nil, nil)
	descPendingRetries = prometheus.NewDesc(
		"event_worker_pending_retries",
		"Events waiting out a retry backoff.", nil, nil)

	descProcessingDuration = prometheus.NewDesc(
		"event_worker_processing_duration_ms",
		"Event processing latency in milliseconds.", nil, nil)
	descProcessingHistogram = prometheus.NewDesc(
		"event_worker_processing_duration_histogram_ms",
		"Event processing latency distribution in milliseconds.", nil, nil)
)

// NewCollector wraps a Monitor for registration with a Prometheus registry.
func NewCollector(m *Monitor) *Collector {
	return &Collector{monitor: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descEventsProcessed
	ch <- descEventsFailed
	ch <- descEventsRetried
	ch <- descEventsSkipped
	ch <- descPollCycles
	ch <- descLeaseRenewals
	ch <- descLeaseRenewalFailures
	ch <- descPermanentFailures
	ch <- descActiveJobs
	ch <- descPendingRetries
	ch <- descProcessingDuration
	ch <- descProcessingHistogram
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.monitor.HealthCheck()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(descEventsProcessed, snap.Counters.EventsProcessed)
	counter(descEventsFailed, snap.Counters.EventsFailed)
	counter(descEventsRetried, snap.Counters.EventsRetried)
	counter(descEventsSkipped, snap.Counters.EventsSkipped)
	counter(descPollCycles, snap.Counters.PollCycles)
	counter(descLeaseRenewals, snap.Counters.LeaseRenewals)
	counter(descLeaseRenewalFailures, snap.Counters.LeaseRenewalFailures)
	counter(descPermanentFailures, snap.Counters.PermanentFailures)

	ch <- prometheus.MustNewConstMetric(descActiveJobs, prometheus.GaugeValue, float64(snap.Gauges.ActiveJobs))
	ch <- prometheus.MustNewConstMetric(descPendingRetries, prometheus.GaugeValue, float64(snap.Gauges.PendingRetries))

	ch <- prometheus.MustNewConstSummary(descProcessingDuration,
		snap.Latency.Count, snap.Latency.SumMs,
		map[float64]float64{
			0.5:  snap.Latency.P50Ms,
			0.95: snap.Latency.P95Ms,
			0.99: snap.Latency.P99Ms,
		})

	// Bucket counts arrive per-bucket; the exposition format wants them
	// cumulative. The +Inf bucket is implied by the total count.
	buckets := make(map[float64]uint64, len(snap.Latency.Bounds))
	var cum uint64
	for i, bound := range snap.Latency.Bounds {
		cum += snap.Latency.Buckets[i]
		buckets[bound] = cum
	}
	ch <- prometheus.MustNewConstHistogram(descProcessingHistogram,
		snap.Latency.Count, snap.Latency.SumMs, buckets)
}
