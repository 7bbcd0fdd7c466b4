// Package metrics collects cache statistics: Prometheus collectors for
// operator-facing reporting and a short rolling window for "how fast right
// now" rates.
//
// Statistics are never authoritative for availability decisions - the
// ledger is. A nil *Metrics is valid and makes every method a no-op, so
// components can be wired without metrics at zero overhead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the cache engine.
type Metrics struct {
	bytesOnDisk       prometheus.Gauge
	requests          *prometheus.CounterVec
	waitEvents        prometheus.Counter
	waitDuration      prometheus.Histogram
	evictedBytes      prometheus.Counter
	evictedEntries    prometheus.Counter
	downloadsInFlight prometheus.Gauge
	downloadedBytes   prometheus.Counter
	deliveredBytes    prometheus.Counter
	originRetries     prometheus.Counter

	downloadRate *RateWindow
	deliveryRate *RateWindow
}

// New creates Metrics registered on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		bytesOnDisk: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "seekcache_bytes_on_disk",
			Help: "Total downloaded bytes across all cache entries per the ledger",
		}),
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "seekcache_proxy_requests_total",
			Help: "Proxy requests by outcome",
		}, []string{"outcome"}), // "hit", "miss", "unavailable", "not_found", "unsatisfiable", "failed"
		waitEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "seekcache_wait_events_total",
			Help: "Times a proxy request had to wait for data to land",
		}),
		waitDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "seekcache_wait_duration_seconds",
			Help: "Duration of proxy waits for data availability",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
			},
		}),
		evictedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "seekcache_evicted_bytes_total",
			Help: "Bytes reclaimed by the eviction manager",
		}),
		evictedEntries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "seekcache_evicted_entries_total",
			Help: "Whole cache entries removed by the eviction manager",
		}),
		downloadsInFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "seekcache_downloads_in_flight",
			Help: "Range fetches currently being executed by downloader workers",
		}),
		downloadedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "seekcache_downloaded_bytes_total",
			Help: "Bytes fetched from origins and confirmed in the ledger",
		}),
		deliveredBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "seekcache_delivered_bytes_total",
			Help: "Bytes streamed to players by the proxy",
		}),
		originRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "seekcache_origin_retries_total",
			Help: "Origin request retries after transient failures",
		}),

		downloadRate: NewRateWindow(10 * time.Second),
		deliveryRate: NewRateWindow(10 * time.Second),
	}
}

// SetBytesOnDisk records the ledger's total downloaded byte count.
func (m *Metrics) SetBytesOnDisk(n int64) {
	if m == nil {
		return
	}
	m.bytesOnDisk.Set(float64(n))
}

// ObserveRequest counts a proxy request by outcome.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveWait records a "had to wait" event and its duration.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.waitEvents.Inc()
	m.waitDuration.Observe(d.Seconds())
}

// ObserveEviction records an evicted entry and its reclaimed bytes.
func (m *Metrics) ObserveEviction(bytes int64) {
	if m == nil {
		return
	}
	m.evictedEntries.Inc()
	m.evictedBytes.Add(float64(bytes))
}

// DownloadStarted marks a range fetch as in flight.
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.downloadsInFlight.Inc()
}

// DownloadFinished marks a range fetch as done.
func (m *Metrics) DownloadFinished() {
	if m == nil {
		return
	}
	m.downloadsInFlight.Dec()
}

// ObserveDownloadProgress records bytes confirmed by a downloader sub-chunk.
// Feeds both the cumulative counter and the rolling rate window.
func (m *Metrics) ObserveDownloadProgress(bytes int64) {
	if m == nil {
		return
	}
	m.downloadedBytes.Add(float64(bytes))
	m.downloadRate.Record(bytes)
}

// ObserveDelivered records bytes streamed to a player.
func (m *Metrics) ObserveDelivered(bytes int64) {
	if m == nil {
		return
	}
	m.deliveredBytes.Add(float64(bytes))
	m.deliveryRate.Record(bytes)
}

// ObserveOriginRetry counts a retried origin request.
func (m *Metrics) ObserveOriginRetry() {
	if m == nil {
		return
	}
	m.originRetries.Inc()
}

// DownloadRate returns the current download rate in bytes per second,
// computed over the rolling window rather than from cumulative totals.
func (m *Metrics) DownloadRate() float64 {
	if m == nil {
		return 0
	}
	return m.downloadRate.Rate()
}

// DeliveryRate returns the current player-facing delivery rate in bytes
// per second.
func (m *Metrics) DeliveryRate() float64 {
	if m == nil {
		return 0
	}
	return m.deliveryRate.Rate()
}
