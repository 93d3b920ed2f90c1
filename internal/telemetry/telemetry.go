// Package telemetry exposes Prometheus collectors for the crawl engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlcore_downloads_active",
			Help: "Number of requests currently in flight across all slots.",
		},
	)

	slotQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlcore_slot_queue_depth",
			Help: "Number of requests queued per slot key.",
		},
		[]string{"slot"},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlcore_downloads_total",
			Help: "Completed downloads, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	domainsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlcore_domains_open",
			Help: "Number of domains currently in the Open state.",
		},
	)

	domainsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlcore_domains_closed_total",
			Help: "Domain runs completed, labeled by terminal reason.",
		},
		[]string{"reason"},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlcore_pipeline_items_total",
			Help: "Items leaving the pipeline, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlcore_rate_limit_delay_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	mediaCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlcore_media_cache_total",
			Help: "Fingerprint cache lookups, labeled by result.",
		},
		[]string{"result"},
	)
)

// SetDownloadsActive records the global in-flight download count.
func SetDownloadsActive(n int) {
	downloadsActive.Set(float64(n))
}

// SetSlotQueueDepth records the queued request count for one slot.
func SetSlotQueueDepth(slot string, n int) {
	slotQueueDepth.WithLabelValues(slot).Set(float64(n))
}

// DropSlot removes per-slot series once the slot is destroyed.
func DropSlot(slot string) {
	slotQueueDepth.DeleteLabelValues(slot)
}

// CountDownload records one completed download with outcome "ok" or "error".
func CountDownload(outcome string) {
	downloadsTotal.WithLabelValues(outcome).Inc()
}

// SetDomainsOpen records the number of open domains.
func SetDomainsOpen(n int) {
	domainsOpen.Set(float64(n))
}

// CountDomainClosed records a terminal domain notification.
func CountDomainClosed(reason string) {
	domainsClosedTotal.WithLabelValues(reason).Inc()
}

// CountItem records one item outcome: "scraped" or "dropped".
func CountItem(outcome string) {
	itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records a rate limiter wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// CountMediaCache records a fingerprint cache lookup result: "hit",
// "coalesced" or "miss".
func CountMediaCache(result string) {
	mediaCacheTotal.WithLabelValues(result).Inc()
}
