// Package metrics exports cache, prefetch and playback observations as
// Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Diagnostics implements the cache, prefetch and playback diagnostics sinks
type Diagnostics struct {
	registry *prometheus.Registry

	// Cache
	CacheHitBytes     prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	CacheStoredBytes  prometheus.Counter
	CacheEvictedBytes prometheus.Counter
	FetchFailures     prometheus.CounterVec

	// Prefetch
	PrefetchTotal prometheus.CounterVec
	PrefetchBytes prometheus.Counter

	// Playback
	RequestsSuppressed prometheus.Counter
	ItemSwitches       prometheus.Counter
	PlayerErrors       prometheus.CounterVec
}

// NewDiagnostics registers all metrics on a dedicated registry
func NewDiagnostics() *Diagnostics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Diagnostics{
		registry: reg,

		CacheHitBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "reeld_cache_hit_bytes_total",
			Help: "Bytes served from the media cache",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "reeld_cache_misses_total",
			Help: "Range reads that had to go to the network",
		}),
		CacheStoredBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "reeld_cache_stored_bytes_total",
			Help: "Bytes committed to the media cache",
		}),
		CacheEvictedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "reeld_cache_evicted_bytes_total",
			Help: "Bytes evicted from the media cache",
		}),
		FetchFailures: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reeld_fetch_failures_total",
				Help: "Failed upstream range fetches",
			},
			[]string{"status"},
		),

		PrefetchTotal: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reeld_prefetch_total",
				Help: "Prefetch outcomes per neighbor slot",
			},
			[]string{"slot", "outcome"},
		),
		PrefetchBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "reeld_prefetch_bytes_total",
			Help: "Bytes warmed by completed prefetches",
		}),

		RequestsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "reeld_play_requests_suppressed_total",
			Help: "Duplicate play requests dropped inside the dedup window",
		}),
		ItemSwitches: factory.NewCounter(prometheus.CounterOpts{
			Name: "reeld_item_switches_total",
			Help: "Times the player was loaded with a different item",
		}),
		PlayerErrors: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reeld_player_errors_total",
				Help: "Player errors by upstream response code",
			},
			[]string{"code"},
		),
	}
}

// Gatherer exposes the registry for the /metrics handler
func (d *Diagnostics) Gatherer() prometheus.Gatherer {
	return d.registry
}

func (d *Diagnostics) CacheHit(bytes int64) {
	d.CacheHitBytes.Add(float64(bytes))
}

func (d *Diagnostics) CacheMiss() {
	d.CacheMissesTotal.Inc()
}

func (d *Diagnostics) CacheStored(bytes int64) {
	d.CacheStoredBytes.Add(float64(bytes))
}

func (d *Diagnostics) CacheEvicted(bytes int64) {
	d.CacheEvictedBytes.Add(float64(bytes))
}

// FetchFailed counts a failed fetch; status 0 means a transport error
func (d *Diagnostics) FetchFailed(status int) {
	d.FetchFailures.WithLabelValues(codeLabel(status)).Inc()
}

func (d *Diagnostics) PrefetchStarted(slot, _ string) {
	d.PrefetchTotal.WithLabelValues(slot, "started").Inc()
}

func (d *Diagnostics) PrefetchCompleted(slot, _ string, bytes int64) {
	d.PrefetchTotal.WithLabelValues(slot, "completed").Inc()
	d.PrefetchBytes.Add(float64(bytes))
}

func (d *Diagnostics) PrefetchFailed(slot, _ string, _ int, _ error) {
	d.PrefetchTotal.WithLabelValues(slot, "failed").Inc()
}

// PrefetchSkipped labels the outcome with the skip reason
func (d *Diagnostics) PrefetchSkipped(slot, _, reason string) {
	d.PrefetchTotal.WithLabelValues(slot, "skipped-"+reason).Inc()
}

func (d *Diagnostics) PrefetchCancelled(slot, _ string) {
	d.PrefetchTotal.WithLabelValues(slot, "cancelled").Inc()
}

func (d *Diagnostics) RequestSuppressed() {
	d.RequestsSuppressed.Inc()
}

func (d *Diagnostics) ItemSwitched() {
	d.ItemSwitches.Inc()
}

func (d *Diagnostics) PlayerError(code int) {
	d.PlayerErrors.WithLabelValues(codeLabel(code)).Inc()
}

func codeLabel(code int) string {
	if code == 0 {
		return "none"
	}
	return strconv.Itoa(code)
}
