package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_paste_claimed_total",
		Help: "no. of successful view-consuming reads",
	})
	PastePeeked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_paste_peeked_total",
		Help: "no. of successful display reads (non-consuming)",
	})
	PasteNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_paste_not_found_total",
		Help: "no. of reads resolving to not-found (absent, expired, or exhausted)",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_cache_misses_total",
		Help: "no. of cache misses",
	})
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebox_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebox_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
