package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/STRATINT/aggregator/internal/breaker"
	"github.com/STRATINT/aggregator/internal/cache"
)

// RegisterCache exports the cache lookup counters and revalidation counts.
// Values are read from the live instances at scrape time.
func (c *Collector) RegisterCache(stats *cache.Stats, reval *cache.Revalidator) error {
	funcs := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Fresh cache hits.",
		}, func() float64 { return float64(stats.Hits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "stale_hits_total",
			Help: "Stale cache hits served while revalidating.",
		}, func() float64 { return float64(stats.StaleHits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache misses.",
		}, func() float64 { return float64(stats.Misses()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hit_ratio",
			Help: "Fresh and stale hits over all lookups.",
		}, func() float64 { return stats.Snapshot().HitRate }),
	}

	if reval != nil {
		funcs = append(funcs,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "cache", Name: "revalidations_total",
				Help: "Background revalidations started.",
			}, func() float64 { return float64(reval.Started()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "cache", Name: "revalidations_skipped_total",
				Help: "Revalidation triggers dropped because one was already in flight.",
			}, func() float64 { return float64(reval.Skipped()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "cache", Name: "revalidations_failed_total",
				Help: "Background revalidations that failed.",
			}, func() float64 { return float64(reval.Failed()) }),
		)
	}

	for _, f := range funcs {
		if err := c.registry.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBreakers exports per-source breaker state.
func (c *Collector) RegisterBreakers(reg *breaker.Registry) error {
	return c.registry.Register(&breakerCollector{registry: reg})
}

var (
	breakerFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "breaker", "failures"),
		"Consecutive failures recorded against a source.",
		[]string{"source"}, nil,
	)
	breakerOpenDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "breaker", "open"),
		"1 when the source's breaker is open.",
		[]string{"source"}, nil,
	)
)

type breakerCollector struct {
	registry *breaker.Registry
}

func (b *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerFailuresDesc
	ch <- breakerOpenDesc
}

func (b *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for source, st := range b.registry.Status() {
		open := 0.0
		if st.Open {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(breakerFailuresDesc, prometheus.GaugeValue, float64(st.Failures), source)
		ch <- prometheus.MustNewConstMetric(breakerOpenDesc, prometheus.GaugeValue, open, source)
	}
}
