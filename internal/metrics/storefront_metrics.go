package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты разрешения региона.
const (
	RegionResultResolved   = "resolved"
	RegionResultCached     = "cached"
	RegionResultSelfHealed = "self_healed"
	RegionResultTransient  = "transient"
	RegionResultSuperseded = "superseded"
)

// Результаты мутаций корзины.
const (
	MutationResultCommitted  = "committed"
	MutationResultRolledBack = "rolled_back"
	MutationResultSuperseded = "superseded"
	MutationResultRejected   = "rejected"
)

// StorefrontMetrics содержит метрики региона, корзины и кеша цен.
// Все методы безопасны для nil-получателя.
type StorefrontMetrics struct {
	regionResolutions *prometheus.CounterVec
	regionDuration    prometheus.Histogram

	cartMutations    *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	inflight         prometheus.Gauge

	priceCache   *prometheus.CounterVec
	sessionsLive prometheus.Gauge

	outboxAttempts  *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	outboxOldestAge prometheus.Gauge
	outboxFailed    prometheus.Gauge

	purgeRuns *prometheus.CounterVec
	purgeLast *prometheus.GaugeVec
}

// NewStorefrontMetrics регистрирует метрики в DefaultRegisterer.
func NewStorefrontMetrics() *StorefrontMetrics {
	return NewStorefrontMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewStorefrontMetricsWithRegisterer регистрирует метрики в переданном registerer;
// повторная регистрация переиспользует уже существующие коллекторы.
func NewStorefrontMetricsWithRegisterer(registerer prometheus.Registerer) *StorefrontMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StorefrontMetrics{
		regionResolutions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_region_resolutions_total",
			Help: "Total number of region resolutions grouped by result",
		}, []string{"result"}),
		regionDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_region_resolve_duration_seconds",
			Help:    "Duration of region resolution against the catalog in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		cartMutations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_cart_mutations_total",
			Help: "Total number of cart line item mutations grouped by operation and result",
		}, []string{"op", "result"}),
		mutationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_cart_mutation_duration_seconds",
			Help:    "Duration of remote cart mutations in seconds, including time spent queued behind the same line item",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"op"}),
		inflight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_cart_inflight_mutations",
			Help: "Number of cart mutations applied optimistically and not yet settled",
		}),
		priceCache: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_price_label_cache_total",
			Help: "Price label cache lookups grouped by result",
		}, []string{"result"}),
		sessionsLive: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_sessions_live",
			Help: "Number of sessions currently held in memory",
		}),
		outboxAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result",
		}, []string{"result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_pending_records",
			Help: "Current number of pending cart events in the outbox",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		outboxFailed: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_outbox_failed_records",
			Help: "Number of cart events that exhausted publish attempts",
		}),
		purgeRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_retention_runs_total",
			Help: "Total number of retention purge runs grouped by target and result",
		}, []string{"target", "result"}),
		purgeLast: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "storefront_retention_last_deleted",
			Help: "Number of records deleted during the last successful purge run",
		}, []string{"target"}),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	collector := prometheus.NewGaugeVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordRegionResolution учитывает результат разрешения региона.
func (m *StorefrontMetrics) RecordRegionResolution(result string) {
	if m == nil {
		return
	}
	m.regionResolutions.WithLabelValues(result).Inc()
}

// RecordRegionDuration записывает время обращения к каталогу за регионом.
func (m *StorefrontMetrics) RecordRegionDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.regionDuration.Observe(duration.Seconds())
}

// RecordMutation учитывает завершённую мутацию корзины.
func (m *StorefrontMetrics) RecordMutation(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cartMutations.WithLabelValues(op, result).Inc()
	if duration > 0 {
		m.mutationDuration.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// RecordMutationRejected учитывает мутацию, отклонённую до оптимистичного применения.
func (m *StorefrontMetrics) RecordMutationRejected(op string) {
	if m == nil {
		return
	}
	m.cartMutations.WithLabelValues(op, MutationResultRejected).Inc()
}

// MutationStarted увеличивает число мутаций в полёте.
func (m *StorefrontMetrics) MutationStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// MutationFinished уменьшает число мутаций в полёте.
func (m *StorefrontMetrics) MutationFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// RecordPriceCache учитывает попадание или промах кеша ценников.
func (m *StorefrontMetrics) RecordPriceCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.priceCache.WithLabelValues("hit").Inc()
		return
	}
	m.priceCache.WithLabelValues("miss").Inc()
}

// SetLiveSessions выставляет число сессий в памяти.
func (m *StorefrontMetrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsLive.Set(float64(n))
}

// RecordOutboxAttempt учитывает попытку публикации из outbox.
func (m *StorefrontMetrics) RecordOutboxAttempt(result string) {
	if m == nil {
		return
	}
	m.outboxAttempts.WithLabelValues(result).Inc()
}

// SetOutboxBacklog выставляет размер и возраст backlog outbox и число failed-событий.
func (m *StorefrontMetrics) SetOutboxBacklog(pending, failed int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxFailed.Set(float64(failed))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// RecordPurge учитывает прогон очистки target (sessions, outbox).
func (m *StorefrontMetrics) RecordPurge(target, result string, deleted int64) {
	if m == nil {
		return
	}
	m.purgeRuns.WithLabelValues(target, result).Inc()
	if result == "ok" {
		m.purgeLast.WithLabelValues(target).Set(float64(deleted))
	}
}
