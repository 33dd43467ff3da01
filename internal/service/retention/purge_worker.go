// Package retention периодически удаляет устаревшие записи: состояние
// неактивных сессий и доставленные события корзины из outbox.
package retention

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	DefaultInterval = 30 * time.Minute
	DefaultMaxAge   = 30 * 24 * time.Hour
	DefaultTarget   = "sessions"
)

// Options задает параметры PurgeWorker.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.StorefrontMetrics
	Target   string
	Interval time.Duration
	MaxAge   time.Duration
}

// Option настраивает PurgeWorker.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithTarget задает имя очищаемых данных для логов и метрик.
func WithTarget(target string) Option {
	return func(opts *Options) { opts.Target = target }
}

// WithInterval задает интервал между прогонами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithMaxAge задает возраст, после которого запись считается устаревшей.
func WithMaxAge(maxAge time.Duration) Option {
	return func(opts *Options) { opts.MaxAge = maxAge }
}

// PurgeWorker по таймеру вызывает IdlePurger: для сессий это id корзины,
// регион и избранное, для outbox отправленные события.
type PurgeWorker struct {
	purger   domain.IdlePurger
	target   string
	logger   *log.Entry
	metrics  *metrics.StorefrontMetrics
	interval time.Duration
	maxAge   time.Duration
}

func NewPurgeWorker(purger domain.IdlePurger, options ...Option) *PurgeWorker {
	opts := Options{
		Target:   DefaultTarget,
		Interval: DefaultInterval,
		MaxAge:   DefaultMaxAge,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "retention-worker")
	}
	logger = logger.WithField("target", opts.Target)
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}

	return &PurgeWorker{
		purger:   purger,
		target:   opts.Target,
		logger:   logger,
		metrics:  opts.Metrics,
		interval: opts.Interval,
		maxAge:   opts.MaxAge,
	}
}

// Run выполняет первый прогон сразу и далее по таймеру до отмены ctx.
func (w *PurgeWorker) Run(ctx context.Context) {
	if w.purger == nil {
		w.logger.Warn("retention worker is disabled: storage does not support purging")
		return
	}

	w.purge(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.purge(ctx)
		}
	}
}

// PurgeOnce выполняет один прогон и возвращает число удаленных записей.
func (w *PurgeWorker) PurgeOnce(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return w.purger.PurgeIdle(ctx, w.maxAge)
}

func (w *PurgeWorker) purge(ctx context.Context) {
	deleted, err := w.PurgeOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.metrics.RecordPurge(w.target, "error", 0)
		w.logger.WithError(err).Warn("purge run failed")
		return
	}

	w.metrics.RecordPurge(w.target, "ok", deleted)
	if deleted > 0 {
		w.logger.WithFields(log.Fields{
			"deleted": deleted,
			"max_age": w.maxAge.String(),
		}).Info("stale records purged")
	}
}
