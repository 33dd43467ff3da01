package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/retention"
	"github.com/vladislavdragonenkov/storefront/internal/service/session"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает storefront API и сервер метрик и блокируется до отмены ctx
// или падения API-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	storefrontMetrics := metrics.NewStorefrontMetrics()

	engine, err := pricing.NewEngine(
		pricing.WithLogger(logger.WithField("component", "price-engine")),
		pricing.WithMetrics(storefrontMetrics),
	)
	if err != nil {
		return err
	}

	catalogClient, err := initCatalog(cfg, logger)
	if err != nil {
		return err
	}

	// ошибка Kafka не фатальна: без неё нет только событий
	producer, _ := initKafkaProducer(cfg.Brokers(), logger)

	sessionOpts := []session.Option{
		session.WithLogger(logger.WithField("component", "session-manager")),
		session.WithMetrics(storefrontMetrics),
		session.WithPolicy(cfg.Policy()),
		session.WithPricing(engine),
		session.WithCapacity(cfg.SessionCapacity),
		session.WithDefaultCountry(cfg.DefaultCountry),
		session.WithFeedbackDelay(cfg.FeedbackDelay),
	}
	if producer != nil {
		sessionOpts = append(sessionOpts, session.WithEvents(deps.outboxRepo))
	}
	sessions, err := session.NewManager(catalogClient, deps.store, sessionOpts...)
	if err != nil {
		closeKafka(producer, logger)
		return err
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("catalog", catalogChecker(catalogClient))

	var consumer *kafka.Consumer
	workers := &backgroundWorkers{logger: logger}
	if deps.purger != nil {
		purger := retention.NewPurgeWorker(deps.purger,
			retention.WithLogger(logger.WithField("component", "retention-worker")),
			retention.WithMetrics(storefrontMetrics),
			retention.WithInterval(cfg.SessionPurgeInterval),
			retention.WithMaxAge(cfg.SessionIdleTTL),
		)
		workers.start(ctx, "session-purge", purger.Run)
	}
	if producer != nil {
		consumer, err = startRegionConsumer(ctx, cfg, producer, sessions, logger)
		if err != nil {
			logger.WithError(err).Warn("region events consumer disabled")
		}

		worker := outbox.NewWorker(
			deps.outboxRepo,
			kafka.NewOutboxPublisher(producer, cfg.CartEventsTopic),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithMetrics(storefrontMetrics),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		workers.start(ctx, "outbox", worker.Run)
		healthHandler.RegisterChecker("outbox", outboxChecker(deps.outboxRepo))

		pruner := retention.NewPurgeWorker(deps.outboxRepo,
			retention.WithTarget("outbox"),
			retention.WithLogger(logger.WithField("component", "retention-worker")),
			retention.WithMetrics(storefrontMetrics),
			retention.WithInterval(cfg.SessionPurgeInterval),
			retention.WithMaxAge(cfg.OutboxRetention),
		)
		workers.start(ctx, "outbox-retention", pruner.Run)
		healthHandler.RegisterChecker("kafka", healthcheck.NewSoftChecker("kafka", func(context.Context) error {
			if consumer == nil {
				return errors.New("region events consumer is not running")
			}
			return nil
		}))
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	api := httpapi.New(sessions, catalogClient, engine, logger.WithField("layer", "http"))
	apiSrv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		workers.stop()
		stopConsumer(consumer, logger)
		closeKafka(producer, logger)
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("storefront API слушает %s", lis.Addr())
		errCh <- apiSrv.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем storefront")
		shutdownHTTP(apiSrv, logger)
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownHTTP(metricsSrv, logger)
	workers.stop()
	stopConsumer(consumer, logger)
	closeKafka(producer, logger)
	return runErr
}

// startMetricsServer запускает /metrics, /healthz, /readyz и /livez.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// backgroundWorkers запускает фоновые воркеры и останавливает их в обратном порядке.
type backgroundWorkers struct {
	logger  *log.Entry
	running []runningWorker
}

type runningWorker struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *backgroundWorkers) start(ctx context.Context, name string, run func(context.Context)) {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(workerCtx)
	}()
	b.running = append(b.running, runningWorker{name: name, cancel: cancel, done: done})
}

// stop отменяет воркеры и ждёт завершения текущего прогона каждого не дольше shutdownTimeout.
func (b *backgroundWorkers) stop() {
	for i := len(b.running) - 1; i >= 0; i-- {
		w := b.running[i]
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(shutdownTimeout):
			b.logger.WithField("worker", w.name).Warn("worker did not stop in time")
		}
	}
	b.running = nil
}
