package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redis"
	"github.com/vladislavdragonenkov/storefront/internal/storage/sqlite"
)

// runtimeDependencies — хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	store          domain.KeyValueStore
	outboxRepo     domain.OutboxRepository
	purger         domain.IdlePurger
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close session storage")
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func storageChecker(p pinger) healthcheck.Checker {
	return healthcheck.NewSimpleChecker("storage", p.Ping)
}

// initRuntimeDependencies открывает хранилище сессий и outbox.
// Redis удаляет состояние по TTL, поэтому purger есть только у sqlite и postgres.
// Outbox хранится в PostgreSQL только для драйвера postgres, иначе в памяти.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	logger = logger.WithField("storage_driver", cfg.StorageDriver)

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewKVStore()
		return &runtimeDependencies{
			store:          store,
			outboxRepo:     memory.NewOutboxRepository(),
			storageChecker: storageChecker(store),
			closeFn:        store.Close,
		}, nil

	case StorageDriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite storage: %w", err)
		}
		logger.WithField("path", store.Path()).Info("sqlite session storage initialized")
		return &runtimeDependencies{
			store:          store,
			outboxRepo:     memory.NewOutboxRepository(),
			purger:         store,
			storageChecker: storageChecker(store),
			closeFn:        store.Close,
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage requires STOREFRONT_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, fmt.Errorf("init postgres storage: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate postgres schema: %w", err)
			}
		}
		logger.Info("postgres session storage initialized")
		kv := postgres.NewKVStore(store)
		return &runtimeDependencies{
			store:          kv,
			outboxRepo:     postgres.NewOutboxRepository(store),
			purger:         kv,
			storageChecker: storageChecker(store),
			closeFn:        store.Close,
		}, nil

	case StorageDriverRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("redis storage requires STOREFRONT_REDIS_URL")
		}
		store, err := redis.Connect(ctx, cfg.RedisURL, redis.WithTTL(cfg.RedisTTL))
		if err != nil {
			return nil, fmt.Errorf("init redis storage: %w", err)
		}
		logger.Info("redis session storage initialized")
		return &runtimeDependencies{
			store:          store,
			outboxRepo:     memory.NewOutboxRepository(),
			storageChecker: storageChecker(store),
			closeFn:        store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initCatalog выбирает HTTP-клиент каталога или демо-каталог в памяти
// и оборачивает его circuit breaker'ом.
func initCatalog(cfg Config, logger *log.Entry) (*catalog.Breaker, error) {
	var next domain.Catalog
	if cfg.CatalogURL == "" {
		logger.Warn("STOREFRONT_CATALOG_URL is empty, using in-memory demo catalog")
		next = catalog.NewDemoMemory()
	} else {
		client, err := catalog.NewClient(cfg.CatalogURL, cfg.PublishableKey,
			catalog.WithTimeout(cfg.CatalogTimeout),
			catalog.WithLogger(logger.WithField("component", "catalog-client")),
		)
		if err != nil {
			return nil, fmt.Errorf("init catalog client: %w", err)
		}
		next = client
	}
	return catalog.NewBreaker(next, cfg.BreakerFailures, cfg.BreakerReset, logger.WithField("component", "catalog-breaker")), nil
}

// catalogChecker: открытый breaker переводит сервис в degraded, но не снимает readiness.
func catalogChecker(breaker *catalog.Breaker) healthcheck.Checker {
	return healthcheck.NewSoftChecker("catalog", func(context.Context) error {
		if state := breaker.State(); state == catalog.BreakerOpen {
			return fmt.Errorf("circuit breaker %s", state)
		}
		return nil
	})
}

// outboxLagThreshold — возраст самого старого pending-события, после которого outbox считается отстающим.
const outboxLagThreshold = time.Minute

// outboxChecker переводит сервис в degraded, когда события корзины не уходят в Kafka.
func outboxChecker(repo domain.OutboxRepository) healthcheck.Checker {
	return healthcheck.NewSoftChecker("outbox", func(ctx context.Context) error {
		stats, err := repo.Backlog(ctx)
		if err != nil {
			return fmt.Errorf("outbox backlog: %w", err)
		}
		if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
			return nil
		}
		if lag := time.Since(stats.OldestPendingAt); lag > outboxLagThreshold {
			return fmt.Errorf("%d cart events pending, oldest %s ago", stats.PendingCount, lag.Truncate(time.Second))
		}
		return nil
	})
}
