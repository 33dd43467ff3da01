package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/availability"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/retention"
	"github.com/vladislavdragonenkov/storefront/internal/service/session"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/sqlite"
)

// Драйверы хранилища состояния сессий.
const (
	StorageDriverMemory   = "memory"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverRedis    = "redis"
)

// Стратегии максимального количества позиции.
const (
	MaxQuantityPolicyFixed = "fixed"
	MaxQuantityPolicyStock = "stock"
)

const envPrefix = "STOREFRONT_"

// Config описывает настройки запуска storefront.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	CatalogURL      string
	PublishableKey  string
	CatalogTimeout  time.Duration
	BreakerFailures int
	BreakerReset    time.Duration

	StorageDriver       string
	SQLitePath          string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	RedisURL            string
	RedisTTL            time.Duration
	SessionCapacity     int

	SessionIdleTTL       time.Duration
	SessionPurgeInterval time.Duration

	KafkaBrokers      string
	KafkaGroupID      string
	RegionEventsTopic string
	CartEventsTopic   string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxRetention    time.Duration

	MaxQuantity       int
	MaxQuantityPolicy string
	FeedbackDelay     time.Duration
	DefaultCountry    string

	LogLevel  string
	LogFormat string
}

// DefaultConfig возвращает конфигурацию для локального запуска:
// демо-каталог в памяти, сессии в памяти, Kafka выключена.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		CatalogTimeout:      catalog.DefaultTimeout,
		BreakerFailures:     catalog.DefaultBreakerFailures,
		BreakerReset:        catalog.DefaultBreakerReset,
		StorageDriver:       StorageDriverMemory,
		SQLitePath:          sqlite.DefaultPath,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    postgres.DefaultPool().MaxConns,
		SessionCapacity:     session.DefaultCapacity,

		SessionIdleTTL:       retention.DefaultMaxAge,
		SessionPurgeInterval: retention.DefaultInterval,

		KafkaGroupID:       "storefront",
		RegionEventsTopic:  kafka.TopicRegionEvents,
		CartEventsTopic:    kafka.TopicCartEvents,
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxRetention:    72 * time.Hour,
		MaxQuantity:        availability.DefaultMaxQuantity,
		MaxQuantityPolicy:  MaxQuantityPolicyFixed,
		FeedbackDelay:      cart.DefaultFeedbackDelay,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// FromEnv читает STOREFRONT_* переменные окружения поверх DefaultConfig.
func FromEnv() Config {
	return readConfig(os.Getenv, log.WithField("component", "config"))
}

// readConfig: некорректные значения логируются и заменяются значениями по умолчанию.
func readConfig(getenv func(string) string, logger *log.Entry) Config {
	cfg := DefaultConfig()
	r := envReader{getenv: getenv, logger: logger}

	r.str("HTTP_ADDR", &cfg.HTTPAddr)
	r.str("METRICS_ADDR", &cfg.MetricsAddr)
	r.str("CATALOG_URL", &cfg.CatalogURL)
	r.str("PUBLISHABLE_KEY", &cfg.PublishableKey)
	r.duration("CATALOG_TIMEOUT", &cfg.CatalogTimeout)
	r.positiveInt("BREAKER_FAILURES", &cfg.BreakerFailures)
	r.duration("BREAKER_RESET", &cfg.BreakerReset)

	r.oneOf("SESSION_BACKEND", &cfg.StorageDriver,
		StorageDriverMemory, StorageDriverSQLite, StorageDriverPostgres, StorageDriverRedis)
	r.str("SQLITE_PATH", &cfg.SQLitePath)
	r.str("POSTGRES_DSN", &cfg.PostgresDSN)
	r.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	r.positiveInt("POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)
	r.str("REDIS_URL", &cfg.RedisURL)
	r.duration("REDIS_TTL", &cfg.RedisTTL)
	r.positiveInt("SESSION_CAPACITY", &cfg.SessionCapacity)
	r.duration("SESSION_IDLE_TTL", &cfg.SessionIdleTTL)
	r.duration("SESSION_PURGE_INTERVAL", &cfg.SessionPurgeInterval)

	r.str("KAFKA_BROKERS", &cfg.KafkaBrokers)
	r.str("KAFKA_GROUP_ID", &cfg.KafkaGroupID)
	r.str("REGION_EVENTS_TOPIC", &cfg.RegionEventsTopic)
	r.str("CART_EVENTS_TOPIC", &cfg.CartEventsTopic)

	r.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	r.positiveInt("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	r.positiveInt("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	r.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	r.duration("OUTBOX_RETENTION", &cfg.OutboxRetention)

	r.positiveInt("MAX_QUANTITY", &cfg.MaxQuantity)
	r.oneOf("MAX_QUANTITY_POLICY", &cfg.MaxQuantityPolicy, MaxQuantityPolicyFixed, MaxQuantityPolicyStock)
	r.duration("FEEDBACK_DELAY", &cfg.FeedbackDelay)
	r.str("DEFAULT_COUNTRY", &cfg.DefaultCountry)
	cfg.DefaultCountry = strings.ToLower(cfg.DefaultCountry)

	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)

	return cfg
}

// Brokers возвращает список брокеров Kafka без пустых элементов.
func (c Config) Brokers() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Policy строит политику доступности из MaxQuantity и MaxQuantityPolicy.
func (c Config) Policy() availability.Policy {
	return availability.NewPolicy(availability.StrategyByName(c.MaxQuantityPolicy, c.MaxQuantity))
}

type envReader struct {
	getenv func(string) string
	logger *log.Entry
}

func (r envReader) lookup(name string) (string, bool) {
	value := strings.TrimSpace(r.getenv(envPrefix + name))
	return value, value != ""
}

func (r envReader) invalid(name, value string) {
	r.logger.WithFields(log.Fields{
		"env":   envPrefix + name,
		"value": value,
	}).Warn("invalid config value, using default")
}

func (r envReader) str(name string, dst *string) {
	if value, ok := r.lookup(name); ok {
		*dst = value
	}
}

func (r envReader) oneOf(name string, dst *string, allowed ...string) {
	value, ok := r.lookup(name)
	if !ok {
		return
	}
	value = strings.ToLower(value)
	for _, candidate := range allowed {
		if value == candidate {
			*dst = value
			return
		}
	}
	r.invalid(name, value)
}

func (r envReader) positiveInt(name string, dst *int) {
	value, ok := r.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		r.invalid(name, value)
		return
	}
	*dst = n
}

func (r envReader) duration(name string, dst *time.Duration) {
	value, ok := r.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		r.invalid(name, value)
		return
	}
	*dst = d
}

func (r envReader) boolean(name string, dst *bool) {
	value, ok := r.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.invalid(name, value)
		return
	}
	*dst = b
}
