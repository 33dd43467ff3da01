package app

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/availability"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.True(t, cfg.PostgresAutoMigrate)
	assert.Empty(t, cfg.CatalogURL, "demo catalog by default")
	assert.Empty(t, cfg.Brokers(), "kafka disabled by default")
	assert.Equal(t, kafka.TopicRegionEvents, cfg.RegionEventsTopic)
	assert.Equal(t, kafka.TopicCartEvents, cfg.CartEventsTopic)
	assert.Equal(t, availability.DefaultMaxQuantity, cfg.MaxQuantity)
	assert.Equal(t, MaxQuantityPolicyFixed, cfg.MaxQuantityPolicy)
	assert.Positive(t, cfg.OutboxPollInterval)
	assert.Positive(t, cfg.OutboxBatchSize)
	assert.Positive(t, cfg.OutboxMaxAttempts)
	assert.Positive(t, cfg.SessionCapacity)
	assert.Positive(t, cfg.SessionIdleTTL)
	assert.Positive(t, cfg.SessionPurgeInterval)
	assert.Positive(t, cfg.OutboxRetention)
}

func TestReadConfig_EmptyEnvKeepsDefaults(t *testing.T) {
	cfg := readConfig(envMap(nil), log.WithField("test", "config"))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestReadConfig_OverridesFromEnv(t *testing.T) {
	cfg := readConfig(envMap(map[string]string{
		"STOREFRONT_HTTP_ADDR":             "127.0.0.1:8181",
		"STOREFRONT_CATALOG_URL":           "https://catalog.example.com",
		"STOREFRONT_PUBLISHABLE_KEY":       "pk_test",
		"STOREFRONT_CATALOG_TIMEOUT":       "3s",
		"STOREFRONT_SESSION_BACKEND":       "Redis",
		"STOREFRONT_REDIS_URL":             "redis://localhost:6379/0",
		"STOREFRONT_REDIS_TTL":             "24h",
		"STOREFRONT_POSTGRES_AUTO_MIGRATE": "false",
		"STOREFRONT_POSTGRES_MAX_CONNS":    "8",
		"STOREFRONT_KAFKA_BROKERS":         "k1:9092, k2:9092",
		"STOREFRONT_OUTBOX_BATCH_SIZE":     "25",
		"STOREFRONT_MAX_QUANTITY":          "5",
		"STOREFRONT_MAX_QUANTITY_POLICY":   "stock",
		"STOREFRONT_DEFAULT_COUNTRY":       " DE ",
		"STOREFRONT_LOG_FORMAT":            "json",
		"STOREFRONT_SESSION_IDLE_TTL":      "72h",
		"STOREFRONT_OUTBOX_RETENTION":      "6h",
	}), log.WithField("test", "config"))

	assert.Equal(t, "127.0.0.1:8181", cfg.HTTPAddr)
	assert.Equal(t, "https://catalog.example.com", cfg.CatalogURL)
	assert.Equal(t, "pk_test", cfg.PublishableKey)
	assert.Equal(t, 3*time.Second, cfg.CatalogTimeout)
	assert.Equal(t, StorageDriverRedis, cfg.StorageDriver)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 24*time.Hour, cfg.RedisTTL)
	assert.False(t, cfg.PostgresAutoMigrate)
	assert.Equal(t, 8, cfg.PostgresMaxConns)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, 25, cfg.OutboxBatchSize)
	assert.Equal(t, 5, cfg.MaxQuantity)
	assert.Equal(t, MaxQuantityPolicyStock, cfg.MaxQuantityPolicy)
	assert.Equal(t, "de", cfg.DefaultCountry)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 72*time.Hour, cfg.SessionIdleTTL)
	assert.Equal(t, 6*time.Hour, cfg.OutboxRetention)
}

func TestReadConfig_InvalidValuesFallBackToDefaults(t *testing.T) {
	defaults := DefaultConfig()
	cfg := readConfig(envMap(map[string]string{
		"STOREFRONT_SESSION_BACKEND":       "mongo",
		"STOREFRONT_CATALOG_TIMEOUT":       "soon",
		"STOREFRONT_OUTBOX_BATCH_SIZE":     "-1",
		"STOREFRONT_MAX_QUANTITY":          "ten",
		"STOREFRONT_MAX_QUANTITY_POLICY":   "random",
		"STOREFRONT_POSTGRES_AUTO_MIGRATE": "maybe",
		"STOREFRONT_FEEDBACK_DELAY":        "-5s",
	}), log.WithField("test", "config"))

	assert.Equal(t, defaults.StorageDriver, cfg.StorageDriver)
	assert.Equal(t, defaults.CatalogTimeout, cfg.CatalogTimeout)
	assert.Equal(t, defaults.OutboxBatchSize, cfg.OutboxBatchSize)
	assert.Equal(t, defaults.MaxQuantity, cfg.MaxQuantity)
	assert.Equal(t, defaults.MaxQuantityPolicy, cfg.MaxQuantityPolicy)
	assert.Equal(t, defaults.PostgresAutoMigrate, cfg.PostgresAutoMigrate)
	assert.Equal(t, defaults.FeedbackDelay, cfg.FeedbackDelay)
}

func TestConfig_BrokersSkipsEmptyEntries(t *testing.T) {
	cfg := Config{KafkaBrokers: " ,broker1:9092,, broker2:9092 ,"}
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Brokers())

	cfg.KafkaBrokers = "  "
	assert.Nil(t, cfg.Brokers())
}

func TestConfig_Policy(t *testing.T) {
	variant := domain.Variant{ID: "v1", ManageInventory: true, InventoryQuantity: 3}

	fixed := DefaultConfig()
	fixed.MaxQuantity = 7
	assert.Equal(t, 7, fixed.Policy().MaxQuantity(variant))

	stock := DefaultConfig()
	stock.MaxQuantityPolicy = MaxQuantityPolicyStock
	assert.Equal(t, 3, stock.Policy().MaxQuantity(variant))

	soldOut := domain.Variant{ID: "v2", ManageInventory: true}
	assert.Zero(t, stock.Policy().MaxQuantity(soldOut))
}
