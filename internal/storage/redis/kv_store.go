// Package redis хранит состояние сессий в Redis, чтобы несколько реплик
// storefront видели одни и те же регион, корзину и избранное.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultKeyPrefix — префикс ключей storefront в Redis.
const DefaultKeyPrefix = "storefront"

// Option настраивает KVStore.
type Option func(*KVStore)

// WithTTL задаёт время жизни записей; каждая запись продлевает его.
func WithTTL(ttl time.Duration) Option {
	return func(s *KVStore) {
		s.ttl = ttl
	}
}

// WithKeyPrefix задаёт префикс ключей.
func WithKeyPrefix(prefix string) Option {
	return func(s *KVStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// KVStore — KeyValueStore поверх Redis: ключ {prefix}:{namespace}:{key}.
type KVStore struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// Connect разбирает URL, создаёт клиента и проверяет соединение.
func Connect(ctx context.Context, url string, opts ...Option) (*KVStore, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, opts...), nil
}

// New оборачивает готового клиента.
func New(client *goredis.Client, opts ...Option) *KVStore {
	store := &KVStore{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *KVStore) key(namespace, key string) string {
	return s.prefix + ":" + namespace + ":" + key
}

func (s *KVStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(namespace, key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, namespace, key, value string) error {
	if err := s.client.Set(ctx, s.key(namespace, key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, s.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Ping проверяет соединение с Redis.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает клиента.
func (s *KVStore) Close() error {
	return s.client.Close()
}

var _ domain.KeyValueStore = (*KVStore)(nil)
