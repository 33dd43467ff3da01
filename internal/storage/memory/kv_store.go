// Package memory содержит in-memory реализации хранилищ для локального
// запуска и тестов.
package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// KVStore — потокобезопасное key-value хранилище с пространствами имён.
type KVStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

// NewKVStore создаёт пустое хранилище.
func NewKVStore() *KVStore {
	return &KVStore{values: make(map[string]map[string]string)}
}

func (s *KVStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[namespace][key]
	return value, ok, nil
}

func (s *KVStore) Set(ctx context.Context, namespace, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.values[namespace]
	if !ok {
		ns = make(map[string]string)
		s.values[namespace] = ns
	}
	ns[key] = value
	return nil
}

func (s *KVStore) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.values[namespace]; ok {
		delete(ns, key)
		if len(ns) == 0 {
			delete(s.values, namespace)
		}
	}
	return nil
}

// Ping всегда успешен; нужен для health-проверок.
func (s *KVStore) Ping(context.Context) error {
	return nil
}

// Close ничего не освобождает.
func (s *KVStore) Close() error {
	return nil
}

var _ domain.KeyValueStore = (*KVStore)(nil)
