// Package favorites хранит избранные товары сессии.
package favorites

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Store — список идентификаторов избранных товаров, сохраняемый как JSON-массив.
type Store struct {
	storage domain.Storage
	logger  *log.Entry

	mu sync.Mutex
}

// NewStore создаёт Store поверх хранилища сессии.
func NewStore(storage domain.Storage, logger *log.Entry) *Store {
	if logger == nil {
		logger = log.WithField("component", "favorites")
	}
	return &Store{storage: storage, logger: logger}
}

// List возвращает избранное в порядке добавления.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Contains проверяет, добавлен ли товар в избранное.
func (s *Store) Contains(ctx context.Context, productID string) (bool, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, productID), nil
}

// Add добавляет товар; повторное добавление ничего не меняет.
func (s *Store) Add(ctx context.Context, productID string) ([]string, error) {
	return s.update(ctx, func(ids []string) []string {
		if slices.Contains(ids, productID) {
			return ids
		}
		return append(ids, productID)
	})
}

// Remove удаляет товар из избранного.
func (s *Store) Remove(ctx context.Context, productID string) ([]string, error) {
	return s.update(ctx, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(id string) bool { return id == productID })
	})
}

// Toggle добавляет или удаляет товар и возвращает новое состояние.
func (s *Store) Toggle(ctx context.Context, productID string) (bool, error) {
	var added bool
	_, err := s.update(ctx, func(ids []string) []string {
		if slices.Contains(ids, productID) {
			return slices.DeleteFunc(ids, func(id string) bool { return id == productID })
		}
		added = true
		return append(ids, productID)
	})
	return added, err
}

func (s *Store) update(ctx context.Context, fn func([]string) []string) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("favorites store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	ids = fn(ids)

	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal favorites: %w", err)
	}
	if err := s.storage.Set(ctx, domain.StorageKeyFavorites, string(raw)); err != nil {
		return nil, fmt.Errorf("persist favorites: %w", err)
	}
	return ids, nil
}

func (s *Store) load(ctx context.Context) ([]string, error) {
	raw, ok, err := s.storage.Get(ctx, domain.StorageKeyFavorites)
	if err != nil {
		return nil, fmt.Errorf("read favorites: %w", err)
	}
	if !ok || raw == "" {
		return []string{}, nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		s.logger.WithError(err).Warn("corrupt favorites entry, starting from empty list")
		return []string{}, nil
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
