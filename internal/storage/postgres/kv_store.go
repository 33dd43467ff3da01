package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// KVStore хранит персистентное состояние сессий в таблице session_kv.
type KVStore struct {
	db *sql.DB
}

// NewKVStore создаёт KeyValueStore поверх Store.
func NewKVStore(store *Store) *KVStore {
	return &KVStore{db: store.DB()}
}

func (s *KVStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(queryCtx, `
		SELECT value
		FROM session_kv
		WHERE namespace = $1 AND key = $2
	`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session value %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, namespace, key, value string) error {
	execCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(execCtx, `
		INSERT INTO session_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, namespace, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set session value %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, namespace, key string) error {
	execCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(execCtx, `
		DELETE FROM session_kv
		WHERE namespace = $1 AND key = $2
	`, namespace, key); err != nil {
		return fmt.Errorf("delete session value %s/%s: %w", namespace, key, err)
	}
	return nil
}

// PurgeIdle удаляет записи, не обновлявшиеся дольше maxAge.
func (s *KVStore) PurgeIdle(ctx context.Context, maxAge time.Duration) (int64, error) {
	execCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(execCtx, `
		DELETE FROM session_kv
		WHERE updated_at < $1
	`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge idle sessions: %w", err)
	}
	return res.RowsAffected()
}

var (
	_ domain.KeyValueStore = (*KVStore)(nil)
	_ domain.IdlePurger    = (*KVStore)(nil)
)
