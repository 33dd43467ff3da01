package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const opTimeout = 5 * time.Second

var errStoreClosed = errors.New("postgres store is not initialized")

// Pool — параметры пула database/sql.
type Pool struct {
	MaxConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultPool рассчитан на один инстанс BFF: сессии и outbox корзины.
func DefaultPool() Pool {
	return Pool{
		MaxConns:        25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// StoreOption меняет параметры пула перед подключением.
type StoreOption func(*Pool)

// WithMaxConns ограничивает число открытых и простаивающих соединений.
func WithMaxConns(n int) StoreOption {
	return func(p *Pool) {
		if n > 0 {
			p.MaxConns = n
		}
	}
}

func WithPingTimeout(d time.Duration) StoreOption {
	return func(p *Pool) {
		if d > 0 {
			p.PingTimeout = d
		}
	}
}

// Store держит пул подключений к PostgreSQL для KV-сессий и outbox событий корзины.
type Store struct {
	db   *sql.DB
	pool Pool
}

// Open подключается через pgx и не возвращает Store, пока база не ответила на ping.
func Open(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	pool := DefaultPool()
	for _, opt := range opts {
		opt(&pool)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxConns)
	db.SetMaxIdleConns(pool.MaxConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	store := &Store{db: db, pool: pool}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется health-проверкой storage.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.pool.PingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema применяет все up-миграции (STOREFRONT_POSTGRES_AUTO_MIGRATE).
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Stats отдаёт статистику пула; InUse показывает занятые соединения.
func (s *Store) Stats() sql.DBStats {
	if s == nil || s.db == nil {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
