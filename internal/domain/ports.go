package domain

import (
	"context"
	"time"
)

// RegionCatalog: доступ к регионам внешнего каталога.
type RegionCatalog interface {
	// ListRegions возвращает все регионы магазина.
	ListRegions(ctx context.Context) ([]Region, error)
	// GetRegion возвращает регион по id или ErrNotFound.
	GetRegion(ctx context.Context, id string) (Region, error)
}

// ProductCatalog: чтение товаров и категорий.
type ProductCatalog interface {
	ListProducts(ctx context.Context, query ProductQuery) (ProductPage, error)
	// GetProduct возвращает товар с ценами, рассчитанными для regionID.
	GetProduct(ctx context.Context, id, regionID string) (Product, error)
	GetProductByHandle(ctx context.Context, handle, regionID string) (Product, error)
	// ListCategories возвращает только корневые категории.
	ListCategories(ctx context.Context) ([]Category, error)
}

// CartService описывает удалённые операции над корзиной.
// Каждая операция возвращает авторитетное состояние корзины с сервера.
type CartService interface {
	GetCart(ctx context.Context, cartID string) (Cart, error)
	CreateCart(ctx context.Context, regionID string) (Cart, error)
	AddLineItem(ctx context.Context, cartID, variantID string, quantity int) (Cart, error)
	UpdateLineItem(ctx context.Context, cartID, lineItemID string, quantity int) (Cart, error)
	RemoveLineItem(ctx context.Context, cartID, lineItemID string) (Cart, error)
}

// Catalog объединяет все операции внешнего каталога.
type Catalog interface {
	RegionCatalog
	ProductCatalog
	CartService
}

// KeyValueStore: персистентное key-value хранилище с пространствами имён
// (одно пространство на сессию).
type KeyValueStore interface {
	// Get возвращает значение и признак его наличия.
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
}

// IdlePurger удаляет записи, не обновлявшиеся дольше maxAge, и возвращает их число.
type IdlePurger interface {
	PurgeIdle(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Storage: key-value адаптер одной сессии.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Хорошо известные ключи персистентного состояния сессии.
const (
	StorageKeyRegionID  = "region_id"
	StorageKeyFavorites = "favorites"
	StorageKeyCartID    = "cart_id"
)

// Scope привязывает KeyValueStore к пространству имён.
func Scope(store KeyValueStore, namespace string) Storage {
	return scopedStorage{store: store, namespace: namespace}
}

type scopedStorage struct {
	store     KeyValueStore
	namespace string
}

func (s scopedStorage) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.Get(ctx, s.namespace, key)
}

func (s scopedStorage) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.namespace, key, value)
}

func (s scopedStorage) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.namespace, key)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxWriter ставит событие корзины в outbox.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// OutboxRepository хранит события корзины до публикации в брокер.
type OutboxRepository interface {
	OutboxWriter
	// NextBatch возвращает до limit pending-событий в порядке постановки.
	NextBatch(ctx context.Context, limit int) ([]OutboxMessage, error)
	// Settle фиксирует итог публикации; для неизвестного id возвращает ErrOutboxPublish.
	Settle(ctx context.Context, id string, outcome OutboxOutcome) error
	Backlog(ctx context.Context) (OutboxStats, error)
	// PurgeIdle удаляет отправленные события, завершённые раньше maxAge.
	IdlePurger
}

// OutboxStatus: состояние записи outbox.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxMessage хранит данные для публикуемого события.
// AggregateID: id корзины, он же ключ партиционирования в Kafka.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxOutcome: итог публикации события.
type OutboxOutcome struct {
	Status   OutboxStatus
	Attempts int
	Error    string
}

// OutboxStats описывает backlog outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}
