package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// BreakerState — состояние circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 10 * time.Second
)

// Breaker защищает каталог circuit breaker'ом. Отказом считаются только
// временные ошибки: ErrNotFound и отмена контекста счётчик не увеличивают.
type Breaker struct {
	next         domain.Catalog
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	logger       *log.Entry

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       BreakerState
}

// NewBreaker оборачивает next.
func NewBreaker(next domain.Catalog, maxFailures int, resetTimeout time.Duration, logger *log.Entry) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultBreakerFailures
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultBreakerReset
	}
	if logger == nil {
		logger = log.WithField("component", "catalog-breaker")
	}
	return &Breaker{
		next:         next,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		logger:       logger,
		state:        BreakerClosed,
	}
}

// State возвращает текущее состояние (для health-проверок).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow(operation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) > b.resetTimeout {
		b.state = BreakerHalfOpen
		b.logger.WithField("operation", operation).Info("Circuit breaker half-open")
		return nil
	}
	return fmt.Errorf("%s: %w", operation, domain.ErrCatalogUnavailable)
}

func (b *Breaker) record(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && countsAsFailure(err) {
		b.failures++
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			if b.state != BreakerOpen {
				b.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  b.failures,
				}).Warn("Circuit breaker opened")
			}
			b.state = BreakerOpen
		}
		return
	}

	if b.state == BreakerHalfOpen {
		b.logger.WithField("operation", operation).Info("Circuit breaker closed")
	}
	b.state = BreakerClosed
	b.failures = 0
}

func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrInvalidResponse)
}

func guard[T any](b *Breaker, operation string, fn func() (T, error)) (T, error) {
	if err := b.allow(operation); err != nil {
		var zero T
		return zero, err
	}
	result, err := fn()
	b.record(operation, err)
	return result, err
}

func (b *Breaker) ListRegions(ctx context.Context) ([]domain.Region, error) {
	return guard(b, "ListRegions", func() ([]domain.Region, error) { return b.next.ListRegions(ctx) })
}

func (b *Breaker) GetRegion(ctx context.Context, id string) (domain.Region, error) {
	return guard(b, "GetRegion", func() (domain.Region, error) { return b.next.GetRegion(ctx, id) })
}

func (b *Breaker) ListProducts(ctx context.Context, query domain.ProductQuery) (domain.ProductPage, error) {
	return guard(b, "ListProducts", func() (domain.ProductPage, error) { return b.next.ListProducts(ctx, query) })
}

func (b *Breaker) GetProduct(ctx context.Context, id, regionID string) (domain.Product, error) {
	return guard(b, "GetProduct", func() (domain.Product, error) { return b.next.GetProduct(ctx, id, regionID) })
}

func (b *Breaker) GetProductByHandle(ctx context.Context, handle, regionID string) (domain.Product, error) {
	return guard(b, "GetProductByHandle", func() (domain.Product, error) {
		return b.next.GetProductByHandle(ctx, handle, regionID)
	})
}

func (b *Breaker) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return guard(b, "ListCategories", func() ([]domain.Category, error) { return b.next.ListCategories(ctx) })
}

func (b *Breaker) GetCart(ctx context.Context, cartID string) (domain.Cart, error) {
	return guard(b, "GetCart", func() (domain.Cart, error) { return b.next.GetCart(ctx, cartID) })
}

func (b *Breaker) CreateCart(ctx context.Context, regionID string) (domain.Cart, error) {
	return guard(b, "CreateCart", func() (domain.Cart, error) { return b.next.CreateCart(ctx, regionID) })
}

func (b *Breaker) AddLineItem(ctx context.Context, cartID, variantID string, quantity int) (domain.Cart, error) {
	return guard(b, "AddLineItem", func() (domain.Cart, error) {
		return b.next.AddLineItem(ctx, cartID, variantID, quantity)
	})
}

func (b *Breaker) UpdateLineItem(ctx context.Context, cartID, lineItemID string, quantity int) (domain.Cart, error) {
	return guard(b, "UpdateLineItem", func() (domain.Cart, error) {
		return b.next.UpdateLineItem(ctx, cartID, lineItemID, quantity)
	})
}

func (b *Breaker) RemoveLineItem(ctx context.Context, cartID, lineItemID string) (domain.Cart, error) {
	return guard(b, "RemoveLineItem", func() (domain.Cart, error) {
		return b.next.RemoveLineItem(ctx, cartID, lineItemID)
	})
}

var _ domain.Catalog = (*Breaker)(nil)
