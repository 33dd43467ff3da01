// Package session связывает состояние одной сессии витрины: регион,
// избранное, корзину и кнопки добавления в корзину.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/favorites"
	"github.com/vladislavdragonenkov/storefront/internal/service/region"
)

// Session — состояние одного покупателя.
type Session struct {
	ID        string
	Region    *region.Resolver
	Favorites *favorites.Store

	catalog  domain.Catalog
	storage  domain.Storage
	logger   *log.Entry
	feedback time.Duration
	now      func() time.Time

	cartOnce sync.Once
	cart     *cart.Synchronizer
	cartOpts []cart.Option
	// cartMu сериализует загрузку и создание корзины.
	cartMu sync.Mutex

	buttonsMu sync.Mutex
	buttons   map[string]*cart.Button
}

// Synchronizer возвращает синхронизатор корзины (без загрузки).
func (s *Session) Synchronizer() *cart.Synchronizer {
	s.cartOnce.Do(func() {
		s.cart = cart.NewSynchronizer(s.catalog, s.cartOpts...)
	})
	return s.cart
}

// Cart возвращает синхронизатор с корзиной, привязанной к текущему региону.
// Сохранённая корзина загружается по cart_id; корзина другого региона
// или пропавшая на сервере заменяется новой.
func (s *Session) Cart(ctx context.Context) (*cart.Synchronizer, domain.Cart, error) {
	reg, err := s.Region.Resolve(ctx)
	if err != nil {
		return nil, domain.Cart{}, err
	}

	synchronizer := s.Synchronizer()
	s.cartMu.Lock()
	defer s.cartMu.Unlock()

	if current, ok := synchronizer.Cart(); ok && current.RegionID == reg.ID {
		return synchronizer, current, nil
	}

	cartID, ok, err := s.storage.Get(ctx, domain.StorageKeyCartID)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read persisted cart id")
		ok = false
	}
	if ok && cartID != "" {
		loaded, err := synchronizer.Load(ctx, cartID)
		switch {
		case err == nil && loaded.RegionID == reg.ID:
			return synchronizer, loaded, nil
		case err == nil:
			s.logger.WithFields(log.Fields{
				"cart_id":        cartID,
				"cart_region_id": loaded.RegionID,
				"region_id":      reg.ID,
			}).Info("persisted cart belongs to another region, creating a new one")
			synchronizer.Reset()
		case errors.Is(err, domain.ErrNotFound):
			s.logger.WithField("cart_id", cartID).Info("persisted cart not found, creating a new one")
		default:
			return nil, domain.Cart{}, err
		}
	}

	created, err := synchronizer.Create(ctx, reg.ID)
	if err != nil {
		return nil, domain.Cart{}, err
	}
	if err := s.storage.Set(ctx, domain.StorageKeyCartID, created.ID); err != nil {
		s.logger.WithError(err).WithField("cart_id", created.ID).Warn("failed to persist cart id")
	}
	return synchronizer, created, nil
}

// Button возвращает кнопку добавления в корзину для товара.
func (s *Session) Button(productID string) *cart.Button {
	s.buttonsMu.Lock()
	defer s.buttonsMu.Unlock()
	b, ok := s.buttons[productID]
	if !ok {
		b = cart.NewButton(s.feedback, s.now)
		s.buttons[productID] = b
	}
	return b
}

// Product загружает товар с ценами текущего региона.
func (s *Session) Product(ctx context.Context, productID string) (domain.Product, domain.Region, error) {
	reg, err := s.Region.Resolve(ctx)
	if err != nil {
		return domain.Product{}, domain.Region{}, err
	}
	product, err := s.catalog.GetProduct(ctx, productID, reg.ID)
	if err != nil {
		return domain.Product{}, domain.Region{}, fmt.Errorf("get product %s: %w", productID, err)
	}
	return product, reg, nil
}

// onRegionChange отвязывает корзину, когда регион сессии сменился:
// регион корзины неизменен, поэтому для нового региона нужна новая корзина.
func (s *Session) onRegionChange(change region.Change) {
	if change.Reason == region.ReasonInvalidated || change.Previous.ID == change.Current.ID {
		return
	}

	s.cartMu.Lock()
	defer s.cartMu.Unlock()
	s.Synchronizer().Reset()
	if err := s.storage.Delete(context.Background(), domain.StorageKeyCartID); err != nil {
		s.logger.WithError(err).Warn("failed to clear cart id after region change")
	}
	s.logger.WithFields(log.Fields{
		"previous_region_id": change.Previous.ID,
		"region_id":          change.Current.ID,
	}).Info("cart unbound after region change")
}
