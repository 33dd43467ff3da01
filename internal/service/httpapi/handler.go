// Package httpapi реализует JSON API витрины поверх chi.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/session"
)

const (
	// SessionHeader и SessionCookie передают идентификатор сессии.
	SessionHeader = "X-Session-ID"
	SessionCookie = "storefront_session"
	// CountryHeader — подсказка страны для выбора региона новой сессии.
	CountryHeader = "X-Country-Code"

	defaultRequestTimeout = 30 * time.Second
)

// Handler обслуживает API витрины.
type Handler struct {
	sessions *session.Manager
	catalog  domain.Catalog
	pricing  *pricing.Engine
	logger   *log.Entry
	timeout  time.Duration
}

// New создаёт Handler.
func New(sessions *session.Manager, catalog domain.Catalog, engine *pricing.Engine, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{
		sessions: sessions,
		catalog:  catalog,
		pricing:  engine,
		logger:   logger,
		timeout:  defaultRequestTimeout,
	}
}

// Router возвращает http.Handler со всеми маршрутами API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register регистрирует маршруты API в роутере.
func (h *Handler) Register(r chi.Router) {
	api := chi.NewRouter()
	api.Use(middleware.RequestID)
	api.Use(middleware.Recoverer)
	api.Use(h.requestLogger)
	api.Use(middleware.Timeout(h.timeout))
	api.Use(h.withSession)

	api.Get("/region", h.handleGetRegion)
	api.Put("/region", h.handleSwitchRegion)
	api.Get("/regions", h.handleListRegions)
	api.Get("/categories", h.handleListCategories)

	api.Get("/products", h.handleListProducts)
	api.Get("/products/by-handle/{handle}", h.handleGetProductByHandle)
	api.Get("/products/{productID}", h.handleGetProduct)
	api.Post("/products/{productID}/add", h.handleAddProduct)

	api.Get("/cart", h.handleGetCart)
	api.Post("/cart/items", h.handleAddLineItem)
	api.Post("/cart/items/{lineID}/increment", h.handleIncrement)
	api.Post("/cart/items/{lineID}/decrement", h.handleDecrement)
	api.Put("/cart/items/{lineID}", h.handleSetQuantity)
	api.Delete("/cart/items/{lineID}", h.handleRemove)

	api.Get("/favorites", h.handleListFavorites)
	api.Put("/favorites/{productID}", h.handleAddFavorite)
	api.Delete("/favorites/{productID}", h.handleRemoveFavorite)

	r.Mount("/api", api)
}
