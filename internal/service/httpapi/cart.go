package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/session"
	"github.com/vladislavdragonenkov/storefront/internal/service/variant"
)

type cartPayload struct {
	Cart        domain.Cart         `json:"cart"`
	Totals      *pricing.CartTotals `json:"totals,omitempty"`
	MaxQuantity map[string]int      `json:"max_quantity"`
	ItemCount   int                 `json:"item_count"`
	Pending     int                 `json:"pending"`
}

type addProductResponse struct {
	cartPayload
	Button buttonPayload `json:"button"`
}

func (h *Handler) cartView(s *session.Session, c domain.Cart) *cartPayload {
	policy := h.sessions.Policy()
	payload := &cartPayload{
		Cart:        c,
		MaxQuantity: make(map[string]int, len(c.Items)),
		ItemCount:   c.ItemCount(),
		Pending:     s.Synchronizer().Pending(),
	}
	for _, item := range c.Items {
		payload.MaxQuantity[item.ID] = policy.LineItemMaxQuantity(item)
	}
	if reg, ok := s.Region.Current(); ok && reg.ID == c.RegionID {
		totals := h.pricing.CartTotals(c, reg)
		payload.Totals = &totals
	}
	return payload
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	_, hasRegion, err := h.resolveRegion(r, s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !hasRegion {
		writeJSON(w, http.StatusOK, map[string]any{"cart": nil, "region": nil, "item_count": 0})
		return
	}
	_, current, err := s.Cart(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cartView(s, current))
}

func (h *Handler) handleAddLineItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID string `json:"product_id"`
		VariantID string `json:"variant_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := decodeBody(r, &req); err != nil || req.ProductID == "" || req.VariantID == "" {
		badRequest(w, "product_id and variant_id are required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	h.mutate(w, r, func(ctx context.Context, s *session.Session, cartSync *cart.Synchronizer) (domain.Cart, error) {
		product, _, err := s.Product(ctx, req.ProductID)
		if err != nil {
			c, _ := cartSync.Cart()
			return c, err
		}
		v, ok := product.Variant(req.VariantID)
		if !ok {
			c, _ := cartSync.Cart()
			return c, fmt.Errorf("variant %s: %w", req.VariantID, domain.ErrNotFound)
		}
		return cartSync.Add(ctx, v, req.Quantity)
	})
}

func (h *Handler) handleIncrement(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	h.mutate(w, r, func(ctx context.Context, _ *session.Session, cartSync *cart.Synchronizer) (domain.Cart, error) {
		return cartSync.Increment(ctx, lineID)
	})
}

func (h *Handler) handleDecrement(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	h.mutate(w, r, func(ctx context.Context, _ *session.Session, cartSync *cart.Synchronizer) (domain.Cart, error) {
		return cartSync.Decrement(ctx, lineID)
	})
}

func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity *int `json:"quantity"`
	}
	if err := decodeBody(r, &req); err != nil || req.Quantity == nil {
		badRequest(w, "quantity is required")
		return
	}

	lineID := chi.URLParam(r, "lineID")
	h.mutate(w, r, func(ctx context.Context, _ *session.Session, cartSync *cart.Synchronizer) (domain.Cart, error) {
		return cartSync.SetQuantity(ctx, lineID, *req.Quantity)
	})
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	h.mutate(w, r, func(ctx context.Context, _ *session.Session, cartSync *cart.Synchronizer) (domain.Cart, error) {
		return cartSync.Remove(ctx, lineID)
	})
}

type mutation func(ctx context.Context, s *session.Session, cartSync *cart.Synchronizer) (domain.Cart, error)

// mutate загружает корзину сессии, выполняет изменение и отвечает корзиной.
// При ошибке в ответ попадает корзина после отката.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn mutation) {
	ctx := r.Context()
	s := sessionFrom(ctx)
	cartSync, _, err := s.Cart(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := fn(ctx, s, cartSync)
	if err != nil {
		var mutationErr *domain.MutationError
		if errors.As(err, &mutationErr) {
			result = mutationErr.Cart
		}
		if result.ID == "" {
			h.writeError(w, r, err)
			return
		}
		h.writeCartError(w, r, err, h.cartView(s, result))
		return
	}
	writeJSON(w, http.StatusOK, h.cartView(s, result))
}

func (h *Handler) handleAddProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selection domain.Selection `json:"selection"`
		Quantity  int              `json:"quantity"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	ctx := r.Context()
	s := sessionFrom(ctx)
	product, _, err := s.Product(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	selection := variant.Normalize(product, req.Selection)
	if len(selection) == 0 {
		selection = variant.InitialSelection(product)
	}
	chosen, ok := variant.Resolve(product, selection)
	if !ok {
		h.writeError(w, r, domain.ErrSelectionIncomplete)
		return
	}

	button := s.Button(product.ID)
	if !button.Begin() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "add to cart is already in progress", Code: "adding"})
		return
	}

	cartSync, _, err := s.Cart(ctx)
	if err != nil {
		button.Fail()
		h.writeError(w, r, err)
		return
	}

	updated, err := cartSync.Add(ctx, chosen, req.Quantity)
	if err != nil {
		button.Fail()
		var mutationErr *domain.MutationError
		if errors.As(err, &mutationErr) {
			updated = mutationErr.Cart
		}
		if updated.ID == "" {
			h.writeError(w, r, err)
			return
		}
		h.writeCartError(w, r, err, h.cartView(s, updated))
		return
	}
	button.Succeed()

	state := button.State(product, selection, h.sessions.Policy())
	writeJSON(w, http.StatusOK, addProductResponse{
		cartPayload: *h.cartView(s, updated),
		Button:      buttonPayload{State: state, Label: state.Label(), Enabled: state.Enabled()},
	})
}
