package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/session"
	"github.com/vladislavdragonenkov/storefront/internal/service/variant"
)

const optionQueryPrefix = "option."

// regionPayload: region равен null, пока регион не определён.
type regionPayload struct {
	Region *domain.Region `json:"region"`
	State  string         `json:"state"`
}

type productSummary struct {
	Product domain.Product `json:"product"`
	Price   *pricing.Label `json:"price,omitempty"`
}

type productListPayload struct {
	Products []productSummary `json:"products"`
	Count    int              `json:"count"`
	Page     int              `json:"page"`
	HasMore  bool             `json:"has_more"`
}

type buttonPayload struct {
	State   cart.ButtonState `json:"state"`
	Label   string           `json:"label"`
	Enabled bool             `json:"enabled"`
}

type productDetailPayload struct {
	Product     domain.Product   `json:"product"`
	Region      *domain.Region   `json:"region"`
	Price       *pricing.Label   `json:"price,omitempty"`
	Selection   domain.Selection `json:"selection"`
	Variant     *domain.Variant  `json:"variant,omitempty"`
	MaxQuantity int              `json:"max_quantity"`
	Button      buttonPayload    `json:"button"`
	Favorite    bool             `json:"favorite"`
}

func (h *Handler) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	reg, ok, err := h.resolveRegion(r, s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payload := regionPayload{State: s.Region.State().String()}
	if ok {
		payload.Region = &reg
	}
	writeJSON(w, http.StatusOK, payload)
}

// resolveRegion разрешает регион сессии. Неопределённый регион не ошибка:
// ok == false, и страница рендерится без цен и без добавления в корзину.
func (h *Handler) resolveRegion(r *http.Request, s *session.Session) (domain.Region, bool, error) {
	reg, err := s.Region.Resolve(r.Context())
	switch {
	case err == nil:
		return reg, true, nil
	case errors.Is(err, domain.ErrRegionUnavailable):
		h.logger.WithError(err).Debug("rendering without region")
		return domain.Region{}, false, nil
	default:
		return domain.Region{}, false, err
	}
}

func (h *Handler) handleSwitchRegion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RegionID string `json:"region_id"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.RegionID) == "" {
		badRequest(w, "region_id is required")
		return
	}

	s := sessionFrom(r.Context())
	reg, err := s.Region.Switch(r.Context(), strings.TrimSpace(req.RegionID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, regionPayload{Region: &reg, State: s.Region.State().String()})
}

func (h *Handler) handleListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := h.catalog.ListRegions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions})
}

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.catalog.ListCategories(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	query := domain.ProductQuery{
		CategoryIDs: q["category_id"],
		Query:       q.Get("q"),
		Sort:        domain.ParseSortOrder(q.Get("sort")),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		query.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit <= 100 {
		query.Limit = limit
	}

	s := sessionFrom(ctx)
	reg, hasRegion, err := h.resolveRegion(r, s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if hasRegion {
		query.RegionID = reg.ID
	}

	page, err := h.catalog.ListProducts(ctx, query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	payload := productListPayload{
		Products: make([]productSummary, 0, len(page.Products)),
		Count:    page.Count,
		Page:     page.Page,
		HasMore:  page.HasMore,
	}
	for _, product := range page.Products {
		summary := productSummary{Product: product}
		if hasRegion {
			if label, ok := h.pricing.Label(product, nil, reg); ok {
				summary.Price = &label
			}
		}
		payload.Products = append(payload.Products, summary)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	reg, err := h.regionOrNil(r, s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	product, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "productID"), regionID(reg))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.productDetail(r, s, product, reg, selectionFromQuery(r)))
}

func (h *Handler) handleGetProductByHandle(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	reg, err := h.regionOrNil(r, s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	product, err := h.catalog.GetProductByHandle(r.Context(), chi.URLParam(r, "handle"), regionID(reg))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.productDetail(r, s, product, reg, selectionFromQuery(r)))
}

func (h *Handler) regionOrNil(r *http.Request, s *session.Session) (*domain.Region, error) {
	reg, ok, err := h.resolveRegion(r, s)
	if err != nil || !ok {
		return nil, err
	}
	return &reg, nil
}

func regionID(reg *domain.Region) string {
	if reg == nil {
		return ""
	}
	return reg.ID
}

// productDetail собирает карточку товара. Без региона (reg == nil)
// цена не считается, а кнопка выключена.
func (h *Handler) productDetail(r *http.Request, s *session.Session, product domain.Product, reg *domain.Region, raw domain.Selection) productDetailPayload {
	if errs := variant.ValidateCatalog(product); len(errs) > 0 {
		for _, err := range errs {
			h.logger.WithError(err).WithField("product_id", product.ID).Warn("inconsistent product variants")
		}
	}

	selection := variant.Normalize(product, raw)
	if len(selection) == 0 {
		selection = variant.InitialSelection(product)
	}
	policy := h.sessions.Policy()
	button := cart.ButtonUnavailable
	if reg != nil {
		button = s.Button(product.ID).State(product, selection, policy)
	}

	payload := productDetailPayload{
		Product:   product,
		Region:    reg,
		Selection: selection,
		Button:    buttonPayload{State: button, Label: button.Label(), Enabled: button.Enabled()},
	}

	var chosen *domain.Variant
	if v, ok := variant.Resolve(product, selection); ok {
		chosen = &v
		payload.Variant = chosen
		payload.MaxQuantity = policy.MaxQuantity(v)
	}
	if reg != nil {
		if label, ok := h.pricing.Label(product, chosen, *reg); ok {
			payload.Price = &label
		}
	}

	favorite, err := s.Favorites.Contains(r.Context(), product.ID)
	if err != nil {
		h.logger.WithError(err).Warn("failed to read favorites")
	}
	payload.Favorite = favorite
	return payload
}

func selectionFromQuery(r *http.Request) domain.Selection {
	selection := domain.Selection{}
	for key, values := range r.URL.Query() {
		if !strings.HasPrefix(key, optionQueryPrefix) || len(values) == 0 {
			continue
		}
		selection[strings.TrimPrefix(key, optionQueryPrefix)] = values[0]
	}
	return selection
}

func (h *Handler) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	ids, err := sessionFrom(r.Context()).Favorites.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_ids": ids})
}

func (h *Handler) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	ids, err := sessionFrom(r.Context()).Favorites.Add(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_ids": ids})
}

func (h *Handler) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	ids, err := sessionFrom(r.Context()).Favorites.Remove(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.WithFields(log.Fields{"product_id": productID}).Debug("favorite removed")
	writeJSON(w, http.StatusOK, map[string]any{"product_ids": ids})
}
