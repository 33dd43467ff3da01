// Package catalog содержит клиентов внешнего каталога: HTTP store API,
// circuit breaker поверх него и in-memory реализацию для локального запуска.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	// DefaultPageSize — размер страницы списка товаров.
	DefaultPageSize = 12
	// DefaultTimeout ограничивает один запрос к каталогу.
	DefaultTimeout = 10 * time.Second

	publishableKeyHeader = "x-publishable-api-key"
	productFields        = "*variants.calculated_price,+variants.inventory_quantity,*categories"
	maxErrorBodyBytes    = 512
)

// ClientOption настраивает HTTP-клиент каталога.
type ClientOption func(*Client)

// WithHTTPClient подменяет транспорт (используется в тестах).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger задаёт логгер клиента.
func WithLogger(logger *log.Entry) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout задаёт таймаут одного запроса.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// Client — HTTP-клиент store API каталога.
type Client struct {
	baseURL        *url.URL
	publishableKey string
	http           *http.Client
	logger         *log.Entry
}

// NewClient создаёт клиента для baseURL (например http://localhost:9000).
func NewClient(baseURL, publishableKey string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("catalog url must be absolute: %q", baseURL)
	}

	c := &Client{
		baseURL:        parsed,
		publishableKey: publishableKey,
		http:           &http.Client{Timeout: DefaultTimeout},
		logger:         log.WithField("component", "catalog-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListRegions возвращает все регионы магазина.
func (c *Client) ListRegions(ctx context.Context) ([]domain.Region, error) {
	var resp struct {
		Regions *[]regionDTO `json:"regions"`
	}
	if err := c.do(ctx, http.MethodGet, "/store/regions", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Regions == nil {
		return nil, fmt.Errorf("%w: regions field is missing", domain.ErrInvalidResponse)
	}

	regions := make([]domain.Region, 0, len(*resp.Regions))
	for _, dto := range *resp.Regions {
		region, err := dto.toDomain()
		if err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	return regions, nil
}

// GetRegion возвращает регион по id.
func (c *Client) GetRegion(ctx context.Context, id string) (domain.Region, error) {
	var resp struct {
		Region *regionDTO `json:"region"`
	}
	if err := c.do(ctx, http.MethodGet, "/store/regions/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return domain.Region{}, err
	}
	if resp.Region == nil {
		return domain.Region{}, fmt.Errorf("%w: region field is missing", domain.ErrInvalidResponse)
	}
	return resp.Region.toDomain()
}

// ListProducts возвращает страницу товаров. Сортировка по цене применяется
// локально к полученной странице: store API не сортирует по рассчитанной цене.
func (c *Client) ListProducts(ctx context.Context, query domain.ProductQuery) (domain.ProductPage, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := (page - 1) * limit

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("fields", productFields)
	if query.RegionID != "" {
		params.Set("region_id", query.RegionID)
	}
	for _, id := range query.CategoryIDs {
		params.Add("category_id[]", id)
	}
	if q := strings.TrimSpace(query.Query); q != "" {
		params.Set("q", q)
	}
	if query.Sort == domain.SortNewest {
		params.Set("order", "-created_at")
	}

	var resp struct {
		Products *[]productDTO `json:"products"`
		Count    *int          `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/store/products", params, nil, &resp); err != nil {
		return domain.ProductPage{}, err
	}
	if resp.Products == nil {
		return domain.ProductPage{}, fmt.Errorf("%w: products field is missing", domain.ErrInvalidResponse)
	}

	products := make([]domain.Product, 0, len(*resp.Products))
	for _, dto := range *resp.Products {
		product, err := dto.toDomain()
		if err != nil {
			return domain.ProductPage{}, err
		}
		products = append(products, product)
	}
	SortProducts(products, query.Sort)

	result := domain.ProductPage{Products: products, Page: page}
	if resp.Count != nil {
		result.Count = *resp.Count
		result.HasMore = offset+len(products) < *resp.Count
	} else {
		// Без count считаем, что полная страница может иметь продолжение.
		result.Count = offset + len(products)
		result.HasMore = len(products) == limit
	}
	return result, nil
}

// GetProduct возвращает товар с ценами для regionID.
func (c *Client) GetProduct(ctx context.Context, id, regionID string) (domain.Product, error) {
	params := url.Values{}
	params.Set("fields", productFields)
	if regionID != "" {
		params.Set("region_id", regionID)
	}

	var resp struct {
		Product *productDTO `json:"product"`
	}
	if err := c.do(ctx, http.MethodGet, "/store/products/"+url.PathEscape(id), params, nil, &resp); err != nil {
		return domain.Product{}, err
	}
	if resp.Product == nil {
		return domain.Product{}, fmt.Errorf("%w: product field is missing", domain.ErrInvalidResponse)
	}
	return resp.Product.toDomain()
}

// GetProductByHandle ищет товар по handle; при пустом результате возвращает ErrNotFound.
func (c *Client) GetProductByHandle(ctx context.Context, handle, regionID string) (domain.Product, error) {
	params := url.Values{}
	params.Set("handle", handle)
	params.Set("limit", "1")
	params.Set("fields", productFields)
	if regionID != "" {
		params.Set("region_id", regionID)
	}

	var resp struct {
		Products *[]productDTO `json:"products"`
	}
	if err := c.do(ctx, http.MethodGet, "/store/products", params, nil, &resp); err != nil {
		return domain.Product{}, err
	}
	if resp.Products == nil {
		return domain.Product{}, fmt.Errorf("%w: products field is missing", domain.ErrInvalidResponse)
	}
	if len(*resp.Products) == 0 {
		return domain.Product{}, fmt.Errorf("product with handle %q: %w", handle, domain.ErrNotFound)
	}
	return (*resp.Products)[0].toDomain()
}

// ListCategories возвращает корневые категории.
func (c *Client) ListCategories(ctx context.Context) ([]domain.Category, error) {
	params := url.Values{}
	params.Set("parent_category_id", "null")

	var resp struct {
		Categories *[]categoryDTO `json:"product_categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/store/product-categories", params, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Categories == nil {
		return nil, fmt.Errorf("%w: product_categories field is missing", domain.ErrInvalidResponse)
	}

	categories := make([]domain.Category, 0, len(*resp.Categories))
	for _, dto := range *resp.Categories {
		if dto.ParentCategoryID != nil && *dto.ParentCategoryID != "" {
			continue
		}
		categories = append(categories, domain.Category{ID: dto.ID, Name: dto.Name, Handle: dto.Handle})
	}
	return categories, nil
}

// GetCart возвращает корзину по id.
func (c *Client) GetCart(ctx context.Context, cartID string) (domain.Cart, error) {
	return c.cartCall(ctx, http.MethodGet, "/store/carts/"+url.PathEscape(cartID), nil)
}

// CreateCart создаёт пустую корзину в регионе.
func (c *Client) CreateCart(ctx context.Context, regionID string) (domain.Cart, error) {
	return c.cartCall(ctx, http.MethodPost, "/store/carts", map[string]any{"region_id": regionID})
}

// AddLineItem добавляет вариант в корзину.
func (c *Client) AddLineItem(ctx context.Context, cartID, variantID string, quantity int) (domain.Cart, error) {
	return c.cartCall(ctx, http.MethodPost,
		"/store/carts/"+url.PathEscape(cartID)+"/line-items",
		map[string]any{"variant_id": variantID, "quantity": quantity},
	)
}

// UpdateLineItem устанавливает абсолютное количество позиции.
func (c *Client) UpdateLineItem(ctx context.Context, cartID, lineItemID string, quantity int) (domain.Cart, error) {
	return c.cartCall(ctx, http.MethodPost,
		"/store/carts/"+url.PathEscape(cartID)+"/line-items/"+url.PathEscape(lineItemID),
		map[string]any{"quantity": quantity},
	)
}

// RemoveLineItem удаляет позицию. Ответ store API содержит корзину в поле parent.
func (c *Client) RemoveLineItem(ctx context.Context, cartID, lineItemID string) (domain.Cart, error) {
	var resp struct {
		Parent *cartDTO `json:"parent"`
		Cart   *cartDTO `json:"cart"`
	}
	path := "/store/carts/" + url.PathEscape(cartID) + "/line-items/" + url.PathEscape(lineItemID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &resp); err != nil {
		return domain.Cart{}, err
	}

	switch {
	case resp.Parent != nil:
		return resp.Parent.toDomain()
	case resp.Cart != nil:
		return resp.Cart.toDomain()
	default:
		return domain.Cart{}, fmt.Errorf("%w: cart is missing in delete response", domain.ErrInvalidResponse)
	}
}

func (c *Client) cartCall(ctx context.Context, method, path string, body any) (domain.Cart, error) {
	var resp struct {
		Cart *cartDTO `json:"cart"`
	}
	if err := c.do(ctx, method, path, nil, body, &resp); err != nil {
		return domain.Cart{}, err
	}
	if resp.Cart == nil {
		return domain.Cart{}, fmt.Errorf("%w: cart field is missing", domain.ErrInvalidResponse)
	}
	return resp.Cart.toDomain()
}

// do выполняет запрос и раскладывает ошибки по классам:
// 404 -> ErrNotFound, транспорт и прочие non-2xx -> ErrTransient,
// неразбираемое тело -> ErrInvalidResponse.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.publishableKey != "" {
		req.Header.Set(publishableKeyHeader, c.publishableKey)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		c.logger.WithError(err).WithFields(log.Fields{"method": method, "path": path}).Warn("Catalog request failed")
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(log.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(started),
	}).Debug("Catalog request completed")

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: %w", method, path, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: %s %s returned %d: %s",
			domain.ErrTransient, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: decode %s %s: %v", domain.ErrInvalidResponse, method, path, err)
		}
		return fmt.Errorf("%w: read %s %s: %v", domain.ErrTransient, method, path, err)
	}
	return nil
}

// SortProducts сортирует товары по цене самого дешёвого варианта.
// Товары без цены уходят в конец; остальные порядки не меняются.
func SortProducts(products []domain.Product, order domain.SortOrder) {
	if order != domain.SortPriceAsc && order != domain.SortPriceDesc {
		return
	}
	sort.SliceStable(products, func(i, j int) bool {
		pi, iok := pricing.CheapestVariant(products[i])
		pj, jok := pricing.CheapestVariant(products[j])
		switch {
		case !iok:
			return false
		case !jok:
			return true
		case order == domain.SortPriceAsc:
			return pi.Price.Amount < pj.Price.Amount
		default:
			return pi.Price.Amount > pj.Price.Amount
		}
	})
}

var _ domain.Catalog = (*Client)(nil)
