package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Имена операций для инъекции отказов в Memory.
const (
	OpListRegions    = "ListRegions"
	OpGetRegion      = "GetRegion"
	OpListProducts   = "ListProducts"
	OpGetProduct     = "GetProduct"
	OpListCategories = "ListCategories"
	OpGetCart        = "GetCart"
	OpCreateCart     = "CreateCart"
	OpAddLineItem    = "AddLineItem"
	OpUpdateLineItem = "UpdateLineItem"
	OpRemoveLineItem = "RemoveLineItem"
)

type memoryProduct struct {
	product domain.Product
	created time.Time
	// prices: variantID -> regionID -> сумма в минорных единицах.
	prices   map[string]map[string]int64
	original map[string]map[string]int64
}

// Memory — потокобезопасный каталог в памяти для локального запуска и тестов.
// Поддерживает инъекцию отказов по имени операции.
type Memory struct {
	mu         sync.Mutex
	regions    map[string]domain.Region
	order      []string
	products   map[string]*memoryProduct
	categories []domain.Category
	carts      map[string]domain.Cart
	seq        int
	latency    time.Duration

	failures map[string][]error
	calls    map[string]int
}

// NewMemory создаёт пустой каталог.
func NewMemory() *Memory {
	return &Memory{
		regions:  make(map[string]domain.Region),
		products: make(map[string]*memoryProduct),
		carts:    make(map[string]domain.Cart),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// NewDemoMemory создаёт каталог с демо-данными: регионы reg_us и reg_eu,
// футболка с опциями Size и Color и кружка с единственным вариантом.
func NewDemoMemory() *Memory {
	m := NewMemory()
	m.PutRegion(domain.Region{
		ID: "reg_us", Name: "North America", CurrencyCode: "usd",
		Countries: []domain.Country{{ISO2: "us", DisplayName: "United States"}, {ISO2: "ca", DisplayName: "Canada"}},
	})
	m.PutRegion(domain.Region{
		ID: "reg_eu", Name: "Europe", CurrencyCode: "eur",
		Countries: []domain.Country{{ISO2: "de", DisplayName: "Germany"}, {ISO2: "fr", DisplayName: "France"}},
	})

	m.categories = []domain.Category{
		{ID: "pcat_apparel", Name: "Apparel", Handle: "apparel"},
		{ID: "pcat_home", Name: "Home", Handle: "home"},
		{ID: "pcat_shirts", Name: "Shirts", Handle: "shirts", ParentID: "pcat_apparel"},
	}

	tee := domain.Product{
		ID: "prod_tee", Handle: "classic-tee", Title: "Classic Tee",
		Description: "Cotton t-shirt",
		CategoryIDs: []string{"pcat_apparel", "pcat_shirts"},
		Options: []domain.Option{
			{ID: "opt_size", Title: "Size", Values: []string{"S", "M", "L"}},
			{ID: "opt_color", Title: "Color", Values: []string{"Black", "White"}},
		},
	}
	prices := map[string]map[string]int64{}
	original := map[string]map[string]int64{}
	for _, size := range []string{"S", "M", "L"} {
		for _, color := range []string{"Black", "White"} {
			id := "variant_tee_" + strings.ToLower(size) + "_" + strings.ToLower(color)
			v := domain.Variant{
				ID: id, ProductID: tee.ID, Title: size + " / " + color,
				SKU:             "TEE-" + size + "-" + strings.ToUpper(color[:1]),
				Options:         domain.Selection{"opt_size": size, "opt_color": color},
				ManageInventory: true, InventoryQuantity: 25,
			}
			switch {
			case size == "L" && color == "White":
				v.InventoryQuantity = 0
			case size == "S" && color == "White":
				v.InventoryQuantity = 0
				v.AllowBackorder = true
			}
			tee.Variants = append(tee.Variants, v)
			prices[id] = map[string]int64{"reg_us": 2500, "reg_eu": 2300}
		}
	}
	prices["variant_tee_s_black"] = map[string]int64{"reg_us": 2000, "reg_eu": 1800}
	original["variant_tee_s_black"] = map[string]int64{"reg_us": 2500, "reg_eu": 2300}
	m.PutProduct(tee, prices, original)

	mug := domain.Product{
		ID: "prod_mug", Handle: "stoneware-mug", Title: "Stoneware Mug",
		CategoryIDs: []string{"pcat_home"},
		Options:     []domain.Option{{ID: "opt_mug_title", Title: "Title", Values: []string{"Default"}}},
		Variants: []domain.Variant{{
			ID: "variant_mug", ProductID: "prod_mug", Title: "Default", SKU: "MUG-1",
			Options: domain.Selection{"opt_mug_title": "Default"},
		}},
	}
	m.PutProduct(mug, map[string]map[string]int64{"variant_mug": {"reg_us": 1200, "reg_eu": 1100}}, nil)

	return m
}

// PutRegion добавляет или заменяет регион.
func (m *Memory) PutRegion(region domain.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[region.ID]; !ok {
		m.order = append(m.order, region.ID)
	}
	m.regions[region.ID] = region
}

// DeleteRegion удаляет регион; последующие GetRegion вернут ErrNotFound.
func (m *Memory) DeleteRegion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// PutProduct добавляет товар с ценами по регионам.
func (m *Memory) PutProduct(product domain.Product, prices, original map[string]map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.products[product.ID] = &memoryProduct{
		product:  product,
		created:  time.Unix(int64(m.seq), 0),
		prices:   prices,
		original: original,
	}
}

// SetInventory меняет остаток варианта.
func (m *Memory) SetInventory(variantID string, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		for i := range p.product.Variants {
			if p.product.Variants[i].ID == variantID {
				p.product.Variants[i].InventoryQuantity = quantity
			}
		}
	}
}

// FailNext ставит ошибки в очередь для операции: каждый вызов забирает одну.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetLatency задаёт задержку каждого вызова.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls возвращает число вызовов операции.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	latency := m.latency
	var injected error
	if queue := m.failures[op]; len(queue) > 0 {
		injected = queue[0]
		m.failures[op] = queue[1:]
	}
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return injected
}

func (m *Memory) ListRegions(ctx context.Context) ([]domain.Region, error) {
	if err := m.enter(ctx, OpListRegions); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Region, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.regions[id])
	}
	return out, nil
}

func (m *Memory) GetRegion(ctx context.Context, id string) (domain.Region, error) {
	if err := m.enter(ctx, OpGetRegion); err != nil {
		return domain.Region{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	region, ok := m.regions[id]
	if !ok {
		return domain.Region{}, fmt.Errorf("region %s: %w", id, domain.ErrNotFound)
	}
	return region, nil
}

func (m *Memory) ListProducts(ctx context.Context, query domain.ProductQuery) (domain.ProductPage, error) {
	if err := m.enter(ctx, OpListProducts); err != nil {
		return domain.ProductPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*memoryProduct, 0, len(m.products))
	needle := strings.ToLower(strings.TrimSpace(query.Query))
	for _, p := range m.products {
		if needle != "" && !strings.Contains(strings.ToLower(p.product.Title), needle) {
			continue
		}
		if len(query.CategoryIDs) > 0 && !intersects(p.product.CategoryIDs, query.CategoryIDs) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if query.Sort == domain.SortNewest {
			return matched[i].created.After(matched[j].created)
		}
		return matched[i].created.Before(matched[j].created)
	})

	page := query.Page
	if page < 1 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := (page - 1) * limit
	end := offset + limit
	if offset > len(matched) {
		offset = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	products := make([]domain.Product, 0, end-offset)
	for _, p := range matched[offset:end] {
		products = append(products, m.priced(p, query.RegionID))
	}
	SortProducts(products, query.Sort)

	return domain.ProductPage{
		Products: products,
		Count:    len(matched),
		Page:     page,
		HasMore:  end < len(matched),
	}, nil
}

func (m *Memory) GetProduct(ctx context.Context, id, regionID string) (domain.Product, error) {
	if err := m.enter(ctx, OpGetProduct); err != nil {
		return domain.Product{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}
	return m.priced(p, regionID), nil
}

func (m *Memory) GetProductByHandle(ctx context.Context, handle, regionID string) (domain.Product, error) {
	if err := m.enter(ctx, OpGetProduct); err != nil {
		return domain.Product{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if p.product.Handle == handle {
			return m.priced(p, regionID), nil
		}
	}
	return domain.Product{}, fmt.Errorf("product with handle %q: %w", handle, domain.ErrNotFound)
}

func (m *Memory) ListCategories(ctx context.Context) ([]domain.Category, error) {
	if err := m.enter(ctx, OpListCategories); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Category, 0, len(m.categories))
	for _, c := range m.categories {
		if c.ParentID == "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) GetCart(ctx context.Context, cartID string) (domain.Cart, error) {
	if err := m.enter(ctx, OpGetCart); err != nil {
		return domain.Cart{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cart, ok := m.carts[cartID]
	if !ok {
		return domain.Cart{}, fmt.Errorf("cart %s: %w", cartID, domain.ErrNotFound)
	}
	return cart.Clone(), nil
}

func (m *Memory) CreateCart(ctx context.Context, regionID string) (domain.Cart, error) {
	if err := m.enter(ctx, OpCreateCart); err != nil {
		return domain.Cart{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	region, ok := m.regions[regionID]
	if !ok {
		return domain.Cart{}, fmt.Errorf("%w: create cart: unknown region %s", domain.ErrTransient, regionID)
	}
	m.seq++
	cart := domain.Cart{
		ID:           fmt.Sprintf("cart_%04d", m.seq),
		RegionID:     region.ID,
		CurrencyCode: region.CurrencyCode,
		Items:        []domain.LineItem{},
	}
	m.carts[cart.ID] = cart
	return cart.Clone(), nil
}

func (m *Memory) AddLineItem(ctx context.Context, cartID, variantID string, quantity int) (domain.Cart, error) {
	if err := m.enter(ctx, OpAddLineItem); err != nil {
		return domain.Cart{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return domain.Cart{}, fmt.Errorf("cart %s: %w", cartID, domain.ErrNotFound)
	}
	product, variant, ok := m.findVariant(variantID)
	if !ok {
		return domain.Cart{}, fmt.Errorf("%w: add line item: unknown variant %s", domain.ErrTransient, variantID)
	}
	amount, ok := product.prices[variantID][cart.RegionID]
	if !ok {
		return domain.Cart{}, fmt.Errorf("%w: variant %s has no price in region %s", domain.ErrTransient, variantID, cart.RegionID)
	}

	cart = cart.Clone()
	if _, idx, found := itemIndexByVariant(cart, variantID); found {
		target := cart.Items[idx].Quantity + quantity
		if err := checkStock(variant, target); err != nil {
			return domain.Cart{}, err
		}
		cart.Items[idx].Quantity = target
	} else {
		if err := checkStock(variant, quantity); err != nil {
			return domain.Cart{}, err
		}
		m.seq++
		cart.Items = append(cart.Items, domain.LineItem{
			ID:                fmt.Sprintf("item_%04d", m.seq),
			VariantID:         variant.ID,
			ProductID:         product.product.ID,
			Title:             product.product.Title,
			Quantity:          quantity,
			UnitPrice:         amount,
			ManageInventory:   variant.ManageInventory,
			AllowBackorder:    variant.AllowBackorder,
			InventoryQuantity: variant.InventoryQuantity,
		})
	}
	cart.Recalculate()
	m.carts[cartID] = cart
	return cart.Clone(), nil
}

func (m *Memory) UpdateLineItem(ctx context.Context, cartID, lineItemID string, quantity int) (domain.Cart, error) {
	if err := m.enter(ctx, OpUpdateLineItem); err != nil {
		return domain.Cart{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return domain.Cart{}, fmt.Errorf("cart %s: %w", cartID, domain.ErrNotFound)
	}
	cart = cart.Clone()
	item, idx, found := cart.Item(lineItemID)
	if !found {
		return domain.Cart{}, fmt.Errorf("line item %s: %w", lineItemID, domain.ErrNotFound)
	}
	if quantity < 1 {
		return domain.Cart{}, fmt.Errorf("%w: quantity must be positive", domain.ErrTransient)
	}
	if _, variant, ok := m.findVariant(item.VariantID); ok {
		if err := checkStock(variant, quantity); err != nil {
			return domain.Cart{}, err
		}
	}
	cart.Items[idx].Quantity = quantity
	cart.Recalculate()
	m.carts[cartID] = cart
	return cart.Clone(), nil
}

func (m *Memory) RemoveLineItem(ctx context.Context, cartID, lineItemID string) (domain.Cart, error) {
	if err := m.enter(ctx, OpRemoveLineItem); err != nil {
		return domain.Cart{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return domain.Cart{}, fmt.Errorf("cart %s: %w", cartID, domain.ErrNotFound)
	}
	cart = cart.Clone()
	_, idx, found := cart.Item(lineItemID)
	if !found {
		return domain.Cart{}, fmt.Errorf("line item %s: %w", lineItemID, domain.ErrNotFound)
	}
	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	cart.Recalculate()
	m.carts[cartID] = cart
	return cart.Clone(), nil
}

func (m *Memory) priced(p *memoryProduct, regionID string) domain.Product {
	out := p.product
	out.Options = append([]domain.Option(nil), p.product.Options...)
	out.Variants = make([]domain.Variant, len(p.product.Variants))
	region, hasRegion := m.regions[regionID]
	for i, v := range p.product.Variants {
		v.Options = v.Options.Clone()
		v.Price = nil
		if hasRegion {
			if amount, ok := p.prices[v.ID][regionID]; ok {
				price := &domain.CalculatedPrice{Amount: amount, CurrencyCode: region.CurrencyCode}
				if orig, ok := p.original[v.ID][regionID]; ok {
					o := orig
					price.OriginalAmount = &o
				}
				v.Price = price
			}
		}
		out.Variants[i] = v
	}
	return out
}

func (m *Memory) findVariant(variantID string) (*memoryProduct, domain.Variant, bool) {
	for _, p := range m.products {
		if v, ok := p.product.Variant(variantID); ok {
			return p, v, true
		}
	}
	return nil, domain.Variant{}, false
}

func itemIndexByVariant(cart domain.Cart, variantID string) (domain.LineItem, int, bool) {
	for i, item := range cart.Items {
		if item.VariantID == variantID {
			return item, i, true
		}
	}
	return domain.LineItem{}, -1, false
}

func checkStock(variant domain.Variant, quantity int) error {
	if variant.ManageInventory && !variant.AllowBackorder && quantity > variant.InventoryQuantity {
		return fmt.Errorf("%w: variant %s has insufficient inventory", domain.ErrTransient, variant.ID)
	}
	return nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

var _ domain.Catalog = (*Memory)(nil)
