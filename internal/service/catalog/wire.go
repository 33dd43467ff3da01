package catalog

import (
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Формат ответов store API каталога.

type regionDTO struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	CurrencyCode string       `json:"currency_code"`
	Countries    []countryDTO `json:"countries"`
}

type countryDTO struct {
	ISO2        string `json:"iso_2"`
	DisplayName string `json:"display_name"`
}

type optionValueDTO struct {
	ID       string `json:"id"`
	Value    string `json:"value"`
	OptionID string `json:"option_id"`
}

type optionDTO struct {
	ID     string           `json:"id"`
	Title  string           `json:"title"`
	Values []optionValueDTO `json:"values"`
}

type calculatedPriceDTO struct {
	CalculatedAmount *int64 `json:"calculated_amount"`
	OriginalAmount   *int64 `json:"original_amount"`
	CurrencyCode     string `json:"currency_code"`
}

type variantDTO struct {
	ID                string              `json:"id"`
	Title             string              `json:"title"`
	SKU               string              `json:"sku"`
	ProductID         string              `json:"product_id"`
	ManageInventory   bool                `json:"manage_inventory"`
	AllowBackorder    bool                `json:"allow_backorder"`
	InventoryQuantity int                 `json:"inventory_quantity"`
	Options           []optionValueDTO    `json:"options"`
	CalculatedPrice   *calculatedPriceDTO `json:"calculated_price"`
}

type categoryDTO struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Handle           string  `json:"handle"`
	ParentCategoryID *string `json:"parent_category_id"`
}

type productDTO struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Handle      string        `json:"handle"`
	Description string        `json:"description"`
	Thumbnail   string        `json:"thumbnail"`
	Options     []optionDTO   `json:"options"`
	Variants    []variantDTO  `json:"variants"`
	Categories  []categoryDTO `json:"categories"`
}

type lineItemDTO struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	VariantID string `json:"variant_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
	Variant   *struct {
		ManageInventory   bool `json:"manage_inventory"`
		AllowBackorder    bool `json:"allow_backorder"`
		InventoryQuantity int  `json:"inventory_quantity"`
	} `json:"variant"`
}

type cartDTO struct {
	ID           string        `json:"id"`
	RegionID     string        `json:"region_id"`
	CurrencyCode string        `json:"currency_code"`
	Items        []lineItemDTO `json:"items"`
	Subtotal     int64         `json:"subtotal"`
	Total        int64         `json:"total"`
}

func (r regionDTO) toDomain() (domain.Region, error) {
	region := domain.Region{
		ID:           r.ID,
		Name:         r.Name,
		CurrencyCode: strings.ToLower(r.CurrencyCode),
	}
	for _, c := range r.Countries {
		region.Countries = append(region.Countries, domain.Country{ISO2: c.ISO2, DisplayName: c.DisplayName})
	}
	if err := region.Validate(); err != nil {
		return domain.Region{}, err
	}
	return region, nil
}

func (p productDTO) toDomain() (domain.Product, error) {
	if p.ID == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is empty", domain.ErrInvalidResponse)
	}

	product := domain.Product{
		ID:          p.ID,
		Handle:      p.Handle,
		Title:       p.Title,
		Description: p.Description,
		Thumbnail:   p.Thumbnail,
	}
	for _, c := range p.Categories {
		product.CategoryIDs = append(product.CategoryIDs, c.ID)
	}
	for _, o := range p.Options {
		opt := domain.Option{ID: o.ID, Title: o.Title}
		for _, v := range o.Values {
			opt.Values = append(opt.Values, v.Value)
		}
		product.Options = append(product.Options, opt)
	}
	for _, v := range p.Variants {
		if v.ID == "" {
			return domain.Product{}, fmt.Errorf("%w: product %s has a variant without id", domain.ErrInvalidResponse, p.ID)
		}
		variant := domain.Variant{
			ID:                v.ID,
			ProductID:         p.ID,
			Title:             v.Title,
			SKU:               v.SKU,
			Options:           make(domain.Selection, len(v.Options)),
			ManageInventory:   v.ManageInventory,
			AllowBackorder:    v.AllowBackorder,
			InventoryQuantity: v.InventoryQuantity,
		}
		for _, ov := range v.Options {
			variant.Options[ov.OptionID] = ov.Value
		}
		if cp := v.CalculatedPrice; cp != nil && cp.CalculatedAmount != nil {
			variant.Price = &domain.CalculatedPrice{
				Amount:         *cp.CalculatedAmount,
				OriginalAmount: cp.OriginalAmount,
				CurrencyCode:   strings.ToLower(cp.CurrencyCode),
			}
		}
		product.Variants = append(product.Variants, variant)
	}
	return product, nil
}

func (c cartDTO) toDomain() (domain.Cart, error) {
	if c.ID == "" {
		return domain.Cart{}, fmt.Errorf("%w: cart id is empty", domain.ErrInvalidResponse)
	}

	cart := domain.Cart{
		ID:           c.ID,
		RegionID:     c.RegionID,
		CurrencyCode: strings.ToLower(c.CurrencyCode),
		Subtotal:     c.Subtotal,
		Total:        c.Total,
		Items:        make([]domain.LineItem, 0, len(c.Items)),
	}
	for _, item := range c.Items {
		if item.ID == "" || item.Quantity < 1 {
			return domain.Cart{}, fmt.Errorf("%w: cart %s has malformed line item %q", domain.ErrInvalidResponse, c.ID, item.ID)
		}
		li := domain.LineItem{
			ID:        item.ID,
			VariantID: item.VariantID,
			ProductID: item.ProductID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
		if item.Variant != nil {
			li.ManageInventory = item.Variant.ManageInventory
			li.AllowBackorder = item.Variant.AllowBackorder
			li.InventoryQuantity = item.Variant.InventoryQuantity
		}
		cart.Items = append(cart.Items, li)
	}
	return cart, nil
}
