package domain

// Option: атрибут товара (например, Size) и его допустимые значения.
type Option struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Values []string `json:"values"`
}

// Selection сопоставляет идентификатор опции выбранному значению.
type Selection map[string]string

// Clone возвращает независимую копию выбора.
func (s Selection) Clone() Selection {
	out := make(Selection, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// CalculatedPrice: цена варианта в минорных единицах для активного региона.
type CalculatedPrice struct {
	Amount         int64  `json:"calculated_amount"`
	OriginalAmount *int64 `json:"original_amount,omitempty"`
	CurrencyCode   string `json:"currency_code"`
}

// Variant: конкретный SKU товара.
type Variant struct {
	ID                string    `json:"id"`
	ProductID         string    `json:"product_id"`
	Title             string    `json:"title"`
	SKU               string    `json:"sku,omitempty"`
	Options           Selection `json:"options"`
	ManageInventory   bool      `json:"manage_inventory"`
	AllowBackorder    bool      `json:"allow_backorder"`
	InventoryQuantity int       `json:"inventory_quantity"`
	// Price == nil означает, что цена для региона не рассчитана.
	Price *CalculatedPrice `json:"calculated_price,omitempty"`
}

// Product: товар каталога.
type Product struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	CategoryIDs []string  `json:"category_ids,omitempty"`
	Options     []Option  `json:"options"`
	Variants    []Variant `json:"variants"`
}

// Variant ищет вариант товара по идентификатору.
func (p Product) Variant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Category: категория каталога.
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Handle   string `json:"handle"`
	ParentID string `json:"parent_category_id,omitempty"`
}

// SortOrder: порядок сортировки списка товаров.
type SortOrder string

const (
	SortDefault   SortOrder = "default"
	SortNewest    SortOrder = "created_at"
	SortPriceAsc  SortOrder = "price_asc"
	SortPriceDesc SortOrder = "price_desc"
)

// ParseSortOrder возвращает SortDefault для неизвестных значений.
func ParseSortOrder(raw string) SortOrder {
	switch SortOrder(raw) {
	case SortNewest, SortPriceAsc, SortPriceDesc:
		return SortOrder(raw)
	default:
		return SortDefault
	}
}

// ProductQuery задаёт параметры выборки товаров.
type ProductQuery struct {
	Page        int
	Limit       int
	RegionID    string
	CategoryIDs []string
	Query       string
	Sort        SortOrder
}

// ProductPage: страница списка товаров.
type ProductPage struct {
	Products []Product `json:"products"`
	Count    int       `json:"count"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"has_more"`
}
