package domain

import "time"

// LineItem — позиция корзины.
type LineItem struct {
	ID                string `json:"id"`
	VariantID         string `json:"variant_id"`
	ProductID         string `json:"product_id"`
	Title             string `json:"title"`
	Quantity          int    `json:"quantity"`
	UnitPrice         int64  `json:"unit_price"`
	Total             int64  `json:"total"`
	ManageInventory   bool   `json:"manage_inventory"`
	AllowBackorder    bool   `json:"allow_backorder"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

// Cart — корзина, привязанная к одному региону на всё время жизни.
type Cart struct {
	ID           string     `json:"id"`
	RegionID     string     `json:"region_id"`
	CurrencyCode string     `json:"currency_code"`
	Items        []LineItem `json:"items"`
	Subtotal     int64      `json:"subtotal"`
	Total        int64      `json:"total"`
}

// Clone возвращает глубокую копию корзины.
func (c Cart) Clone() Cart {
	out := c
	out.Items = append([]LineItem(nil), c.Items...)
	return out
}

// Item возвращает позицию и её индекс.
func (c Cart) Item(lineItemID string) (LineItem, int, bool) {
	for i, item := range c.Items {
		if item.ID == lineItemID {
			return item, i, true
		}
	}
	return LineItem{}, -1, false
}

// ItemByVariant ищет позицию по варианту.
func (c Cart) ItemByVariant(variantID string) (LineItem, bool) {
	for _, item := range c.Items {
		if item.VariantID == variantID {
			return item, true
		}
	}
	return LineItem{}, false
}

// ItemCount — суммарное количество единиц в корзине.
func (c Cart) ItemCount() int {
	total := 0
	for _, item := range c.Items {
		total += item.Quantity
	}
	return total
}

// Recalculate пересчитывает денормализованные суммы позиций и корзины.
func (c *Cart) Recalculate() {
	var subtotal int64
	for i := range c.Items {
		c.Items[i].Total = c.Items[i].UnitPrice * int64(c.Items[i].Quantity)
		subtotal += c.Items[i].Total
	}
	c.Subtotal = subtotal
	c.Total = subtotal
}

// MutationKind — тип мутации позиции корзины.
type MutationKind string

const (
	MutationIncrement   MutationKind = "increment"
	MutationDecrement   MutationKind = "decrement"
	MutationSetQuantity MutationKind = "set_quantity"
	MutationRemove      MutationKind = "remove"
	MutationAdd         MutationKind = "add"
)

// CartMutationIntent — команда в полёте против одной позиции корзины
// вместе со снимком корзины до оптимистичного применения.
type CartMutationIntent struct {
	ID         string
	CartID     string
	LineItemID string
	Kind       MutationKind
	// Quantity — целевое количество для increment/decrement/set_quantity.
	Quantity int
	Snapshot Cart
	IssuedAt time.Time
}
