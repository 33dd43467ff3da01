package domain

import "time"

// AggregateTypeCart: тип агрегата для событий корзины в outbox.
const AggregateTypeCart = "cart"

// Типы событий корзины.
const (
	EventLineItemAdded      = "cart.line_item.added"
	EventLineItemUpdated    = "cart.line_item.updated"
	EventLineItemRemoved    = "cart.line_item.removed"
	EventMutationRolledBack = "cart.mutation.rolled_back"
)

// CartEvent: полезная нагрузка события корзины.
type CartEvent struct {
	IntentID   string       `json:"intent_id"`
	CartID     string       `json:"cart_id"`
	RegionID   string       `json:"region_id"`
	LineItemID string       `json:"line_item_id,omitempty"`
	VariantID  string       `json:"variant_id,omitempty"`
	Op         MutationKind `json:"op"`
	Quantity   int          `json:"quantity,omitempty"`
	Error      string       `json:"error,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
