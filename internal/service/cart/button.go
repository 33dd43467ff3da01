package cart

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/availability"
	"github.com/vladislavdragonenkov/storefront/internal/service/variant"
)

// DefaultFeedbackDelay — сколько длится состояние Added перед возвратом в Ready.
const DefaultFeedbackDelay = 3 * time.Second

// ButtonState — состояние кнопки «добавить в корзину».
type ButtonState string

const (
	ButtonSelectVariant ButtonState = "select_variant"
	ButtonOutOfStock    ButtonState = "out_of_stock"
	ButtonReady         ButtonState = "ready"
	ButtonAdding        ButtonState = "adding"
	ButtonAdded         ButtonState = "added"
	// ButtonUnavailable: регион ещё не определён, цены и добавление выключены.
	ButtonUnavailable ButtonState = "unavailable"
)

// Label возвращает подпись кнопки.
func (s ButtonState) Label() string {
	switch s {
	case ButtonSelectVariant:
		return "Select variant"
	case ButtonOutOfStock:
		return "Out of stock"
	case ButtonAdding:
		return "Adding..."
	case ButtonAdded:
		return "Added to cart"
	case ButtonUnavailable:
		return "Unavailable"
	default:
		return "Add to cart"
	}
}

// Enabled сообщает, можно ли нажать кнопку.
func (s ButtonState) Enabled() bool {
	return s == ButtonReady || s == ButtonAdded
}

// Button хранит состояние добавления в корзину для одного товара.
type Button struct {
	feedback time.Duration
	now      func() time.Time

	mu      sync.Mutex
	adding  bool
	addedAt time.Time
}

// NewButton создаёт кнопку; feedback <= 0 означает DefaultFeedbackDelay.
func NewButton(feedback time.Duration, clock func() time.Time) *Button {
	if feedback <= 0 {
		feedback = DefaultFeedbackDelay
	}
	if clock == nil {
		clock = time.Now
	}
	return &Button{feedback: feedback, now: clock}
}

// State вычисляет состояние кнопки для товара и выбора опций.
// Неполный выбор даёт SelectVariant; полный, но невозможный выбор
// или неоднозначный каталог дают OutOfStock.
func (b *Button) State(product domain.Product, selection domain.Selection, policy availability.Policy) ButtonState {
	if !variant.IsComplete(product, selection) {
		return ButtonSelectVariant
	}
	v, ok := variant.Resolve(product, selection)
	if !ok || !policy.IsPurchasable(v) {
		return ButtonOutOfStock
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.adding:
		return ButtonAdding
	case !b.addedAt.IsZero() && b.now().Sub(b.addedAt) < b.feedback:
		return ButtonAdded
	default:
		return ButtonReady
	}
}

// Begin переводит кнопку в Adding. Возвращает false, если добавление уже идёт.
func (b *Button) Begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adding {
		return false
	}
	b.adding = true
	b.addedAt = time.Time{}
	return true
}

// Succeed переводит кнопку в Added; через feedback она вернётся в Ready.
func (b *Button) Succeed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adding = false
	b.addedAt = b.now()
}

// Fail возвращает кнопку в Ready.
func (b *Button) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adding = false
}
