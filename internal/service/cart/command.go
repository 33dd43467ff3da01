package cart

import "github.com/vladislavdragonenkov/storefront/internal/domain"

// command — оптимистичная мутация одной позиции корзины:
// Apply показывает ожидаемый результат сразу, Rollback возвращает позицию
// к состоянию до мутации, Commit принимает ответ сервера.
type command struct {
	intent     domain.CartMutationIntent
	variantID  string
	delta      int
	quantity   int
	optimistic bool
	generation uint64
	// maxQuantity: потолок количества варианта для add.
	maxQuantity int

	// base — состояние позиции до этой мутации (nil, если позиции не было).
	// Переопределяется, когда предыдущая мутация той же позиции завершается.
	base      *domain.LineItem
	baseIndex int
}

func (c *command) queueKey() string {
	if c.intent.LineItemID != "" {
		return "line:" + c.intent.LineItemID
	}
	return "variant:" + c.variantID
}

// target вычисляет итоговое количество относительно текущего.
func (c *command) target(current int) int {
	if c.intent.Kind == domain.MutationSetQuantity {
		return c.quantity
	}
	return current + c.delta
}

// Apply возвращает корзину с применённым ожидаемым эффектом мутации.
func (c *command) Apply(cart domain.Cart) domain.Cart {
	out := cart.Clone()
	if !c.optimistic {
		return out
	}
	item, idx, ok := out.Item(c.intent.LineItemID)
	if !ok {
		return out
	}

	if c.intent.Kind == domain.MutationRemove {
		removeItem(&out, idx)
		return out
	}
	setQuantity(&out, idx, max(c.target(item.Quantity), 1))
	return out
}

// Rollback восстанавливает позицию из состояния до мутации.
func (c *command) Rollback(current domain.Cart) domain.Cart {
	out := current.Clone()
	if !c.optimistic {
		return out
	}
	_, idx, ok := out.Item(c.intent.LineItemID)

	switch {
	case c.base == nil && ok:
		removeItem(&out, idx)
	case c.base != nil && ok:
		old := out.Items[idx]
		out.Items[idx] = *c.base
		adjustTotals(&out, c.base.Total-old.Total)
	case c.base != nil && !ok:
		pos := min(max(c.baseIndex, 0), len(out.Items))
		out.Items = append(out.Items, domain.LineItem{})
		copy(out.Items[pos+1:], out.Items[pos:])
		out.Items[pos] = *c.base
		adjustTotals(&out, c.base.Total)
	}
	return out
}

// Commit принимает авторитетную корзину сервера и проецирует поверх неё
// остальные мутации, ещё находящиеся в полёте.
func (c *command) Commit(server domain.Cart, inflight []*command) domain.Cart {
	out := server.Clone()
	for _, other := range inflight {
		if other == c {
			continue
		}
		out = other.Apply(out)
	}
	return out
}

func setQuantity(cart *domain.Cart, idx, quantity int) {
	item := cart.Items[idx]
	total := item.UnitPrice * int64(quantity)
	adjustTotals(cart, total-item.Total)
	item.Quantity = quantity
	item.Total = total
	cart.Items[idx] = item
}

func removeItem(cart *domain.Cart, idx int) {
	adjustTotals(cart, -cart.Items[idx].Total)
	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
}

func adjustTotals(cart *domain.Cart, diff int64) {
	cart.Subtotal += diff
	cart.Total += diff
}
