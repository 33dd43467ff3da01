// Package availability решает, можно ли купить вариант и в каком количестве.
package availability

import "github.com/vladislavdragonenkov/storefront/internal/domain"

// DefaultMaxQuantity — потолок количества на позицию по умолчанию.
const DefaultMaxQuantity = 10

// Stock — складские флаги, общие для варианта и позиции корзины.
type Stock struct {
	ManageInventory   bool
	AllowBackorder    bool
	InventoryQuantity int
}

// StockOfVariant извлекает складские флаги варианта.
func StockOfVariant(v domain.Variant) Stock {
	return Stock{
		ManageInventory:   v.ManageInventory,
		AllowBackorder:    v.AllowBackorder,
		InventoryQuantity: v.InventoryQuantity,
	}
}

// StockOfLineItem извлекает складские флаги позиции корзины.
func StockOfLineItem(item domain.LineItem) Stock {
	return Stock{
		ManageInventory:   item.ManageInventory,
		AllowBackorder:    item.AllowBackorder,
		InventoryQuantity: item.InventoryQuantity,
	}
}

// IsPurchasable — упорядоченная таблица решений, первое совпадение выигрывает.
func IsPurchasable(s Stock) bool {
	switch {
	case !s.ManageInventory:
		return true
	case s.AllowBackorder:
		return true
	case s.InventoryQuantity > 0:
		return true
	default:
		return false
	}
}

// Strategy вычисляет максимальное количество для позиции.
type Strategy interface {
	MaxQuantity(s Stock) int
}

// FixedCeiling ограничивает количество константой независимо от остатка.
type FixedCeiling int

func (c FixedCeiling) MaxQuantity(Stock) int {
	if c <= 0 {
		return DefaultMaxQuantity
	}
	return int(c)
}

// StockCapped ограничивает количество остатком на складе, если склад
// учитывается без бэкордера, и потолком во всех случаях.
type StockCapped int

func (c StockCapped) MaxQuantity(s Stock) int {
	ceiling := FixedCeiling(c).MaxQuantity(s)
	if !s.ManageInventory || s.AllowBackorder {
		return ceiling
	}
	if s.InventoryQuantity < 1 {
		return 0
	}
	return min(ceiling, s.InventoryQuantity)
}

// Policy объединяет таблицу покупаемости и стратегию максимума.
type Policy struct {
	strategy Strategy
}

// NewPolicy создаёт политику; nil strategy означает FixedCeiling(DefaultMaxQuantity).
func NewPolicy(strategy Strategy) Policy {
	if strategy == nil {
		strategy = FixedCeiling(DefaultMaxQuantity)
	}
	return Policy{strategy: strategy}
}

// StrategyByName выбирает стратегию по имени из конфигурации: "stock" или "fixed".
func StrategyByName(name string, ceiling int) Strategy {
	if name == "stock" {
		return StockCapped(ceiling)
	}
	return FixedCeiling(ceiling)
}

func (p Policy) IsPurchasable(v domain.Variant) bool {
	return IsPurchasable(StockOfVariant(v))
}

// MaxQuantity возвращает 0 для непокупаемого варианта.
func (p Policy) MaxQuantity(v domain.Variant) int {
	return p.maxFor(StockOfVariant(v))
}

// LineItemMaxQuantity применяет ту же политику к позиции корзины.
func (p Policy) LineItemMaxQuantity(item domain.LineItem) int {
	return p.maxFor(StockOfLineItem(item))
}

func (p Policy) maxFor(s Stock) int {
	if !IsPurchasable(s) {
		return 0
	}
	strategy := p.strategy
	if strategy == nil {
		strategy = FixedCeiling(DefaultMaxQuantity)
	}
	return strategy.MaxQuantity(s)
}
