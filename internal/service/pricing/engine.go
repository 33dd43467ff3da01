// Package pricing вычисляет и форматирует цены товаров для региона.
package pricing

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const defaultLabelCacheSize = 4096

// Price — цена для отображения в минорных единицах.
type Price struct {
	VariantID      string `json:"variant_id"`
	Amount         int64  `json:"amount"`
	OriginalAmount *int64 `json:"original_amount,omitempty"`
	PercentageOff  *int   `json:"percentage_off,omitempty"`
	CurrencyCode   string `json:"currency_code"`
}

// OnSale сообщает, действует ли скидка.
func (p Price) OnSale() bool {
	return p.PercentageOff != nil
}

// Label — отформатированный ценник.
type Label struct {
	Price    Price  `json:"price"`
	Amount   Money  `json:"amount"`
	Original *Money `json:"original,omitempty"`
}

// CartTotals — отформатированные суммы корзины.
type CartTotals struct {
	Lines    map[string]Money `json:"lines"`
	Subtotal Money            `json:"subtotal"`
	Total    Money            `json:"total"`
}

// CheapestVariant возвращает вариант с минимальной рассчитанной ценой.
// Варианты без цены не участвуют; при равенстве выигрывает более ранний.
func CheapestVariant(product domain.Product) (domain.Variant, bool) {
	var (
		best  domain.Variant
		found bool
	)
	for _, v := range product.Variants {
		if v.Price == nil {
			continue
		}
		if !found || v.Price.Amount < best.Price.Amount {
			best = v
			found = true
		}
	}
	return best, found
}

// DisplayPrice вычисляет цену выбранного варианта, а без него цену самого дешёвого.
func DisplayPrice(product domain.Product, variant *domain.Variant) (Price, bool) {
	var chosen domain.Variant
	if variant != nil {
		chosen = *variant
	} else {
		cheapest, ok := CheapestVariant(product)
		if !ok {
			return Price{}, false
		}
		chosen = cheapest
	}
	if chosen.Price == nil {
		return Price{}, false
	}

	price := Price{
		VariantID:    chosen.ID,
		Amount:       chosen.Price.Amount,
		CurrencyCode: chosen.Price.CurrencyCode,
	}
	if orig := chosen.Price.OriginalAmount; orig != nil {
		original := *orig
		price.OriginalAmount = &original
		if original > price.Amount {
			pct := percentageOff(original, price.Amount)
			price.PercentageOff = &pct
		}
	}
	return price, true
}

// percentageOff = round((original - amount) / original * 100), половина округляется вверх.
func percentageOff(original, amount int64) int {
	diff := decimal.NewFromInt(original - amount)
	return int(diff.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(original)).Round(0).IntPart())
}

// EngineOptions задаёт параметры Engine.
type EngineOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.StorefrontMetrics
	CacheSize int
	Fallback  language.Tag
}

// Option настраивает Engine.
type Option func(*EngineOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *EngineOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики кеша ценников.
func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(opts *EngineOptions) {
		opts.Metrics = m
	}
}

// WithCacheSize задаёт размер LRU-кеша ценников.
func WithCacheSize(size int) Option {
	return func(opts *EngineOptions) {
		opts.CacheSize = size
	}
}

// WithFallbackLocale задаёт локаль по умолчанию.
func WithFallbackLocale(tag language.Tag) Option {
	return func(opts *EngineOptions) {
		opts.Fallback = tag
	}
}

// Engine форматирует цены и кеширует готовые ценники в пределах региона.
type Engine struct {
	formatter *Formatter
	labels    *lru.Cache[string, Label]
	metrics   *metrics.StorefrontMetrics
	logger    *log.Entry
}

// NewEngine создаёт PriceEngine.
func NewEngine(options ...Option) (*Engine, error) {
	opts := EngineOptions{
		CacheSize: defaultLabelCacheSize,
		Fallback:  language.English,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultLabelCacheSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "price-engine")
	}

	cache, err := lru.New[string, Label](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create price label cache: %w", err)
	}

	return &Engine{
		formatter: NewFormatter(opts.Fallback),
		labels:    cache,
		metrics:   opts.Metrics,
		logger:    logger,
	}, nil
}

// Format — единственная точка форматирования денежных сумм.
func (e *Engine) Format(amountMinor int64, region domain.Region) Money {
	return e.formatter.Format(amountMinor, region)
}

// Label возвращает ценник товара (или выбранного варианта) для региона.
func (e *Engine) Label(product domain.Product, variant *domain.Variant, region domain.Region) (Label, bool) {
	price, ok := DisplayPrice(product, variant)
	if !ok {
		return Label{}, false
	}

	key := labelKey(region.ID, product.ID, price)
	if cached, hit := e.labels.Get(key); hit {
		e.metrics.RecordPriceCache(true)
		return cached, true
	}
	e.metrics.RecordPriceCache(false)

	label := Label{
		Price:  price,
		Amount: e.Format(price.Amount, region),
	}
	if price.OnSale() {
		original := e.Format(*price.OriginalAmount, region)
		label.Original = &original
	}
	e.labels.Add(key, label)
	return label, true
}

// CartTotals форматирует суммы корзины тем же форматтером.
func (e *Engine) CartTotals(cart domain.Cart, region domain.Region) CartTotals {
	totals := CartTotals{
		Lines:    make(map[string]Money, len(cart.Items)),
		Subtotal: e.Format(cart.Subtotal, region),
		Total:    e.Format(cart.Total, region),
	}
	for _, item := range cart.Items {
		totals.Lines[item.ID] = e.Format(item.Total, region)
	}
	return totals
}

// InvalidateRegion сбрасывает ценники региона, когда каталог сообщил об его изменении.
// Пустой regionID сбрасывает весь кеш. Смена региона в сессии кеш не трогает:
// id региона входит в ключ.
func (e *Engine) InvalidateRegion(regionID string) {
	n := 0
	if regionID == "" {
		n = e.labels.Len()
		e.labels.Purge()
	} else {
		prefix := regionID + "|"
		for _, key := range e.labels.Keys() {
			if strings.HasPrefix(key, prefix) && e.labels.Remove(key) {
				n++
			}
		}
	}
	if n > 0 {
		e.logger.WithFields(log.Fields{"region_id": regionID, "purged": n}).Debug("price labels purged")
	}
}

// CachedLabels возвращает число ценников в кеше.
func (e *Engine) CachedLabels() int {
	return e.labels.Len()
}

func labelKey(regionID, productID string, price Price) string {
	original := int64(-1)
	if price.OriginalAmount != nil {
		original = *price.OriginalAmount
	}
	return fmt.Sprintf("%s|%s|%s|%d|%d", regionID, productID, price.VariantID, price.Amount, original)
}
