package pricing

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

func int64Ptr(v int64) *int64 { return &v }

func priced(id string, amount int64, original *int64) domain.Variant {
	return domain.Variant{
		ID: id,
		Price: &domain.CalculatedPrice{
			Amount:         amount,
			OriginalAmount: original,
			CurrencyCode:   "usd",
		},
	}
}

var usRegion = domain.Region{
	ID:           "reg_us",
	CurrencyCode: "usd",
	Countries:    []domain.Country{{ISO2: "us"}},
}

func TestCheapestVariant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		product domain.Product
		wantID  string
		wantOK  bool
	}{
		{
			name: "minimum wins",
			product: domain.Product{Variants: []domain.Variant{
				priced("a", 3000, nil), priced("b", 1500, nil), priced("c", 2000, nil),
			}},
			wantID: "b", wantOK: true,
		},
		{
			name: "ties keep earliest",
			product: domain.Product{Variants: []domain.Variant{
				priced("a", 3000, nil), priced("b", 1000, nil), priced("c", 1000, nil),
			}},
			wantID: "b", wantOK: true,
		},
		{
			name: "undefined price never wins",
			product: domain.Product{Variants: []domain.Variant{
				{ID: "free"}, priced("b", 5000, nil),
			}},
			wantID: "b", wantOK: true,
		},
		{
			name:    "no priced variants",
			product: domain.Product{Variants: []domain.Variant{{ID: "a"}, {ID: "b"}}},
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CheapestVariant(tt.product)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				require.Equal(t, tt.wantID, got.ID)
			}
		})
	}
}

func TestDisplayPrice_SaleDetection(t *testing.T) {
	t.Parallel()

	product := domain.Product{Variants: []domain.Variant{
		priced("sale", 7500, int64Ptr(10000)),
		priced("full", 9000, int64Ptr(9000)),
	}}

	price, ok := DisplayPrice(product, nil)
	require.True(t, ok)
	require.Equal(t, "sale", price.VariantID)
	require.True(t, price.OnSale())
	require.Equal(t, 25, *price.PercentageOff)

	full := product.Variants[1]
	price, ok = DisplayPrice(product, &full)
	require.True(t, ok)
	require.Equal(t, "full", price.VariantID)
	require.False(t, price.OnSale(), "equal original must not be a sale")
	require.Nil(t, price.PercentageOff)
}

func TestDisplayPrice_PercentageRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		original, amount int64
		want             int
	}{
		{original: 10000, amount: 7500, want: 25},
		{original: 3000, amount: 2000, want: 33},
		{original: 3000, amount: 1000, want: 67},
		{original: 200, amount: 199, want: 1},
	}

	for _, tt := range tests {
		product := domain.Product{Variants: []domain.Variant{priced("v", tt.amount, int64Ptr(tt.original))}}
		price, ok := DisplayPrice(product, nil)
		require.True(t, ok)
		require.NotNil(t, price.PercentageOff)
		require.Equal(t, tt.want, *price.PercentageOff, "original=%d amount=%d", tt.original, tt.amount)
	}
}

func TestDisplayPrice_SelectedVariantWithoutPrice(t *testing.T) {
	t.Parallel()

	product := domain.Product{Variants: []domain.Variant{priced("a", 100, nil), {ID: "b"}}}
	selected := product.Variants[1]

	_, ok := DisplayPrice(product, &selected)
	require.False(t, ok)
}

func TestFormat_SingleDivision(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine()
	require.NoError(t, err)

	regions := []domain.Region{
		usRegion,
		{ID: "reg_eu", CurrencyCode: "eur", Countries: []domain.Country{{ISO2: "de"}}},
		{ID: "reg_dk", CurrencyCode: "dkk", Countries: []domain.Country{{ISO2: "dk"}}},
	}
	amounts := []int64{1, 99, 100, 1234, 123456, 987654321}

	for _, region := range regions {
		for _, amount := range amounts {
			money := engine.Format(amount, region)
			require.Equal(t, amount, money.Minor)
			require.True(t, money.Major.Shift(2).IsInteger())
			require.Equal(t, amount, money.Major.Shift(2).IntPart(),
				"region=%s amount=%d major=%s", region.ID, amount, money.Major)
		}
	}
}

func TestFormat_LocaleAwareDisplay(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine()
	require.NoError(t, err)

	us := engine.Format(123456, usRegion)
	require.Equal(t, "USD", us.Currency)
	require.Equal(t, "$ 1,234.56", us.Display)

	de := engine.Format(123456, domain.Region{
		ID: "reg_eu", CurrencyCode: "eur", Countries: []domain.Country{{ISO2: "de"}},
	})
	require.Equal(t, "€ 1.234,56", de.Display)
}

func TestFormat_DisplayKeepsMinorUnitPrecision(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine()
	require.NoError(t, err)

	jpy := engine.Format(12345, domain.Region{
		ID: "reg_jp", CurrencyCode: "jpy", Countries: []domain.Country{{ISO2: "jp"}},
	})
	require.Equal(t, "123.45", jpy.Major.StringFixed(2))
	require.True(t, strings.HasSuffix(jpy.Display, " 123.45"), "display %q", jpy.Display)
}

func TestFormat_UnknownCurrencyFallsBack(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine()
	require.NoError(t, err)

	money := engine.Format(1999, domain.Region{ID: "reg_x", CurrencyCode: "zzz"})
	require.Equal(t, "ZZZ 19.99", money.Display)
}

func TestLocale_HintWinsOverCountry(t *testing.T) {
	t.Parallel()

	f := NewFormatter(language.English)
	tag := f.Locale(domain.Region{Locale: "fr-CA", Countries: []domain.Country{{ISO2: "us"}}})
	require.Equal(t, "fr-CA", tag.String())

	tag = f.Locale(domain.Region{Countries: []domain.Country{{ISO2: "de"}}})
	require.Equal(t, "de-DE", tag.String())

	tag = f.Locale(domain.Region{})
	require.Equal(t, language.English, tag)
}

func TestLabel_CachedUntilRegionInvalidated(t *testing.T) {
	t.Parallel()

	m := metrics.NewStorefrontMetricsWithRegisterer(prometheus.NewRegistry())
	engine, err := NewEngine(WithMetrics(m), WithCacheSize(8))
	require.NoError(t, err)

	product := domain.Product{ID: "prod_1", Variants: []domain.Variant{priced("v1", 7500, int64Ptr(10000))}}

	first, ok := engine.Label(product, nil, usRegion)
	require.True(t, ok)
	require.NotNil(t, first.Original)
	require.Equal(t, "$ 75.00", first.Amount.Display)
	require.Equal(t, "$ 100.00", first.Original.Display)
	require.Equal(t, 1, engine.CachedLabels())

	second, ok := engine.Label(product, nil, usRegion)
	require.True(t, ok)
	require.Equal(t, first, second)
	require.Equal(t, 1, engine.CachedLabels())

	eu := domain.Region{ID: "reg_eu", CurrencyCode: "eur", Countries: []domain.Country{{ISO2: "de"}}}
	_, ok = engine.Label(product, nil, eu)
	require.True(t, ok)
	require.Equal(t, 2, engine.CachedLabels())

	engine.InvalidateRegion("reg_us")
	require.Equal(t, 1, engine.CachedLabels())
	engine.InvalidateRegion("")
	require.Equal(t, 0, engine.CachedLabels())
}

func TestCartTotals(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine()
	require.NoError(t, err)

	cart := domain.Cart{Items: []domain.LineItem{
		{ID: "li_1", UnitPrice: 1250, Quantity: 2},
		{ID: "li_2", UnitPrice: 499, Quantity: 1},
	}}
	cart.Recalculate()

	totals := engine.CartTotals(cart, usRegion)
	require.Equal(t, "$ 25.00", totals.Lines["li_1"].Display)
	require.Equal(t, "$ 29.99", totals.Total.Display)
	require.Equal(t, int64(2999), totals.Subtotal.Minor)
}
