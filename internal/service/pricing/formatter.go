package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// minorUnitExponent — суммы хранятся в сотых долях валюты.
const minorUnitExponent = -2

// Money — отформатированная сумма.
type Money struct {
	Currency string          `json:"currency"`
	Minor    int64           `json:"amount_minor"`
	Major    decimal.Decimal `json:"amount"`
	Display  string          `json:"display"`
}

// Formatter — единственная точка перевода минорных единиц в отображаемую сумму.
type Formatter struct {
	fallback language.Tag
}

// NewFormatter создаёт форматтер; fallback используется, когда локаль
// не удаётся вывести из региона.
func NewFormatter(fallback language.Tag) *Formatter {
	if fallback == language.Und {
		fallback = language.English
	}
	return &Formatter{fallback: fallback}
}

// Format переводит amountMinor в основные единицы валюты региона
// (деление на 100 выполняется только здесь) и форматирует с учётом локали.
func (f *Formatter) Format(amountMinor int64, region domain.Region) Money {
	code := strings.ToUpper(strings.TrimSpace(region.CurrencyCode))
	major := decimal.New(amountMinor, minorUnitExponent)

	money := Money{
		Currency: code,
		Minor:    amountMinor,
		Major:    major,
	}

	unit, err := currency.ParseISO(code)
	if err != nil {
		money.Display = fmt.Sprintf("%s %s", code, major.StringFixed(2))
		return money
	}

	// Точность отображения совпадает с Major: currency.Symbol с суммой
	// округлил бы её до шкалы валюты (для JPY до целых).
	printer := message.NewPrinter(f.Locale(region))
	money.Display = printer.Sprintf("%v %v", currency.Symbol(unit), number.Decimal(major.InexactFloat64(), number.Scale(-minorUnitExponent)))
	return money
}

// Locale выводит локаль региона: явная подсказка, иначе язык первой страны.
func (f *Formatter) Locale(region domain.Region) language.Tag {
	if hint := strings.TrimSpace(region.Locale); hint != "" {
		if tag, err := language.Parse(hint); err == nil {
			return tag
		}
	}

	country, ok := region.PrimaryCountry()
	if !ok {
		return f.fallback
	}
	reg, err := language.ParseRegion(strings.ToUpper(country.ISO2))
	if err != nil {
		return f.fallback
	}
	regional, err := language.Compose(language.Und, reg)
	if err != nil {
		return f.fallback
	}
	base, confidence := regional.Base()
	if confidence == language.No {
		return f.fallback
	}
	tag, err := language.Compose(base, reg)
	if err != nil {
		return f.fallback
	}
	return tag
}
