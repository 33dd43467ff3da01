// Package variant сопоставляет выбор опций покупателя с единственным вариантом товара.
package variant

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CanonicalKey сериализует выбор в канонический вид: пары (optionID, value)
// отсортированы по optionID, каждое поле с префиксом длины.
// Два выбора равны тогда и только тогда, когда равны их ключи.
func CanonicalKey(selection domain.Selection) string {
	ids := make([]string, 0, len(selection))
	for id := range selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		writeField(&b, id)
		writeField(&b, selection[id])
	}
	return b.String()
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

// Resolve возвращает единственный вариант, чей набор опций в точности равен selection.
// Если совпадений нет или их больше одного, возвращает false.
func Resolve(product domain.Product, selection domain.Selection) (domain.Variant, bool) {
	if len(selection) != len(product.Options) {
		return domain.Variant{}, false
	}

	key := CanonicalKey(selection)
	var (
		found   domain.Variant
		matches int
	)
	for _, v := range product.Variants {
		if CanonicalKey(v.Options) != key {
			continue
		}
		matches++
		found = v
	}
	if matches != 1 {
		return domain.Variant{}, false
	}
	return found, true
}

// IsValidSelection сообщает, соответствует ли выбор хотя бы одному варианту.
// В отличие от Resolve, дубликаты в каталоге не делают выбор невалидным.
func IsValidSelection(product domain.Product, selection domain.Selection) bool {
	key := CanonicalKey(selection)
	for _, v := range product.Variants {
		if CanonicalKey(v.Options) == key {
			return true
		}
	}
	return false
}

// IsComplete сообщает, выбраны ли значения для всех опций товара.
func IsComplete(product domain.Product, selection domain.Selection) bool {
	for _, opt := range product.Options {
		if _, ok := selection[opt.ID]; !ok {
			return false
		}
	}
	return true
}

// InitialSelection заполняет выбор для товара с единственным вариантом;
// для остальных товаров возвращает пустой выбор.
func InitialSelection(product domain.Product) domain.Selection {
	if len(product.Variants) != 1 {
		return domain.Selection{}
	}
	return product.Variants[0].Options.Clone()
}

// Normalize отбрасывает значения для неизвестных опций и пустые значения.
func Normalize(product domain.Product, selection domain.Selection) domain.Selection {
	out := make(domain.Selection, len(selection))
	for _, opt := range product.Options {
		if value, ok := selection[opt.ID]; ok && value != "" {
			out[opt.ID] = value
		}
	}
	return out
}

// ValidateCatalog проверяет согласованность вариантов товара: у каждого
// варианта ровно одно значение на каждую опцию, без лишних ключей,
// и нет двух вариантов с одинаковым набором опций.
func ValidateCatalog(product domain.Product) []error {
	var errs []error

	options := make(map[string]struct{}, len(product.Options))
	for _, opt := range product.Options {
		options[opt.ID] = struct{}{}
	}

	seen := make(map[string]string, len(product.Variants))
	for _, v := range product.Variants {
		for id := range v.Options {
			if _, ok := options[id]; !ok {
				errs = append(errs, fmt.Errorf("variant %s: unknown option %s", v.ID, id))
			}
		}
		for id := range options {
			if _, ok := v.Options[id]; !ok {
				errs = append(errs, fmt.Errorf("variant %s: missing option %s", v.ID, id))
			}
		}

		key := CanonicalKey(v.Options)
		if other, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("variants %s and %s share the same option values", other, v.ID))
			continue
		}
		seen[key] = v.ID
	}

	return errs
}
