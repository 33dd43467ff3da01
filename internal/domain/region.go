package domain

import (
	"fmt"
	"strings"
)

// Country — страна, входящая в регион.
type Country struct {
	ISO2        string `json:"iso_2"`
	DisplayName string `json:"display_name,omitempty"`
}

// Region — валютно-страновой контекст, к которому привязаны цены и корзины.
type Region struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CurrencyCode string    `json:"currency_code"`
	Countries    []Country `json:"countries"`
	// Locale — необязательная подсказка локали (BCP 47). Если пусто,
	// локаль выводится из первой страны региона.
	Locale string `json:"locale,omitempty"`
}

// PrimaryCountry возвращает первую страну региона.
func (r Region) PrimaryCountry() (Country, bool) {
	if len(r.Countries) == 0 {
		return Country{}, false
	}
	return r.Countries[0], true
}

// HasCountry проверяет вхождение страны без учёта регистра.
func (r Region) HasCountry(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	for _, c := range r.Countries {
		if strings.EqualFold(c.ISO2, code) {
			return true
		}
	}
	return false
}

// Validate проверяет, что регион можно использовать для цен и корзин.
func (r Region) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: region id is empty", ErrInvalidResponse)
	}
	if len(strings.TrimSpace(r.CurrencyCode)) != 3 {
		return fmt.Errorf("%w: region %s has invalid currency code %q", ErrInvalidResponse, r.ID, r.CurrencyCode)
	}
	return nil
}
