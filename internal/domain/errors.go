package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: ресурс отсутствует во внешнем каталоге (HTTP 404).
	ErrNotFound = errors.New("resource not found")
	// ErrTransient: временная ошибка транспорта или non-2xx ответ, кроме 404.
	ErrTransient = errors.New("transient upstream failure")
	// ErrInvalidResponse: ответ каталога не содержит ожидаемых полей.
	ErrInvalidResponse = errors.New("invalid response shape")
	// ErrMutationFailed: удалённое изменение корзины отклонено, локальное состояние откатено.
	ErrMutationFailed = errors.New("cart mutation failed")
	// ErrCatalogUnavailable возвращается, пока circuit breaker каталога открыт.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrRegionUnavailable: регион пока не удалось определить.
	ErrRegionUnavailable = errors.New("region unavailable")
	// ErrRegionMismatch: сервер вернул корзину, привязанную к другому региону.
	ErrRegionMismatch = errors.New("cart region mismatch")
	ErrCartNotLoaded  = errors.New("cart is not loaded")
	// ErrLineItemNotFound: позиции нет в текущей корзине.
	ErrLineItemNotFound = errors.New("line item not found")
	// Ошибка некорректного количества (должно быть >= 1).
	ErrQuantityInvalid = errors.New("quantity must be at least 1")
	// ErrQuantityBelowMinimum: уменьшение ниже 1 невозможно, нужно явное удаление.
	ErrQuantityBelowMinimum = errors.New("quantity cannot go below 1, remove the line item instead")
	// ErrQuantityAboveMaximum: превышен допустимый максимум для варианта.
	ErrQuantityAboveMaximum  = errors.New("quantity exceeds maximum allowed")
	ErrVariantNotPurchasable = errors.New("variant is not purchasable")
	// ErrSelectionIncomplete: выбраны не все опции товара.
	ErrSelectionIncomplete = errors.New("option selection does not match any variant")
	// ErrSuperseded: результат устарел (корзина или регион были перезагружены).
	ErrSuperseded = errors.New("result superseded by newer state")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsTransient сообщает, относится ли ошибка к временным: такие ошибки
// не должны разрушать сохранённое состояние.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrCatalogUnavailable)
}

// MutationError описывает отклонённую мутацию корзины вместе с состоянием после отката.
type MutationError struct {
	Op         MutationKind
	LineItemID string
	// Cart: корзина после отката.
	Cart Cart
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s on line item %s: %v", ErrMutationFailed, e.Op, e.LineItemID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Is позволяет проверять ошибку через errors.Is(err, ErrMutationFailed).
func (e *MutationError) Is(target error) bool {
	return target == ErrMutationFailed
}
