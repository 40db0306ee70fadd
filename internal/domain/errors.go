package domain

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound — базовый вид ошибки "объект не найден" (локально или во внешнем складе).
	ErrNotFound = errors.New("not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrInventoryEndpointNotFound — ни один настроенный склад не подходит под имя товара.
	ErrInventoryEndpointNotFound = fmt.Errorf("no inventory endpoint for item name: %w", ErrNotFound)
	// ErrInventoryItemNotFound — склад вернул пустой ответ на чтение товара.
	ErrInventoryItemNotFound = fmt.Errorf("inventory item %w", ErrNotFound)
	// ErrInventoryUpdateRejected — склад вернул пустой ответ на запись (обновление не применилось).
	ErrInventoryUpdateRejected = fmt.Errorf("inventory item update not applied: %w", ErrNotFound)
	// ErrRestockFailed — запись возврата остатка при отмене заказа не применилась.
	ErrRestockFailed = fmt.Errorf("restock failed: %w", ErrNotFound)
	// ErrInventoryUnavailable — транспортная ошибка или таймаут при обращении к складу.
	ErrInventoryUnavailable = errors.New("inventory unavailable")
	// ErrInsufficientStock — на складе меньше единиц, чем запрошено.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidStateTransition — попытка изменить отменённый заказ.
	ErrInvalidStateTransition = errors.New("cannot update a cancelled order")
	// ErrStatusMissing — статус не передан вовсе (nil). Пустая строка допустима и означает CONFIRMED.
	ErrStatusMissing = errors.New("order status is missing")

	// Ошибка отрицательной суммы заказа.
	ErrTotalPriceNegative = errors.New("total price must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrLineQtyInvalid = errors.New("line quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrLinePriceInvalid = errors.New("line unit price must be non-negative")
	// Ошибка неизвестного статуса заказа.
	ErrStatusInvalid = errors.New("order status is invalid")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// Ошибки idempotency-хранилища.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
)

// LineOp — операция над позицией заказа, на которой произошла ошибка.
type LineOp string

const (
	LineOpResolve    LineOp = "resolve"
	LineOpFetch      LineOp = "fetch"
	LineOpReserve    LineOp = "reserve"
	LineOpRestock    LineOp = "restock"
	LineOpCompensate LineOp = "compensate"
)

// LineError несёт контекст позиции, из-за которой прервалась операция над заказом.
type LineError struct {
	Op       LineOp
	ItemID   int64
	ItemName string
	Err      error
}

func (e *LineError) Error() string {
	return string(e.Op) + " item " + strconv.FormatInt(e.ItemID, 10) + " (" + e.ItemName + "): " + e.Err.Error()
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает, что ключ уже использован (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsNotFound покрывает все ошибки вида NotFound, включая ошибки склада.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
