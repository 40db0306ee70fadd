package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusConfirmed — заказ принят, товары зарезервированы на складе.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusShipped — заказ отгружен клиенту.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusCancelled — заказ отменён, остатки возвращены на склад. Дальнейшие изменения запрещены.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusShipped, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// MapStatus переводит присланный клиентом текст в статус.
// Любое нераспознанное значение, включая пустую строку, даёт CONFIRMED.
// Отсутствующее значение (nil) — нарушение контракта вызывающего, а не повод для дефолта.
func MapStatus(text *string) (OrderStatus, error) {
	if text == nil {
		return "", ErrStatusMissing
	}
	switch strings.ToUpper(*text) {
	case string(OrderStatusCancelled):
		return OrderStatusCancelled, nil
	case string(OrderStatusShipped):
		return OrderStatusShipped, nil
	default:
		return OrderStatusConfirmed, nil
	}
}

// OrderLine представляет одну позицию заказа. Имя и цена берутся из снимка склада.
type OrderLine struct {
	ItemID    int64
	ItemName  string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Order агрегирует состояние заказа и его позиции (порядок позиций значим).
type Order struct {
	ID         int64
	TotalPrice decimal.Decimal
	Status     OrderStatus
	Lines      []OrderLine
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Cancelled сообщает, что заказ в терминальном для изменений статусе.
func (o *Order) Cancelled() bool {
	return o.Status == OrderStatusCancelled
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.TotalPrice.IsNegative() {
		errs = append(errs, ErrTotalPriceNegative)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusInvalid)
	}
	for _, line := range o.Lines {
		if line.Quantity <= 0 {
			errs = append(errs, ErrLineQtyInvalid)
		}
		if line.UnitPrice.IsNegative() {
			errs = append(errs, ErrLinePriceInvalid)
		}
	}

	return errs
}

// Clone возвращает копию заказа с собственным срезом позиций.
func (o Order) Clone() Order {
	clone := o
	clone.Lines = append([]OrderLine(nil), o.Lines...)
	return clone
}

// LineRequest — позиция во входящем запросе на создание/изменение заказа.
type LineRequest struct {
	ItemID    int64
	ItemName  string
	UnitPrice decimal.Decimal
	Quantity  int
}

// OrderRequest — входные данные CreateOrder/UpdateOrder.
// Status == nil означает, что статус не передан вовсе.
type OrderRequest struct {
	TotalPrice decimal.Decimal
	Status     *string
	Lines      []LineRequest
}
