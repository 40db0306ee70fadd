// Package dto описывает JSON-представление заказа, общее для HTTP и gRPC API.
package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// Сообщения валидации входящего заказа.
const (
	MessageTotalPriceNegative = "Total price must be non-negative"
	MessageStatusRequired     = "Status must be provided"
)

// ErrMalformedBody — тело запроса не разбирается как JSON заказа.
var ErrMalformedBody = errors.New("malformed request body")

// OrderItem — позиция во входящем запросе.
type OrderItem struct {
	ItemID   int64           `json:"itemId"`
	ItemName string          `json:"itemName"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// OrderRequest — тело запроса на создание или изменение заказа.
type OrderRequest struct {
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Status     *string         `json:"status"`
	Items      []OrderItem     `json:"items"`
}

// ValidationErrors — замечания по полям запроса (поле -> сообщение).
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for field, msg := range v {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Decode разбирает тело запроса. Неизвестные поля игнорируются.
func Decode(r io.Reader) (OrderRequest, error) {
	var req OrderRequest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return OrderRequest{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return req, nil
}

// DecodeBytes разбирает уже прочитанное тело.
func DecodeBytes(body []byte) (OrderRequest, error) {
	return Decode(bytes.NewReader(body))
}

// Validate проверяет поля верхнего уровня. Позиции не валидируются:
// позиции с количеством <= 0 отбрасывает сам жизненный цикл заказа.
func (r OrderRequest) Validate() error {
	errs := ValidationErrors{}
	if r.TotalPrice.IsNegative() {
		errs["totalPrice"] = MessageTotalPriceNegative
	}
	if r.Status == nil || strings.TrimSpace(*r.Status) == "" {
		errs["status"] = MessageStatusRequired
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Canonical возвращает детерминированное представление запроса для idempotency-хэша.
func (r OrderRequest) Canonical() []byte {
	data, _ := json.Marshal(r)
	return data
}

// ToDomain переводит запрос во входные данные жизненного цикла.
func (r OrderRequest) ToDomain() domain.OrderRequest {
	lines := make([]domain.LineRequest, 0, len(r.Items))
	for _, item := range r.Items {
		lines = append(lines, domain.LineRequest{
			ItemID:    item.ItemID,
			ItemName:  item.ItemName,
			UnitPrice: item.Price,
			Quantity:  item.Quantity,
		})
	}
	return domain.OrderRequest{
		TotalPrice: r.TotalPrice,
		Status:     r.Status,
		Lines:      lines,
	}
}

// OrderLine — позиция сохранённого заказа в ответе.
type OrderLine struct {
	ItemID   int64       `json:"itemId"`
	ItemName string      `json:"itemName"`
	Price    json.Number `json:"price"`
	Quantity int         `json:"quantity"`
}

// Order — заказ в ответе API. Денежные поля отдаются JSON-числами.
type Order struct {
	ID         int64       `json:"id"`
	TotalPrice json.Number `json:"totalPrice"`
	Status     string      `json:"status"`
	Items      []OrderLine `json:"items"`
	Version    int64       `json:"version"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// FromDomain строит ответ по заказу.
func FromDomain(order domain.Order) Order {
	items := make([]OrderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		items = append(items, OrderLine{
			ItemID:   line.ItemID,
			ItemName: line.ItemName,
			Price:    json.Number(line.UnitPrice.String()),
			Quantity: line.Quantity,
		})
	}
	return Order{
		ID:         order.ID,
		TotalPrice: json.Number(order.TotalPrice.String()),
		Status:     string(order.Status),
		Items:      items,
		Version:    order.Version,
		CreatedAt:  order.CreatedAt,
		UpdatedAt:  order.UpdatedAt,
	}
}

// FromDomainList строит ответ по списку заказов; пустой список сериализуется как [].
func FromDomainList(orders []domain.Order) []Order {
	result := make([]Order, 0, len(orders))
	for _, order := range orders {
		result = append(result, FromDomain(order))
	}
	return result
}

// TimelineEvent — событие жизненного цикла в ответе.
type TimelineEvent struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// FromTimeline строит ответ по событиям заказа.
func FromTimeline(events []domain.TimelineEvent) []TimelineEvent {
	result := make([]TimelineEvent, 0, len(events))
	for _, event := range events {
		result = append(result, TimelineEvent{Type: event.Type, Reason: event.Reason, Occurred: event.Occurred})
	}
	return result
}
