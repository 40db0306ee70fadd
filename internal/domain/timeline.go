package domain

import "time"

// Типы событий жизненного цикла заказа.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderCreateFailed  = "OrderCreateFailed"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderRestocked     = "OrderRestocked"
	EventOrderCancelled     = "OrderCancelled"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  int64
	Type     string
	Reason   string
	Occurred time.Time
}
