// Package kafka публикует события жизненного цикла заказов в Kafka.
package kafka

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// EventType — тип события на шине.
type EventType string

const (
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderCreateFailed  EventType = "order.create_failed"
	EventTypeOrderStatusChanged EventType = "order.status_changed"
	EventTypeOrderRestocked     EventType = "order.restocked"
	EventTypeOrderCancelled     EventType = "order.cancelled"
	// EventTypeUnknown используется для событий, которых нет в таблице соответствий.
	EventTypeUnknown EventType = "order.unknown"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "ordersvc.order.events"
	TopicDeadLetterQueue = "ordersvc.order.dlq"
)

// Заголовки сообщений
const (
	HeaderEventType   = "x-event-type"
	HeaderOutboxID    = "x-outbox-id"
	HeaderAggregateID = "x-aggregate-id"
)

var eventTypes = map[string]EventType{
	domain.EventOrderCreated:       EventTypeOrderCreated,
	domain.EventOrderCreateFailed:  EventTypeOrderCreateFailed,
	domain.EventOrderStatusChanged: EventTypeOrderStatusChanged,
	domain.EventOrderRestocked:     EventTypeOrderRestocked,
	domain.EventOrderCancelled:     EventTypeOrderCancelled,
}

// EventTypeOf переводит имя доменного события в тип события на шине.
func EventTypeOf(domainEvent string) EventType {
	if t, ok := eventTypes[domainEvent]; ok {
		return t
	}
	return EventTypeUnknown
}

// Envelope — тело сообщения в топике событий заказов.
type Envelope struct {
	ID            string          `json:"id"`
	EventType     EventType       `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение. Невалидный JSON в payload заменяется на null.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		EventType:     EventTypeOf(msg.EventType),
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// headerCarrier адаптирует заголовки sarama к propagation.TextMapCarrier.
type headerCarrier struct {
	headers *[]sarama.RecordHeader
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if string(h.Key) == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, string(h.Key))
	}
	return keys
}
