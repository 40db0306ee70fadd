package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

const aggregateOrder = "order"

// emitEvent пишет событие в outbox и timeline. Ошибки записи только логируются.
func (s *Service) emitEvent(ctx context.Context, orderID int64, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	occurred := s.now()
	payload["order_id"] = orderID
	payload["ts"] = occurred.Format(time.RFC3339Nano)

	logger := s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"event":    eventType,
	})

	if s.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.WithError(err).Error("marshal event failed")
			return
		}
		msg := domain.OutboxMessage{
			AggregateType: aggregateOrder,
			AggregateID:   strconv.FormatInt(orderID, 10),
			EventType:     eventType,
			Payload:       data,
		}
		if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
			logger.WithError(err).Error("enqueue event failed")
		} else {
			s.metrics.RecordOutboxEvent()
		}
	}

	if s.timeline == nil || orderID == 0 {
		return
	}
	reason, _ := payload["reason"].(string)
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: occurred,
	}
	if err := s.timeline.Append(ctx, event); err != nil {
		logger.WithError(err).Warn("append timeline event failed")
		return
	}
	s.metrics.RecordTimelineEvent()
}

// emitFailure публикует событие о неудачном создании заказа с контекстом позиции.
func (s *Service) emitFailure(ctx context.Context, cause error) {
	payload := map[string]interface{}{
		"reason": FailureReason(cause),
		"error":  cause.Error(),
	}
	var lineErr *domain.LineError
	if errors.As(cause, &lineErr) {
		payload["item_id"] = lineErr.ItemID
		payload["item_name"] = lineErr.ItemName
		payload["op"] = string(lineErr.Op)
	}
	s.emitEvent(ctx, 0, domain.EventOrderCreateFailed, payload)
}
