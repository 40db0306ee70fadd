package domain

import "time"

// IdempotencyStatus — стадия обработки запроса под idempotency-key.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — запрос выполняется, повтор получает отказ.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — ответ сохранён и воспроизводится при повторе.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — сохранён ответ с ошибкой; повтор тоже её получает,
	// чтобы не резервировать остатки второй раз.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус известен.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord — сохранённый результат мутирующей операции над заказом.
// ResponseCode — HTTP статус или gRPC код, в зависимости от транспорта.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	ResponseCode int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Finished сообщает, что ответ уже сохранён и его можно воспроизвести.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Expired сообщает, что ключ больше не защищает операцию на момент now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}
