package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты обращений к складу для метки result.
const (
	ResultOK          = "ok"
	ResultNotFound    = "not_found"
	ResultUnavailable = "unavailable"
	ResultRejected    = "rejected"
	ResultError       = "error"
)

// OrderMetrics содержит метрики жизненного цикла заказов и обращений к складам.
type OrderMetrics struct {
	// Счётчики операций над заказами
	ordersCreated   prometheus.Counter
	ordersUpdated   *prometheus.CounterVec
	ordersCancelled prometheus.Counter
	ordersFailed    *prometheus.CounterVec

	// Позиции и компенсации
	linesReserved  prometheus.Counter
	linesRestocked prometheus.Counter
	compensations  *prometheus.CounterVec

	// Гистограммы времени выполнения
	operationDuration *prometheus.HistogramVec
	inventoryCalls    *prometheus.HistogramVec

	// Счётчики событий timeline/outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	inFlight     prometheus.Gauge
	breakerState *prometheus.GaugeVec
}

// NewOrderMetrics создаёт метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном реестре (удобно для тестов).
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersUpdated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_orders_updated_total",
			Help: "Total number of orders updated, by resulting status",
		}, []string{"status"}),
		ordersCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_orders_cancelled_total",
			Help: "Total number of orders cancelled with restock",
		}),
		ordersFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_orders_failed_total",
			Help: "Total number of failed order operations",
		}, []string{"operation", "reason"}),
		linesReserved: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_order_lines_reserved_total",
			Help: "Total number of order lines reserved on inventory backends",
		}),
		linesRestocked: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_order_lines_restocked_total",
			Help: "Total number of order lines returned to inventory backends",
		}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_compensations_total",
			Help: "Total number of compensating restocks after failed order creation",
		}, []string{"result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "oms_order_operation_duration_seconds",
			Help:    "Duration of order lifecycle operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		inventoryCalls: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "oms_inventory_request_duration_seconds",
			Help:    "Duration of inventory backend requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"op", "result"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "oms_order_operations_in_flight",
			Help: "Number of order operations currently in progress",
		}),
		breakerState: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "oms_inventory_breaker_state",
			Help: "Circuit breaker state per inventory endpoint (0 closed, 1 half-open, 2 open)",
		}, []string{"endpoint"}),
	}
}

// RecordOrderCreated увеличивает счётчик созданных заказов и зарезервированных позиций.
func (m *OrderMetrics) RecordOrderCreated(lines int) {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
	m.linesReserved.Add(float64(lines))
}

// RecordOrderUpdated фиксирует обновление заказа с итоговым статусом.
func (m *OrderMetrics) RecordOrderUpdated(status string) {
	if m == nil {
		return
	}
	m.ordersUpdated.WithLabelValues(status).Inc()
}

// RecordOrderCancelled фиксирует отмену заказа и количество возвращённых позиций.
func (m *OrderMetrics) RecordOrderCancelled(restockedLines int) {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
	m.linesRestocked.Add(float64(restockedLines))
}

// RecordOrderFailed фиксирует неудачную операцию.
func (m *OrderMetrics) RecordOrderFailed(operation, reason string) {
	if m == nil {
		return
	}
	m.ordersFailed.WithLabelValues(operation, reason).Inc()
}

// RecordCompensation фиксирует результат компенсирующего возврата одной позиции.
func (m *OrderMetrics) RecordCompensation(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.compensations.WithLabelValues(result).Inc()
}

// RecordOperationDuration записывает время выполнения операции.
func (m *OrderMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordInventoryCall записывает длительность и результат обращения к складу.
func (m *OrderMetrics) RecordInventoryCall(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.inventoryCalls.WithLabelValues(op, result).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// OperationStarted увеличивает количество активных операций.
func (m *OrderMetrics) OperationStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// OperationFinished уменьшает количество активных операций.
func (m *OrderMetrics) OperationFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// SetBreakerState публикует состояние circuit breaker склада.
func (m *OrderMetrics) SetBreakerState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(endpoint).Set(float64(state))
}
