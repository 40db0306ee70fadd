package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen возвращается без обращения к складу, пока breaker открыт.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrInventoryUnavailable)

// BreakerClient оборачивает клиента склада circuit breaker-ом.
// Сбоем считается только ErrInventoryUnavailable; NotFound означает, что склад отвечает.
// Повторных попыток нет: открытый breaker сразу отказывает.
type BreakerClient struct {
	next         domain.InventoryClient
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	onState      func(name string, state CircuitState)
	logger       *log.Entry

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	probing     bool
}

var _ domain.InventoryClient = (*BreakerClient)(nil)

// BreakerOption задаёт параметры BreakerClient.
type BreakerOption func(*BreakerClient)

// WithBreakerClock подменяет источник времени (для тестов).
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *BreakerClient) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateHook вызывается при каждой смене состояния.
func WithStateHook(hook func(name string, state CircuitState)) BreakerOption {
	return func(b *BreakerClient) {
		b.onState = hook
	}
}

// WithBreakerLogger задаёт логгер.
func WithBreakerLogger(logger *log.Entry) BreakerOption {
	return func(b *BreakerClient) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBreakerClient создаёт breaker поверх клиента склада name.
func NewBreakerClient(name string, next domain.InventoryClient, maxFailures int, resetTimeout time.Duration, opts ...BreakerOption) *BreakerClient {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	b := &BreakerClient{
		next:         next,
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.New().WithField("component", "circuit-breaker")
	}
	b.logger = b.logger.WithField("endpoint", name)
	return b
}

// State возвращает текущее состояние.
func (b *BreakerClient) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FetchItem выполняет чтение через breaker.
func (b *BreakerClient) FetchItem(ctx context.Context, itemID int64, itemName string) (domain.InventoryItem, error) {
	return b.execute(opFetch, func() (domain.InventoryItem, error) {
		return b.next.FetchItem(ctx, itemID, itemName)
	})
}

// UpdateItem выполняет запись через breaker.
func (b *BreakerClient) UpdateItem(ctx context.Context, itemID int64, itemName string, item domain.InventoryItem) (domain.InventoryItem, error) {
	return b.execute(opUpdate, func() (domain.InventoryItem, error) {
		return b.next.UpdateItem(ctx, itemID, itemName, item)
	})
}

func (b *BreakerClient) execute(op string, fn func() (domain.InventoryItem, error)) (domain.InventoryItem, error) {
	if err := b.acquire(op); err != nil {
		return domain.InventoryItem{}, err
	}

	item, err := fn()
	b.release(op, err)
	return item, err
}

func (b *BreakerClient) acquire(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.setState(CircuitHalfOpen)
		b.logger.WithField("operation", op).Info("circuit breaker half-open")
		b.probing = true
		return nil
	case CircuitHalfOpen:
		// пока пробный запрос не завершился, остальные отказываем
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *BreakerClient) release(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.probing = false
	}

	if err != nil && errors.Is(err, domain.ErrInventoryUnavailable) {
		b.failures++
		b.lastFailure = b.now()
		if b.state == CircuitHalfOpen || b.failures >= b.maxFailures {
			if b.state != CircuitOpen {
				b.setState(CircuitOpen)
				b.logger.WithFields(log.Fields{
					"operation": op,
					"failures":  b.failures,
				}).Warn("circuit breaker opened")
			}
		}
		return
	}

	if b.state == CircuitHalfOpen {
		b.setState(CircuitClosed)
		b.logger.WithField("operation", op).Info("circuit breaker closed")
	}
	b.failures = 0
}

func (b *BreakerClient) setState(state CircuitState) {
	b.state = state
	if b.onState != nil {
		b.onState(b.name, state)
	}
}
