package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBreakerClient_OpensAfterConsecutiveUnavailable(t *testing.T) {
	backend := NewMockClient(domain.InventoryItem{ID: 1, Name: "gizmo", Stock: 5})
	backend.FailFetch(1, domain.ErrInventoryUnavailable)

	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []CircuitState
	breaker := NewBreakerClient("primary", backend, 2, time.Minute,
		WithBreakerClock(clock.Now),
		WithStateHook(func(name string, state CircuitState) {
			assert.Equal(t, "primary", name)
			transitions = append(transitions, state)
		}),
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := breaker.FetchItem(ctx, 1, "gizmo")
		require.ErrorIs(t, err, domain.ErrInventoryUnavailable)
	}
	assert.Equal(t, CircuitOpen, breaker.State())
	assert.Equal(t, 2, backend.FetchCalls())

	_, err := breaker.FetchItem(ctx, 1, "gizmo")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, domain.ErrInventoryUnavailable)
	assert.Equal(t, 2, backend.FetchCalls(), "open breaker must fail fast without calling backend")

	assert.Equal(t, []CircuitState{CircuitOpen}, transitions)
}

func TestBreakerClient_HalfOpenProbe(t *testing.T) {
	backend := NewMockClient(domain.InventoryItem{ID: 1, Name: "gizmo", Stock: 5})
	backend.FailFetch(1, domain.ErrInventoryUnavailable)

	clock := &fakeClock{now: time.Unix(0, 0)}
	breaker := NewBreakerClient("primary", backend, 1, 10*time.Second, WithBreakerClock(clock.Now))
	ctx := context.Background()

	_, _ = breaker.FetchItem(ctx, 1, "gizmo")
	require.Equal(t, CircuitOpen, breaker.State())

	// пробный запрос снова неудачен — breaker остаётся открытым
	clock.Advance(11 * time.Second)
	_, err := breaker.FetchItem(ctx, 1, "gizmo")
	require.ErrorIs(t, err, domain.ErrInventoryUnavailable)
	assert.Equal(t, CircuitOpen, breaker.State())

	// склад восстановился
	backend.FailFetch(1, nil)
	clock.Advance(11 * time.Second)
	item, err := breaker.FetchItem(ctx, 1, "gizmo")
	require.NoError(t, err)
	assert.Equal(t, 5, item.Stock)
	assert.Equal(t, CircuitClosed, breaker.State())
}

func TestBreakerClient_NotFoundDoesNotTrip(t *testing.T) {
	backend := NewMockClient()
	breaker := NewBreakerClient("primary", backend, 1, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := breaker.FetchItem(context.Background(), 42, "gizmo")
		assert.ErrorIs(t, err, domain.ErrInventoryItemNotFound)
	}
	_, err := breaker.UpdateItem(context.Background(), 42, "gizmo", domain.InventoryItem{})
	assert.ErrorIs(t, err, domain.ErrInventoryUpdateRejected)

	assert.Equal(t, CircuitClosed, breaker.State())
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
