package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/inventory"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/memory"
)

// fixture собирает сервис поверх in-memory хранилищ и двух складов-заглушек.
type fixture struct {
	service  *Service
	orders   domain.OrderRepository
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	gizmos   *inventory.MockClient
	widgets  *inventory.MockClient
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		orders:   memory.NewOrderRepository(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		gizmos: inventory.NewMockClient(
			domain.InventoryItem{ID: 1, Name: "gizmo-basic", Stock: 10, Price: decimal.RequireFromString("9.99"), Description: "small"},
			domain.InventoryItem{ID: 2, Name: "gizmo-plus", Stock: 100, Price: decimal.RequireFromString("19.50"), Description: "large"},
		),
		widgets: inventory.NewMockClient(
			domain.InventoryItem{ID: 10, Name: "widget-red", Stock: 5, Price: decimal.RequireFromString("3.00"), Description: "red"},
		),
	}

	clients := map[string]domain.InventoryClient{"gizmos": f.gizmos, "widgets": f.widgets}
	registry, err := inventory.NewRegistry([]domain.InventoryEndpoint{
		{Name: "gizmos", Key: "gizmo", BaseURL: "http://gizmos"},
		{Name: "widgets", Key: "widget", BaseURL: "http://widgets"},
	}, func(endpoint domain.InventoryEndpoint) (domain.InventoryClient, error) {
		return clients[endpoint.Name], nil
	})
	require.NoError(t, err)

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	base := []Option{
		WithOutbox(f.outbox),
		WithTimeline(f.timeline),
		WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
	}
	f.service = New(f.orders, registry, logger.WithField("component", "lifecycle-test"), append(base, opts...)...)
	return f
}

func (f *fixture) stock(t *testing.T, client *inventory.MockClient, id int64) int {
	t.Helper()
	item, ok := client.Item(id)
	require.True(t, ok, "item %d must exist", id)
	return item.Stock
}

func status(s string) *string { return &s }

func request(total string, st *string, lines ...domain.LineRequest) domain.OrderRequest {
	return domain.OrderRequest{TotalPrice: decimal.RequireFromString(total), Status: st, Lines: lines}
}

func line(id int64, name string, qty int) domain.LineRequest {
	return domain.LineRequest{ItemID: id, ItemName: name, UnitPrice: decimal.RequireFromString("0.01"), Quantity: qty}
}

func TestCreateOrder_ReservesStockAndUsesRemoteSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.service.CreateOrder(ctx, request("29.97", status("confirmed"), line(1, "gizmo-basic", 3)))
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
	assert.Equal(t, 7, f.stock(t, f.gizmos, 1), "stock must be written back as 10-3")

	require.Len(t, order.Lines, 1)
	assert.Equal(t, int64(1), order.Lines[0].ItemID)
	assert.Equal(t, "gizmo-basic", order.Lines[0].ItemName)
	assert.True(t, decimal.RequireFromString("9.99").Equal(order.Lines[0].UnitPrice), "unit price must come from remote snapshot")
	assert.Equal(t, 3, order.Lines[0].Quantity)

	write := f.gizmos.Writes()[0]
	assert.Equal(t, "gizmo-basic", write.Name)
	assert.Equal(t, "small", write.Description)
	assert.True(t, decimal.RequireFromString("9.99").Equal(write.Price))

	stored, found, err := f.service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, order.Lines, stored.Lines)
}

func TestCreateOrder_RoutesLinesAndKeepsInsertionOrder(t *testing.T) {
	f := newFixture(t)

	order, err := f.service.CreateOrder(context.Background(), request("10", status(""),
		line(10, "widget-red", 2),
		line(2, "gizmo-plus", 1),
		line(1, "gizmo-basic", 4),
	))
	require.NoError(t, err)

	require.Len(t, order.Lines, 3)
	assert.Equal(t, []int64{10, 2, 1}, []int64{order.Lines[0].ItemID, order.Lines[1].ItemID, order.Lines[2].ItemID})
	assert.Equal(t, 3, f.stock(t, f.widgets, 10))
	assert.Equal(t, 99, f.stock(t, f.gizmos, 2))
	assert.Equal(t, 6, f.stock(t, f.gizmos, 1))
}

func TestCreateOrder_StatusMapping(t *testing.T) {
	cases := []struct {
		in   string
		want domain.OrderStatus
	}{
		{in: "cancelled", want: domain.OrderStatusCancelled},
		{in: "SHIPPED", want: domain.OrderStatusShipped},
		{in: "", want: domain.OrderStatusConfirmed},
		{in: "pending", want: domain.OrderStatusConfirmed},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			f := newFixture(t)
			order, err := f.service.CreateOrder(context.Background(), request("0", status(tc.in)))
			require.NoError(t, err)
			assert.Equal(t, tc.want, order.Status)
			assert.Empty(t, order.Lines)
		})
	}
}

func TestCreateOrder_MissingStatusFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateOrder(context.Background(), request("10", nil, line(1, "gizmo-basic", 1)))
	require.ErrorIs(t, err, domain.ErrStatusMissing)

	assert.Zero(t, f.gizmos.FetchCalls(), "no remote calls before status is mapped")
	orders, err := f.service.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrder_SkipsNonPositiveQuantities(t *testing.T) {
	f := newFixture(t)

	order, err := f.service.CreateOrder(context.Background(), request("0", status("CONFIRMED"),
		line(1, "gizmo-basic", 0),
		line(2, "gizmo-plus", -3),
	))
	require.NoError(t, err)

	assert.Empty(t, order.Lines)
	assert.Zero(t, f.gizmos.FetchCalls())
	assert.Zero(t, f.gizmos.UpdateCalls())
}

func TestCreateOrder_InsufficientStockPersistsNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateOrder(context.Background(), request("1", status("CONFIRMED"), line(2, "gizmo-plus", 101)))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var lineErr *domain.LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, int64(2), lineErr.ItemID)
	assert.Equal(t, domain.LineOpReserve, lineErr.Op)

	assert.Equal(t, 100, f.stock(t, f.gizmos, 2))
	assert.Zero(t, f.gizmos.UpdateCalls())

	orders, err := f.service.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrder_FailureKinds(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture)
		line  domain.LineRequest
		want  error
		op    domain.LineOp
	}{
		{
			name: "no endpoint",
			line: line(1, "sprocket", 1),
			want: domain.ErrInventoryEndpointNotFound,
			op:   domain.LineOpResolve,
		},
		{
			name: "remote item absent",
			line: line(404, "gizmo-ghost", 1),
			want: domain.ErrInventoryItemNotFound,
			op:   domain.LineOpFetch,
		},
		{
			name:  "backend unavailable",
			setup: func(f *fixture) { f.gizmos.FailFetch(1, domain.ErrInventoryUnavailable) },
			line:  line(1, "gizmo-basic", 1),
			want:  domain.ErrInventoryUnavailable,
			op:    domain.LineOpFetch,
		},
		{
			name:  "write rejected",
			setup: func(f *fixture) { f.gizmos.RejectUpdate(1) },
			line:  line(1, "gizmo-basic", 1),
			want:  domain.ErrInventoryUpdateRejected,
			op:    domain.LineOpReserve,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}

			_, err := f.service.CreateOrder(context.Background(), request("1", status("CONFIRMED"), tc.line))
			require.ErrorIs(t, err, tc.want)

			var lineErr *domain.LineError
			require.ErrorAs(t, err, &lineErr)
			assert.Equal(t, tc.op, lineErr.Op)
			assert.Equal(t, tc.line.ItemID, lineErr.ItemID)

			orders, err := f.service.ListOrders(context.Background())
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestCreateOrder_CompensatesEarlierLines(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateOrder(context.Background(), request("1", status("CONFIRMED"),
		line(1, "gizmo-basic", 3),
		line(10, "widget-red", 6),
	))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, 10, f.stock(t, f.gizmos, 1), "first line must be restocked after later failure")
	assert.Equal(t, 5, f.stock(t, f.widgets, 10))

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.EventOrderCreateFailed, pending[0].EventType)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, "insufficient_stock", payload["reason"])
	assert.Equal(t, float64(10), payload["item_id"])
}

func TestCreateOrder_WithoutCompensationLeavesStockDecremented(t *testing.T) {
	f := newFixture(t, WithCompensation(false))

	_, err := f.service.CreateOrder(context.Background(), request("1", status("CONFIRMED"),
		line(1, "gizmo-basic", 3),
		line(10, "widget-red", 6),
	))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, 7, f.stock(t, f.gizmos, 1))
	assert.Equal(t, 1, f.gizmos.UpdateCalls())
}

func TestCreateOrder_ParallelFanOut(t *testing.T) {
	f := newFixture(t, WithMaxParallelCalls(4))

	order, err := f.service.CreateOrder(context.Background(), request("5", status("CONFIRMED"),
		line(1, "gizmo-basic", 1),
		line(10, "widget-red", 1),
		line(2, "gizmo-plus", 1),
	))
	require.NoError(t, err)

	require.Len(t, order.Lines, 3)
	assert.Equal(t, int64(1), order.Lines[0].ItemID)
	assert.Equal(t, int64(10), order.Lines[1].ItemID)
	assert.Equal(t, int64(2), order.Lines[2].ItemID)
	assert.Equal(t, 9, f.stock(t, f.gizmos, 1))
	assert.Equal(t, 4, f.stock(t, f.widgets, 10))
	assert.Equal(t, 99, f.stock(t, f.gizmos, 2))
}

func TestCreateOrder_ParallelFailureCompensatesSucceededLines(t *testing.T) {
	f := newFixture(t, WithMaxParallelCalls(2))
	f.widgets.FailFetch(10, domain.ErrInventoryUnavailable)

	_, err := f.service.CreateOrder(context.Background(), request("5", status("CONFIRMED"),
		line(1, "gizmo-basic", 2),
		line(10, "widget-red", 1),
	))
	require.ErrorIs(t, err, domain.ErrInventoryUnavailable)

	assert.Equal(t, 10, f.stock(t, f.gizmos, 1), "reserved line must be returned whichever goroutine finished first")
	orders, err := f.service.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrder_NegativeTotalRejectedBeforeRemoteCalls(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateOrder(context.Background(), request("-1", status("CONFIRMED"), line(1, "gizmo-basic", 1)))
	require.ErrorIs(t, err, domain.ErrTotalPriceNegative)
	assert.Zero(t, f.gizmos.FetchCalls())
}

func TestCreateOrder_RecordsEvents(t *testing.T) {
	f := newFixture(t)

	order, err := f.service.CreateOrder(context.Background(), request("3", status("CONFIRMED"), line(1, "gizmo-basic", 1)))
	require.NoError(t, err)

	events, err := f.service.Timeline(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderCreated, events[0].Type)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "order", pending[0].AggregateType)
	assert.Equal(t, "1", pending[0].AggregateID)
}

func TestGetOrder_MissingIsSoft(t *testing.T) {
	f := newFixture(t)

	order, found, err := f.service.GetOrder(context.Background(), 9999)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, order.ID)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orders, err := f.service.ListOrders(ctx)
	require.NoError(t, err)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)

	for i := 0; i < 3; i++ {
		_, err := f.service.CreateOrder(ctx, request("1", status("CONFIRMED")))
		require.NoError(t, err)
	}
	orders, err = f.service.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestUpdateOrder_MissingIsSoft(t *testing.T) {
	f := newFixture(t)

	_, found, err := f.service.UpdateOrder(context.Background(), 9999, request("1", status("SHIPPED")))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateOrder_ChangesStatusAndTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateOrder(ctx, request("29.97", status("CONFIRMED"), line(1, "gizmo-basic", 3)))
	require.NoError(t, err)

	updated, found, err := f.service.UpdateOrder(ctx, created.ID, request("35.00", status("shipped")))
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, domain.OrderStatusShipped, updated.Status)
	assert.True(t, decimal.RequireFromString("35").Equal(updated.TotalPrice))
	assert.Equal(t, created.Version+1, updated.Version)
	assert.Equal(t, 7, f.stock(t, f.gizmos, 1), "non-cancelling update must not touch inventory")

	stored, _, err := f.service.GetOrder(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, stored.Status)

	events, err := f.service.Timeline(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOrderStatusChanged, events[1].Type)
}

func TestUpdateOrder_DoesNotReplaceLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateOrder(ctx, request("29.97", status("CONFIRMED"), line(1, "gizmo-basic", 3)))
	require.NoError(t, err)
	fetches, updates := f.gizmos.FetchCalls(), f.gizmos.UpdateCalls()

	updated, _, err := f.service.UpdateOrder(ctx, created.ID, request("1", status("SHIPPED"),
		line(2, "gizmo-plus", 5),
	))
	require.NoError(t, err)

	assert.Equal(t, created.Lines, updated.Lines)
	assert.Equal(t, fetches, f.gizmos.FetchCalls(), "lines in update request must not trigger reservations")
	assert.Equal(t, updates, f.gizmos.UpdateCalls())
	assert.Equal(t, 100, f.stock(t, f.gizmos, 2))
}

func TestUpdateOrder_CancelRestocksBeforePersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateOrder(ctx, request("10", status("CONFIRMED"),
		line(1, "gizmo-basic", 3),
		line(10, "widget-red", 2),
	))
	require.NoError(t, err)
	require.Equal(t, 7, f.stock(t, f.gizmos, 1))
	require.Equal(t, 3, f.stock(t, f.widgets, 10))

	updated, found, err := f.service.UpdateOrder(ctx, created.ID, request("10", status("Cancelled")))
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)
	assert.Equal(t, 10, f.stock(t, f.gizmos, 1))
	assert.Equal(t, 5, f.stock(t, f.widgets, 10))

	events, err := f.service.Timeline(ctx, created.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	assert.Contains(t, types, domain.EventOrderRestocked)
	assert.Contains(t, types, domain.EventOrderCancelled)
}

func TestUpdateOrder_CancelledOrderIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateOrder(ctx, request("10", status("CONFIRMED"), line(1, "gizmo-basic", 1)))
	require.NoError(t, err)
	_, _, err = f.service.UpdateOrder(ctx, created.ID, request("10", status("CANCELLED")))
	require.NoError(t, err)
	stockAfterCancel := f.stock(t, f.gizmos, 1)

	for _, next := range []string{"CONFIRMED", "SHIPPED", "CANCELLED", ""} {
		_, found, err := f.service.UpdateOrder(ctx, created.ID, request("99", status(next)))
		assert.True(t, found)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition, "status %q", next)
	}

	stored, _, err := f.service.GetOrder(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	assert.True(t, decimal.RequireFromString("10").Equal(stored.TotalPrice))
	assert.Equal(t, stockAfterCancel, f.stock(t, f.gizmos, 1), "no double restock")
}

func TestUpdateOrder_RestockRejectedKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateOrder(ctx, request("10", status("CONFIRMED"),
		line(1, "gizmo-basic", 3),
		line(10, "widget-red", 2),
	))
	require.NoError(t, err)
	f.widgets.RejectUpdate(10)

	_, found, err := f.service.UpdateOrder(ctx, created.ID, request("10", status("CANCELLED")))
	require.True(t, found)
	require.ErrorIs(t, err, domain.ErrRestockFailed)
	assert.True(t, domain.IsNotFound(err))

	stored, _, err := f.service.GetOrder(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, stored.Status, "status must not advance after failed restock")
	assert.Equal(t, 10, f.stock(t, f.gizmos, 1), "earlier restocked line is not rolled back")
}

func TestUpdateOrder_RestockItemAbsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateOrder(ctx, request("10", status("CONFIRMED"), line(1, "gizmo-basic", 1)))
	require.NoError(t, err)
	f.gizmos.FailFetch(1, domain.ErrInventoryItemNotFound)

	_, _, err = f.service.UpdateOrder(ctx, created.ID, request("10", status("CANCELLED")))
	require.ErrorIs(t, err, domain.ErrInventoryItemNotFound)

	var lineErr *domain.LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, domain.LineOpFetch, lineErr.Op)
}

func TestUpdateOrder_MissingStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateOrder(ctx, request("10", status("CONFIRMED")))
	require.NoError(t, err)

	_, found, err := f.service.UpdateOrder(ctx, created.ID, request("10", nil))
	assert.True(t, found)
	assert.ErrorIs(t, err, domain.ErrStatusMissing)
}

func TestTimeline_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Timeline(context.Background(), 12345)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestFailureReason(t *testing.T) {
	cases := map[string]error{
		"restock_failed":     domain.ErrRestockFailed,
		"not_found":          domain.ErrInventoryItemNotFound,
		"insufficient_stock": domain.ErrInsufficientStock,
		"invalid_state":      domain.ErrInvalidStateTransition,
		"unavailable":        domain.ErrInventoryUnavailable,
		"status_missing":     domain.ErrStatusMissing,
		"validation":         domain.ErrTotalPriceNegative,
		"version_conflict":   domain.ErrOrderVersionConflict,
		"internal":           errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, FailureReason(err), "error %v", err)
	}
}

func TestNew_DefaultsAreSequentialWithCompensation(t *testing.T) {
	s := New(memory.NewOrderRepository(), nil, nil)

	assert.Equal(t, 1, s.maxParallel)
	assert.True(t, s.compensate)
	assert.NotNil(t, s.logger)
	assert.WithinDuration(t, time.Now().UTC(), s.now(), time.Second)
}
