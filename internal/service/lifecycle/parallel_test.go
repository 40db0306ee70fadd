package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/inventory"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

// barrierClient задерживает чтения, пока want чтений не окажутся в полёте одновременно
// (или не истечёт wait), и запоминает максимальную параллельность по каждому товару.
type barrierClient struct {
	*inventory.MockClient

	want    int
	wait    time.Duration
	release chan struct{}

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	perItem     map[int64]int
	maxPerItem  map[int64]int
}

func newBarrierClient(backend *inventory.MockClient, want int) *barrierClient {
	return &barrierClient{
		MockClient: backend,
		want:       want,
		wait:       100 * time.Millisecond,
		release:    make(chan struct{}),
		perItem:    make(map[int64]int),
		maxPerItem: make(map[int64]int),
	}
}

func (b *barrierClient) enter(itemID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight++
	b.perItem[itemID]++
	b.maxInFlight = max(b.maxInFlight, b.inFlight)
	b.maxPerItem[itemID] = max(b.maxPerItem[itemID], b.perItem[itemID])
	if b.inFlight == b.want {
		select {
		case <-b.release:
		default:
			close(b.release)
		}
	}
}

func (b *barrierClient) leave(itemID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	b.perItem[itemID]--
}

func (b *barrierClient) FetchItem(ctx context.Context, itemID int64, itemName string) (domain.InventoryItem, error) {
	b.enter(itemID)
	defer b.leave(itemID)

	select {
	case <-b.release:
	case <-time.After(b.wait):
	case <-ctx.Done():
	}
	return b.MockClient.FetchItem(ctx, itemID, itemName)
}

func (b *barrierClient) UpdateItem(ctx context.Context, itemID int64, itemName string, item domain.InventoryItem) (domain.InventoryItem, error) {
	b.enter(itemID)
	defer b.leave(itemID)
	return b.MockClient.UpdateItem(ctx, itemID, itemName, item)
}

func (b *barrierClient) peaks() (int, map[int64]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	perItem := make(map[int64]int, len(b.maxPerItem))
	for id, n := range b.maxPerItem {
		perItem[id] = n
	}
	return b.maxInFlight, perItem
}

// newParallelService собирает сервис, где склад gizmos обёрнут в barrier.
func newParallelService(t *testing.T, f *fixture, gizmos domain.InventoryClient, parallel int) *Service {
	t.Helper()

	clients := map[string]domain.InventoryClient{"gizmos": gizmos, "widgets": f.widgets}
	registry, err := inventory.NewRegistry([]domain.InventoryEndpoint{
		{Name: "gizmos", Key: "gizmo", BaseURL: "http://gizmos"},
		{Name: "widgets", Key: "widget", BaseURL: "http://widgets"},
	}, func(endpoint domain.InventoryEndpoint) (domain.InventoryClient, error) {
		return clients[endpoint.Name], nil
	})
	require.NoError(t, err)

	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return New(f.orders, registry, logger.WithField("component", "lifecycle-test"),
		WithTimeline(f.timeline),
		WithMaxParallelCalls(parallel),
		WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
	)
}

func TestCreateOrder_ParallelSameItemStillChecksStock(t *testing.T) {
	f := newFixture(t)
	barrier := newBarrierClient(f.gizmos, 2)
	service := newParallelService(t, f, barrier, 2)

	_, err := service.CreateOrder(context.Background(), request("1", status("CONFIRMED"),
		line(1, "gizmo-basic", 6),
		line(2, "gizmo-plus", 1),
		line(1, "gizmo-basic", 6),
	))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	maxInFlight, perItem := barrier.peaks()
	assert.Equal(t, 2, maxInFlight, "distinct items are still processed concurrently")
	assert.Equal(t, 1, perItem[1], "lines of one item must not overlap")

	assert.Equal(t, 10, f.stock(t, f.gizmos, 1), "first reservation is compensated")
	assert.Equal(t, 100, f.stock(t, f.gizmos, 2))

	orders, err := service.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrder_ParallelSameItemReservesEveryLine(t *testing.T) {
	f := newFixture(t)
	barrier := newBarrierClient(f.gizmos, 2)
	service := newParallelService(t, f, barrier, 4)

	order, err := service.CreateOrder(context.Background(), request("1", status("CONFIRMED"),
		line(1, "gizmo-basic", 3),
		line(1, "gizmo-basic", 4),
	))
	require.NoError(t, err)
	require.Len(t, order.Lines, 2)
	assert.Equal(t, 3, f.stock(t, f.gizmos, 1))

	_, perItem := barrier.peaks()
	assert.Equal(t, 1, perItem[1])
}

func TestUpdateOrder_ParallelRestockOfSameItem(t *testing.T) {
	f := newFixture(t)
	barrier := newBarrierClient(f.gizmos, 2)
	service := newParallelService(t, f, barrier, 2)
	ctx := context.Background()

	order, err := service.CreateOrder(ctx, request("1", status("CONFIRMED"),
		line(1, "gizmo-basic", 3),
		line(1, "gizmo-basic", 4),
	))
	require.NoError(t, err)
	require.Equal(t, 3, f.stock(t, f.gizmos, 1))

	_, found, err := service.UpdateOrder(ctx, order.ID, request("1", status("CANCELLED")))
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, 10, f.stock(t, f.gizmos, 1), "both restocks must land")
	_, perItem := barrier.peaks()
	assert.Equal(t, 1, perItem[1])
}

func TestGroupLines(t *testing.T) {
	keys := []any{"a", nil, "b", "a", nil, "b"}
	groups := groupLines(len(keys), func(i int) any { return keys[i] })
	assert.Equal(t, [][]int{{0, 3}, {1}, {2, 5}, {4}}, groups)
}

// renumberedClient отдаёт товар под другим id, как склад со своей нумерацией.
type renumberedClient struct {
	*inventory.MockClient
	remoteID int64
}

func (c *renumberedClient) FetchItem(ctx context.Context, itemID int64, itemName string) (domain.InventoryItem, error) {
	item, err := c.MockClient.FetchItem(ctx, itemID, itemName)
	item.ID = c.remoteID
	return item, err
}

func TestCreateOrder_LineUsesRemoteItemID(t *testing.T) {
	f := newFixture(t)
	service := newParallelService(t, f, &renumberedClient{MockClient: f.gizmos, remoteID: 777}, 1)

	order, err := service.CreateOrder(context.Background(), request("1", status("CONFIRMED"), line(1, "gizmo-basic", 2)))
	require.NoError(t, err)

	require.Len(t, order.Lines, 1)
	assert.Equal(t, int64(777), order.Lines[0].ItemID)
	assert.Equal(t, "gizmo-basic", order.Lines[0].ItemName)
	assert.Equal(t, 8, f.stock(t, f.gizmos, 1))
}
