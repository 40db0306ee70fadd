package inventory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// MockClient — конфигурируемая in-memory заглушка склада для тестов.
type MockClient struct {
	mu          sync.Mutex
	items       map[int64]domain.InventoryItem
	fetchErr    map[int64]error
	updateErr   map[int64]error
	rejected    map[int64]bool
	fetchCalls  int
	updateCalls int
	writes      []domain.InventoryItem
}

var _ domain.InventoryClient = (*MockClient)(nil)

// NewMockClient возвращает склад с указанными товарами.
func NewMockClient(items ...domain.InventoryItem) *MockClient {
	m := &MockClient{
		items:     make(map[int64]domain.InventoryItem, len(items)),
		fetchErr:  make(map[int64]error),
		updateErr: make(map[int64]error),
		rejected:  make(map[int64]bool),
	}
	for _, item := range items {
		m.items[item.ID] = item
	}
	return m
}

// SetItem добавляет или заменяет товар.
func (m *MockClient) SetItem(item domain.InventoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
}

// Item возвращает текущий снимок товара.
func (m *MockClient) Item(id int64) (domain.InventoryItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	return item, ok
}

// FailFetch заставляет чтение товара id возвращать err.
func (m *MockClient) FailFetch(id int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr[id] = err
}

// FailUpdate заставляет запись товара id возвращать err.
func (m *MockClient) FailUpdate(id int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr[id] = err
}

// RejectUpdate имитирует пустой ответ склада на запись товара id.
func (m *MockClient) RejectUpdate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[id] = true
}

// FetchCalls возвращает число чтений.
func (m *MockClient) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// UpdateCalls возвращает число записей.
func (m *MockClient) UpdateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCalls
}

// Writes возвращает снимки, принятые складом, в порядке записи.
func (m *MockClient) Writes() []domain.InventoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.InventoryItem(nil), m.writes...)
}

// FetchItem возвращает снимок товара или ErrInventoryItemNotFound.
func (m *MockClient) FetchItem(ctx context.Context, itemID int64, itemName string) (domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchCalls++
	if err := ctx.Err(); err != nil {
		return domain.InventoryItem{}, domain.ErrInventoryUnavailable
	}
	if err := m.fetchErr[itemID]; err != nil {
		return domain.InventoryItem{}, err
	}
	item, ok := m.items[itemID]
	if !ok {
		return domain.InventoryItem{}, domain.ErrInventoryItemNotFound
	}
	return item, nil
}

// UpdateItem сохраняет снимок; отсутствующий или отклонённый товар даёт ErrInventoryUpdateRejected.
func (m *MockClient) UpdateItem(ctx context.Context, itemID int64, itemName string, item domain.InventoryItem) (domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateCalls++
	if err := ctx.Err(); err != nil {
		return domain.InventoryItem{}, domain.ErrInventoryUnavailable
	}
	if err := m.updateErr[itemID]; err != nil {
		return domain.InventoryItem{}, err
	}
	if _, ok := m.items[itemID]; !ok || m.rejected[itemID] {
		return domain.InventoryItem{}, domain.ErrInventoryUpdateRejected
	}

	item.ID = itemID
	m.items[itemID] = item
	m.writes = append(m.writes, item)
	return item, nil
}
