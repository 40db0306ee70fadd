package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

func TestMockClient(t *testing.T) {
	mock := NewMockClient(domain.InventoryItem{ID: 1, Name: "gizmo", Stock: 10})
	ctx := context.Background()

	item, err := mock.FetchItem(ctx, 1, "gizmo")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if _, err := mock.UpdateItem(ctx, 1, "gizmo", item.WithStock(7)); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if got, _ := mock.Item(1); got.Stock != 7 {
		t.Fatalf("stock not written back: %d", got.Stock)
	}
	if mock.FetchCalls() != 1 || mock.UpdateCalls() != 1 {
		t.Fatalf("unexpected call counters: fetch=%d update=%d", mock.FetchCalls(), mock.UpdateCalls())
	}
	if len(mock.Writes()) != 1 {
		t.Fatalf("expected one recorded write, got %d", len(mock.Writes()))
	}

	if _, err := mock.FetchItem(ctx, 2, "missing"); !errors.Is(err, domain.ErrInventoryItemNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mock.RejectUpdate(1)
	if _, err := mock.UpdateItem(ctx, 1, "gizmo", item); !errors.Is(err, domain.ErrInventoryUpdateRejected) {
		t.Fatalf("expected rejected update, got %v", err)
	}

	boom := errors.New("boom")
	mock.FailFetch(1, boom)
	if _, err := mock.FetchItem(ctx, 1, "gizmo"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}
