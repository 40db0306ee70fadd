package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

const (
	operationCreate = "create"
	operationUpdate = "update"
)

// Service управляет жизненным циклом заказа и синхронизирует остатки на удалённых складах.
type Service struct {
	orders    domain.OrderRepository
	inventory domain.InventoryResolver
	outbox    domain.OutboxRepository
	timeline  domain.TimelineRepository
	logger    *log.Entry
	metrics   *metrics.OrderMetrics

	maxParallel int
	compensate  bool
	now         func() time.Time
}

// Option задаёт параметры Service.
type Option func(*Service)

// WithMaxParallelCalls ограничивает число одновременных обращений к складам в рамках одной операции.
// Значение <= 1 означает последовательную обработку позиций.
func WithMaxParallelCalls(n int) Option {
	return func(s *Service) {
		s.maxParallel = n
	}
}

// WithCompensation включает возврат уже списанных остатков при неудачном создании заказа.
func WithCompensation(enabled bool) Option {
	return func(s *Service) {
		s.compensate = enabled
	}
}

// WithMetrics подключает prometheus-метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOutbox включает запись событий в transactional outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = repo
	}
}

// WithTimeline включает запись событий в timeline заказа.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = repo
	}
}

// New создаёт сервис жизненного цикла заказов.
func New(orders domain.OrderRepository, inventory domain.InventoryResolver, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "order-lifecycle")
	}
	s := &Service{
		orders:      orders,
		inventory:   inventory,
		logger:      logger,
		maxParallel: 1,
		compensate:  true,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// reservation связывает позицию запроса с принятой складом позицией заказа.
type reservation struct {
	req  domain.LineRequest
	line domain.OrderLine
}

// CreateOrder резервирует остатки по каждой позиции и сохраняет заказ.
// Любая ошибка по позиции прерывает операцию до сохранения.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderRequest) (order domain.Order, err error) {
	start := s.begin()
	defer func() { s.finish(operationCreate, start, err) }()

	status, err := domain.MapStatus(req.Status)
	if err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}
	if req.TotalPrice.IsNegative() {
		return domain.Order{}, fmt.Errorf("create order: %w", domain.ErrTotalPriceNegative)
	}

	requested := make([]domain.LineRequest, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			continue
		}
		requested = append(requested, line)
	}

	reserved := make([]reservation, len(requested))
	sameItem := func(i int) any { return s.itemKey(requested[i].ItemName, requested[i].ItemID) }
	done, err := s.forEachLine(ctx, len(requested), sameItem, func(ctx context.Context, i int) error {
		line, err := s.reserveLine(ctx, requested[i])
		if err != nil {
			return err
		}
		reserved[i] = reservation{req: requested[i], line: line}
		return nil
	})
	if err != nil {
		s.compensateReservations(ctx, pick(reserved, done))
		s.emitFailure(ctx, err)
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	now := s.now()
	order = domain.Order{
		TotalPrice: req.TotalPrice,
		Status:     status,
		Lines:      make([]domain.OrderLine, 0, len(reserved)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, r := range reserved {
		order.Lines = append(order.Lines, r.line)
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		err = errors.Join(errs...)
		s.compensateReservations(ctx, reserved)
		s.emitFailure(ctx, err)
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	saved, err := s.orders.Create(ctx, order)
	if err != nil {
		s.logger.WithError(err).Error("persist order failed")
		s.compensateReservations(ctx, reserved)
		return domain.Order{}, fmt.Errorf("create order: persist: %w", err)
	}

	s.metrics.RecordOrderCreated(len(saved.Lines))
	s.logger.WithFields(log.Fields{
		"order_id": saved.ID,
		"status":   saved.Status,
		"lines":    len(saved.Lines),
	}).Info("order created")
	s.emitEvent(ctx, saved.ID, domain.EventOrderCreated, map[string]interface{}{
		"status":      string(saved.Status),
		"total_price": saved.TotalPrice.String(),
		"lines":       len(saved.Lines),
	})

	return saved, nil
}

// GetOrder возвращает заказ; found == false означает, что заказа нет.
func (s *Service) GetOrder(ctx context.Context, id int64) (domain.Order, bool, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}
	return order, true, nil
}

// ListOrders возвращает все заказы. Результат никогда не nil.
func (s *Service) ListOrders(ctx context.Context) ([]domain.Order, error) {
	orders, err := s.orders.List(ctx)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

// UpdateOrder меняет статус и сумму заказа. Позиции заказа не заменяются.
// Переход в CANCELLED сначала возвращает остатки на склады.
func (s *Service) UpdateOrder(ctx context.Context, id int64, req domain.OrderRequest) (order domain.Order, found bool, err error) {
	start := s.begin()
	defer func() { s.finish(operationUpdate, start, err) }()

	order, err = s.orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}

	logger := s.logger.WithField("order_id", id)
	if order.Cancelled() {
		return domain.Order{}, true, fmt.Errorf("update order %d: %w", id, domain.ErrInvalidStateTransition)
	}

	status, err := domain.MapStatus(req.Status)
	if err != nil {
		return domain.Order{}, true, fmt.Errorf("update order %d: %w", id, err)
	}
	if req.TotalPrice.IsNegative() {
		return domain.Order{}, true, fmt.Errorf("update order %d: %w", id, domain.ErrTotalPriceNegative)
	}

	restocked := 0
	if status == domain.OrderStatusCancelled {
		restocked, err = s.restockOrderItems(ctx, order)
		if err != nil {
			logger.WithError(err).Warn("restock failed, order status not advanced")
			return domain.Order{}, true, fmt.Errorf("update order %d: %w", id, err)
		}
	}

	previous := order.Status
	order.Status = status
	order.TotalPrice = req.TotalPrice
	order.UpdatedAt = s.now()

	if err := s.orders.Save(ctx, order); err != nil {
		logger.WithError(err).Error("persist order failed")
		return domain.Order{}, true, fmt.Errorf("update order %d: persist: %w", id, err)
	}
	order.Version++

	s.metrics.RecordOrderUpdated(string(order.Status))
	logger.WithFields(log.Fields{
		"from": previous,
		"to":   order.Status,
	}).Info("order updated")

	if previous != order.Status {
		s.emitEvent(ctx, order.ID, domain.EventOrderStatusChanged, map[string]interface{}{
			"from":       string(previous),
			"status":     string(order.Status),
			"updated_at": order.UpdatedAt.Format(time.RFC3339Nano),
		})
	}
	if order.Cancelled() {
		s.metrics.RecordOrderCancelled(restocked)
		s.emitEvent(ctx, order.ID, domain.EventOrderRestocked, map[string]interface{}{
			"lines": restocked,
		})
		s.emitEvent(ctx, order.ID, domain.EventOrderCancelled, map[string]interface{}{
			"reason": "cancelled by client",
		})
	}

	return order, true, nil
}

// Timeline возвращает события жизненного цикла заказа.
func (s *Service) Timeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error) {
	if _, err := s.orders.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(ctx, id)
}

// reserveLine списывает остаток по одной позиции и возвращает позицию заказа по снимку склада.
func (s *Service) reserveLine(ctx context.Context, req domain.LineRequest) (domain.OrderLine, error) {
	lineErr := func(op domain.LineOp, err error) error {
		return &domain.LineError{Op: op, ItemID: req.ItemID, ItemName: req.ItemName, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return domain.OrderLine{}, lineErr(domain.LineOpFetch, fmt.Errorf("%w: %v", domain.ErrInventoryUnavailable, err))
	}

	client, err := s.inventory.Resolve(req.ItemName)
	if err != nil {
		return domain.OrderLine{}, lineErr(domain.LineOpResolve, err)
	}

	item, err := client.FetchItem(ctx, req.ItemID, req.ItemName)
	if err != nil {
		return domain.OrderLine{}, lineErr(domain.LineOpFetch, err)
	}
	if item.Stock < req.Quantity {
		return domain.OrderLine{}, lineErr(domain.LineOpReserve,
			fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientStock, req.Quantity, item.Stock))
	}

	if _, err := client.UpdateItem(ctx, req.ItemID, req.ItemName, item.WithStock(item.Stock-req.Quantity)); err != nil {
		return domain.OrderLine{}, lineErr(domain.LineOpReserve, err)
	}

	s.logger.WithFields(log.Fields{
		"item_id":   req.ItemID,
		"item_name": req.ItemName,
		"quantity":  req.Quantity,
		"stock":     item.Stock - req.Quantity,
	}).Debug("stock reserved")

	// позиция строится по снимку склада, включая его id
	itemID := item.ID
	if itemID == 0 {
		itemID = req.ItemID
	}
	return domain.OrderLine{
		ItemID:    itemID,
		ItemName:  item.Name,
		UnitPrice: item.Price,
		Quantity:  req.Quantity,
	}, nil
}

// restockOrderItems возвращает на склады остатки всех позиций заказа.
// Уже возвращённые позиции при ошибке на следующей не откатываются.
func (s *Service) restockOrderItems(ctx context.Context, order domain.Order) (int, error) {
	sameItem := func(i int) any { return s.itemKey(order.Lines[i].ItemName, order.Lines[i].ItemID) }
	done, err := s.forEachLine(ctx, len(order.Lines), sameItem, func(ctx context.Context, i int) error {
		return s.restockLine(ctx, order.Lines[i].ItemName, order.Lines[i])
	})
	restocked := 0
	for _, ok := range done {
		if ok {
			restocked++
		}
	}
	return restocked, err
}

// restockLine увеличивает остаток товара на количество позиции. routeName — имя для выбора склада.
func (s *Service) restockLine(ctx context.Context, routeName string, line domain.OrderLine) error {
	lineErr := func(op domain.LineOp, err error) error {
		return &domain.LineError{Op: op, ItemID: line.ItemID, ItemName: routeName, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return lineErr(domain.LineOpFetch, fmt.Errorf("%w: %v", domain.ErrInventoryUnavailable, err))
	}

	client, err := s.inventory.Resolve(routeName)
	if err != nil {
		return lineErr(domain.LineOpResolve, err)
	}

	item, err := client.FetchItem(ctx, line.ItemID, routeName)
	if err != nil {
		return lineErr(domain.LineOpFetch, err)
	}

	if _, err := client.UpdateItem(ctx, line.ItemID, routeName, item.WithStock(item.Stock+line.Quantity)); err != nil {
		if errors.Is(err, domain.ErrInventoryUpdateRejected) {
			err = fmt.Errorf("%w: %v", domain.ErrRestockFailed, err)
		}
		return lineErr(domain.LineOpRestock, err)
	}

	s.logger.WithFields(log.Fields{
		"item_id":   line.ItemID,
		"item_name": routeName,
		"quantity":  line.Quantity,
	}).Debug("stock restocked")
	return nil
}

// compensateReservations возвращает остатки уже зарезервированных позиций (best effort).
// Ошибки компенсации логируются и не подменяют исходную причину отказа.
func (s *Service) compensateReservations(ctx context.Context, reserved []reservation) {
	if !s.compensate || len(reserved) == 0 {
		return
	}

	// компенсация выполняется даже если исходный контекст уже отменён
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, r := range reserved {
		err := s.restockLine(ctx, r.req.ItemName, r.line)
		s.metrics.RecordCompensation(err == nil)
		if err != nil {
			errs = append(errs, &domain.LineError{Op: domain.LineOpCompensate, ItemID: r.req.ItemID, ItemName: r.req.ItemName, Err: err})
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).WithField("lines", len(reserved)).Error("compensation incomplete")
		return
	}
	s.logger.WithField("lines", len(reserved)).Warn("reserved stock returned after failed order creation")
}

// forEachLine выполняет fn по позициям: последовательно или с ограниченным параллелизмом.
// Позиции с одинаковым key выполняются одной горутиной в порядке следования, иначе
// read-modify-write одного товара внутри заказа теряет обновление.
// done[i] == true означает, что fn для позиции i завершилась успешно.
func (s *Service) forEachLine(ctx context.Context, n int, key func(i int) any, fn func(ctx context.Context, i int) error) ([]bool, error) {
	done := make([]bool, n)

	if s.maxParallel <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(ctx, i); err != nil {
				return done, err
			}
			done[i] = true
		}
		return done, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for _, group := range groupLines(n, key) {
		g.Go(func() error {
			for _, i := range group {
				if err := fn(gctx, i); err != nil {
					return err
				}
				done[i] = true
			}
			return nil
		})
	}
	return done, g.Wait()
}

// groupLines разбивает позиции на группы по key с сохранением порядка первого появления.
// nil key даёт отдельную группу.
func groupLines(n int, key func(i int) any) [][]int {
	groups := make([][]int, 0, n)
	index := make(map[any]int, n)
	for i := 0; i < n; i++ {
		k := key(i)
		if k == nil {
			groups = append(groups, []int{i})
			continue
		}
		if g, ok := index[k]; ok {
			groups[g] = append(groups[g], i)
			continue
		}
		index[k] = len(groups)
		groups = append(groups, []int{i})
	}
	return groups
}

type remoteItem struct {
	client domain.InventoryClient
	itemID int64
}

// itemKey определяет удалённый товар позиции: склад и id.
// Позиция без склада получает nil и сама вернёт ошибку маршрутизации.
func (s *Service) itemKey(itemName string, itemID int64) any {
	client, err := s.inventory.Resolve(itemName)
	if err != nil || client == nil {
		return nil
	}
	if !reflect.TypeOf(client).Comparable() {
		// клиента нельзя сравнить, группируем только по id
		return itemID
	}
	return remoteItem{client: client, itemID: itemID}
}

func pick(reserved []reservation, done []bool) []reservation {
	result := make([]reservation, 0, len(reserved))
	for i, ok := range done {
		if ok {
			result = append(result, reserved[i])
		}
	}
	return result
}

func (s *Service) begin() time.Time {
	s.metrics.OperationStarted()
	return time.Now()
}

func (s *Service) finish(operation string, start time.Time, err error) {
	s.metrics.OperationFinished()
	s.metrics.RecordOperationDuration(operation, time.Since(start))
	if err != nil {
		reason := FailureReason(err)
		s.metrics.RecordOrderFailed(operation, reason)
		s.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"reason":    reason,
		}).Warn("order operation failed")
	}
}

// FailureReason классифицирует ошибку операции для метрик и логов.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRestockFailed):
		return "restock_failed"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, domain.ErrInventoryUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrStatusMissing):
		return "status_missing"
	case errors.Is(err, domain.ErrTotalPriceNegative),
		errors.Is(err, domain.ErrLinePriceInvalid),
		errors.Is(err, domain.ErrLineQtyInvalid),
		errors.Is(err, domain.ErrStatusInvalid):
		return "validation"
	case domain.IsVersionConflict(err):
		return "version_conflict"
	default:
		return "internal"
	}
}
