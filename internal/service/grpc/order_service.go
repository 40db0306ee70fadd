// Package grpcsvc — gRPC API заказов на google.protobuf.Struct без генерации кода.
package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/dto"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/idempotency"
)

const idempotencyMetadataKey = "idempotency-key"

// Orders — операции жизненного цикла заказа, нужные API.
type Orders interface {
	CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	GetOrder(ctx context.Context, id int64) (domain.Order, bool, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
	UpdateOrder(ctx context.Context, id int64, req domain.OrderRequest) (domain.Order, bool, error)
}

// OrderService реализует gRPC API поверх жизненного цикла заказа.
type OrderService struct {
	service Orders
	guard   *idempotency.Guard
	logger  *log.Entry
}

// NewOrderService конструирует сервис. guard может быть nil.
func NewOrderService(service Orders, guard *idempotency.Guard, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "grpc-order-service")
	}
	return &OrderService{service: service, guard: guard, logger: logger}
}

// CreateOrder создаёт заказ. Тело запроса — JSON заказа.
func (s *OrderService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	order, err := decodeOrderRequest(req)
	if err != nil {
		return nil, err
	}

	return s.withIdempotency(ctx, MethodCreateOrder, order, func(ctx context.Context) (*structpb.Struct, error) {
		created, err := s.service.CreateOrder(ctx, order.ToDomain())
		if err != nil {
			return nil, toStatus(err)
		}
		return encode(dto.FromDomain(created))
	})
}

// GetOrder возвращает заказ по {"id": n}.
func (s *OrderService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := orderID(req)
	if err != nil {
		return nil, err
	}

	order, found, err := s.service.GetOrder(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "order %d not found", id)
	}
	return encode(dto.FromDomain(order))
}

// ListOrders возвращает {"orders": [...]}.
func (s *OrderService) ListOrders(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	orders, err := s.service.ListOrders(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"orders": dto.FromDomainList(orders)})
}

// UpdateOrder меняет заказ. Тело — JSON заказа плюс поле "id".
func (s *OrderService) UpdateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := orderID(req)
	if err != nil {
		return nil, err
	}
	order, err := decodeOrderRequest(req)
	if err != nil {
		return nil, err
	}

	operation := MethodUpdateOrder + "/" + strconv.FormatInt(id, 10)
	return s.withIdempotency(ctx, operation, order, func(ctx context.Context) (*structpb.Struct, error) {
		updated, found, err := s.service.UpdateOrder(ctx, id, order.ToDomain())
		if err != nil {
			return nil, toStatus(err)
		}
		if !found {
			return nil, status.Errorf(codes.NotFound, "order %d not found", id)
		}
		return encode(dto.FromDomain(updated))
	})
}

// idempotencyFailure — сохраняемое описание ошибки для повторов.
type idempotencyFailure struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// withIdempotency выполняет handler под idempotency-key из metadata.
// operation входит в хэш запроса, поэтому один ключ нельзя переиспользовать для другого заказа.
func (s *OrderService) withIdempotency(ctx context.Context, operation string, req dto.OrderRequest, handler func(context.Context) (*structpb.Struct, error)) (*structpb.Struct, error) {
	key := readIdempotencyKey(ctx)
	if key == "" || !s.guard.Enabled() {
		return handler(ctx)
	}

	resp, replayed, err := s.guard.Execute(ctx, key, idempotency.HashRequest(operation, req.Canonical()), func(ctx context.Context) idempotency.Response {
		out, runErr := handler(ctx)
		if runErr != nil {
			return failureResponse(runErr)
		}
		body, err := protojson.Marshal(out)
		if err != nil {
			return failureResponse(status.Error(codes.Internal, "failed to encode response"))
		}
		return idempotency.Response{Status: int(codes.OK), Body: body}
	})
	switch {
	case errors.Is(err, idempotency.ErrKeyConflict):
		return nil, status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, idempotency.ErrInProgress):
		return nil, status.Error(codes.Aborted, err.Error())
	case err != nil:
		s.logger.WithError(err).WithField("idempotency_key", key).Error("idempotency guard failed")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}
	if replayed {
		s.logger.WithFields(log.Fields{"idempotency_key": key, "operation": operation}).Debug("idempotent replay")
	}

	if resp.Failed {
		return nil, decodeFailure(resp)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(resp.Body, out); err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to decode cached idempotency response")
		return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
	}
	return out, nil
}

func failureResponse(err error) idempotency.Response {
	st := status.Convert(err)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}
	body, _ := json.Marshal(idempotencyFailure{Code: int32(code), Message: st.Message()}) //nolint:gosec // codes.Code is a bounded enum value.
	return idempotency.Response{Status: int(code), Body: body, Failed: true}
}

func decodeFailure(resp idempotency.Response) error {
	var payload idempotencyFailure
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Code == 0 {
		payload = idempotencyFailure{Code: int32(resp.Status), Message: "request failed"} //nolint:gosec // stored code comes from codes.Code.
	}
	return status.Error(codes.Code(payload.Code), payload.Message) //nolint:gosec // stored code comes from codes.Code.
}

func readIdempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(idempotencyMetadataKey)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func decodeOrderRequest(req *structpb.Struct) (dto.OrderRequest, error) {
	if req == nil {
		return dto.OrderRequest{}, status.Error(codes.InvalidArgument, "request is required")
	}
	data, err := protojson.Marshal(req)
	if err != nil {
		return dto.OrderRequest{}, status.Error(codes.InvalidArgument, "request is not valid JSON")
	}
	order, err := dto.DecodeBytes(data)
	if err == nil {
		err = order.Validate()
	}
	if err != nil {
		return dto.OrderRequest{}, toStatus(err)
	}
	return order, nil
}

func orderID(req *structpb.Struct) (int64, error) {
	value, ok := req.GetFields()["id"]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "id is required")
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok || number.NumberValue != float64(int64(number.NumberValue)) {
		return 0, status.Error(codes.InvalidArgument, "id must be an integer")
	}
	return int64(number.NumberValue), nil
}

func encode(payload any) (*structpb.Struct, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// toStatus переводит доменную ошибку в gRPC статус.
func toStatus(err error) error {
	var verrs dto.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return status.Error(codes.InvalidArgument, verrs.Error())
	case errors.Is(err, dto.ErrMalformedBody):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInvalidStateTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInventoryUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrTotalPriceNegative),
		errors.Is(err, domain.ErrLinePriceInvalid),
		errors.Is(err, domain.ErrLineQtyInvalid),
		errors.Is(err, domain.ErrStatusInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.IsVersionConflict(err):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
