// Package httpapi — REST API заказов поверх chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/dto"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/idempotency"
)

const (
	// HeaderIdempotencyKey — заголовок с ключом идемпотентности для POST/PUT.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется, когда ответ взят из хранилища ключей.
	HeaderIdempotentReplay = "Idempotent-Replayed"
	// HeaderRequestID — идентификатор запроса.
	HeaderRequestID = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

// OrderService — операции жизненного цикла заказа, нужные API.
type OrderService interface {
	CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	GetOrder(ctx context.Context, id int64) (domain.Order, bool, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
	UpdateOrder(ctx context.Context, id int64, req domain.OrderRequest) (domain.Order, bool, error)
	Timeline(ctx context.Context, id int64) ([]domain.TimelineEvent, error)
}

// Handler обслуживает /api/order.
type Handler struct {
	service OrderService
	guard   *idempotency.Guard
	logger  *log.Entry
	tracer  trace.Tracer
}

// Option настраивает Handler.
type Option func(*Handler)

// WithGuard включает обработку Idempotency-Key.
func WithGuard(guard *idempotency.Guard) Option {
	return func(h *Handler) { h.guard = guard }
}

// WithTracer задаёт tracer; по умолчанию берётся глобальный provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) { h.tracer = tracer }
}

// NewHandler создаёт HTTP API заказов.
func NewHandler(service OrderService, logger *log.Entry, opts ...Option) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	h := &Handler{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("ordersvc/httpapi"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes возвращает router со всеми маршрутами API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestID)
	r.Use(h.accessLog)

	r.Route("/api/order", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Put("/{id}", h.updateOrder)
		r.Get("/{id}/timeline", h.timeline)
	})
	return r
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.CreateOrder")
	defer span.End()

	req, ok := h.decode(w, r, span)
	if !ok {
		return
	}

	operation := r.Method + " /api/order"
	h.execute(ctx, w, r, span, operation, req, func(ctx context.Context) idempotency.Response {
		order, err := h.service.CreateOrder(ctx, req.ToDomain())
		if err != nil {
			return failure(span, err)
		}
		span.SetAttributes(attribute.Int64("order.id", order.ID))
		return success(http.StatusCreated, dto.FromDomain(order))
	})
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.UpdateOrder")
	defer span.End()

	id, ok := h.orderID(w, r, span)
	if !ok {
		return
	}
	req, ok := h.decode(w, r, span)
	if !ok {
		return
	}

	operation := r.Method + " /api/order/" + strconv.FormatInt(id, 10)
	h.execute(ctx, w, r, span, operation, req, func(ctx context.Context) idempotency.Response {
		order, found, err := h.service.UpdateOrder(ctx, id, req.ToDomain())
		if err != nil {
			return failure(span, err)
		}
		if !found {
			return notFound(id)
		}
		return success(http.StatusOK, dto.FromDomain(order))
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.GetOrder")
	defer span.End()

	id, ok := h.orderID(w, r, span)
	if !ok {
		return
	}

	order, found, err := h.service.GetOrder(ctx, id)
	switch {
	case err != nil:
		writeResponse(w, failure(span, err))
	case !found:
		writeResponse(w, notFound(id))
	default:
		writeResponse(w, success(http.StatusOK, dto.FromDomain(order)))
	}
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.ListOrders")
	defer span.End()

	orders, err := h.service.ListOrders(ctx)
	if err != nil {
		writeResponse(w, failure(span, err))
		return
	}
	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	writeResponse(w, success(http.StatusOK, dto.FromDomainList(orders)))
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.OrderTimeline")
	defer span.End()

	id, ok := h.orderID(w, r, span)
	if !ok {
		return
	}

	events, err := h.service.Timeline(ctx, id)
	if err != nil {
		writeResponse(w, failure(span, err))
		return
	}
	writeResponse(w, success(http.StatusOK, dto.FromTimeline(events)))
}

// execute проводит мутирующий запрос через Guard, если клиент прислал Idempotency-Key.
func (h *Handler) execute(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, operation string, req dto.OrderRequest, handler idempotency.Handler) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" || !h.guard.Enabled() {
		writeResponse(w, handler(ctx))
		return
	}

	span.SetAttributes(attribute.String("idempotency.key", key))
	resp, replayed, err := h.guard.Execute(ctx, key, idempotency.HashRequest(operation, req.Canonical()), handler)
	if err != nil {
		if !errors.Is(err, idempotency.ErrInProgress) && !errors.Is(err, idempotency.ErrKeyConflict) {
			h.logger.WithError(err).WithField("idempotency_key", key).Error("idempotency guard failed")
		}
		writeResponse(w, failure(span, err))
		return
	}
	if replayed {
		w.Header().Set(HeaderIdempotentReplay, "true")
	}
	writeResponse(w, resp)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, span trace.Span) (dto.OrderRequest, bool) {
	req, err := dto.Decode(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		writeResponse(w, failure(span, err))
		return dto.OrderRequest{}, false
	}
	return req, true
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request, span trace.Span) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		span.SetStatus(codes.Error, "invalid order id")
		_, body := encodeError(errorBody{
			Status:  http.StatusBadRequest,
			Error:   http.StatusText(http.StatusBadRequest),
			Message: "invalid order id: " + raw,
		})
		writeResponse(w, idempotency.Response{Status: http.StatusBadRequest, Body: body, Failed: true})
		return 0, false
	}
	span.SetAttributes(attribute.Int64("order.id", id))
	return id, true
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		))
}

// requestID проставляет X-Request-ID, если клиент его не прислал.
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  r.Header.Get(HeaderRequestID),
		}).Debug("http request")
	})
}

func success(status int, payload any) idempotency.Response {
	body, err := json.Marshal(payload)
	if err != nil {
		_, body = errorResponse(err)
		return idempotency.Response{Status: http.StatusInternalServerError, Body: body, Failed: true}
	}
	return idempotency.Response{Status: status, Body: body}
}

func failure(span trace.Span, err error) idempotency.Response {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	status, body := errorResponse(err)
	return idempotency.Response{Status: status, Body: body, Failed: true}
}

func notFound(id int64) idempotency.Response {
	_, body := encodeError(errorBody{
		Status:  http.StatusNotFound,
		Error:   http.StatusText(http.StatusNotFound),
		Message: "order " + strconv.FormatInt(id, 10) + " not found",
	})
	return idempotency.Response{Status: http.StatusNotFound, Body: body, Failed: true}
}

func writeResponse(w http.ResponseWriter, resp idempotency.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
