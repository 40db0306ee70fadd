package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

const (
	// DefaultTimeout ограничивает одно обращение к складу.
	DefaultTimeout = 5 * time.Second

	tracerName      = "github.com/vladislavdragonenkov/ordersvc/internal/inventory"
	maxResponseSize = 1 << 20

	opFetch  = "fetch"
	opUpdate = "update"
)

// itemPayload — JSON-представление товара на стороне склада.
type itemPayload struct {
	ID          int64       `json:"id,omitempty"`
	Name        string      `json:"name"`
	Stock       int         `json:"stock"`
	Price       json.Number `json:"price"`
	Description string      `json:"description"`
}

// HTTPClient обращается к REST API одного склада: GET/PUT {base}/{id}/itemname/{name}.
// Повторных попыток не делает.
type HTTPClient struct {
	endpoint   domain.InventoryEndpoint
	httpClient *http.Client
	timeout    time.Duration
	tracer     trace.Tracer
	metrics    *metrics.OrderMetrics
	logger     *log.Entry
}

var _ domain.InventoryClient = (*HTTPClient)(nil)

// HTTPClientOption задаёт параметры HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient подменяет транспорт.
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут одного запроса.
func WithTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithTracer задаёт tracer для клиентских span-ов.
func WithTracer(tracer trace.Tracer) HTTPClientOption {
	return func(c *HTTPClient) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithMetrics включает метрики обращений к складу.
func WithMetrics(m *metrics.OrderMetrics) HTTPClientOption {
	return func(c *HTTPClient) {
		c.metrics = m
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) HTTPClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHTTPClient создаёт клиента склада.
func NewHTTPClient(endpoint domain.InventoryEndpoint, opts ...HTTPClientOption) (*HTTPClient, error) {
	if _, err := url.Parse(endpoint.BaseURL); err != nil || endpoint.BaseURL == "" {
		return nil, fmt.Errorf("inventory client %q: invalid base url %q", endpoint.Name, endpoint.BaseURL)
	}

	c := &HTTPClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: DefaultTimeout,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New().WithField("component", "inventory-client")
	}
	c.logger = c.logger.WithField("endpoint", endpoint.Name)

	return c, nil
}

// Endpoint возвращает описание склада.
func (c *HTTPClient) Endpoint() domain.InventoryEndpoint {
	return c.endpoint
}

// FetchItem читает снимок товара. Пустой ответ, null или 404 — ErrInventoryItemNotFound.
func (c *HTTPClient) FetchItem(ctx context.Context, itemID int64, itemName string) (domain.InventoryItem, error) {
	item, err := c.do(ctx, http.MethodGet, opFetch, itemID, itemName, nil)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

// UpdateItem записывает снимок целиком. Пустой ответ — ErrInventoryUpdateRejected.
func (c *HTTPClient) UpdateItem(ctx context.Context, itemID int64, itemName string, item domain.InventoryItem) (domain.InventoryItem, error) {
	body, err := json.Marshal(itemPayload{
		ID:          item.ID,
		Name:        item.Name,
		Stock:       item.Stock,
		Price:       json.Number(item.Price.String()),
		Description: item.Description,
	})
	if err != nil {
		return domain.InventoryItem{}, fmt.Errorf("encode inventory item: %w", err)
	}
	return c.do(ctx, http.MethodPut, opUpdate, itemID, itemName, body)
}

func (c *HTTPClient) itemURL(itemID int64, itemName string) string {
	return c.endpoint.BaseURL + "/" + strconv.FormatInt(itemID, 10) + "/itemname/" + url.PathEscape(itemName)
}

func (c *HTTPClient) do(ctx context.Context, method, op string, itemID int64, itemName string, body []byte) (item domain.InventoryItem, err error) {
	target := c.itemURL(itemID, itemName)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "inventory."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", target),
		attribute.String("inventory.endpoint", c.endpoint.Name),
		attribute.Int64("inventory.item_id", itemID),
	)
	defer func() {
		c.metrics.RecordInventoryCall(op, resultOf(err), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return domain.InventoryItem{}, fmt.Errorf("%w: build request: %v", domain.ErrInventoryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithFields(log.Fields{
			"item_id": itemID,
			"op":      op,
			"error":   err,
		}).Warn("inventory request failed")
		return domain.InventoryItem{}, fmt.Errorf("%w: %s %s: %v", domain.ErrInventoryUnavailable, method, c.endpoint.Name, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return domain.InventoryItem{}, fmt.Errorf("%w: read response from %s: %v", domain.ErrInventoryUnavailable, c.endpoint.Name, err)
	}

	absent := c.absentError(op)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.InventoryItem{}, absent
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.InventoryItem{}, fmt.Errorf("%w: %s %s returned status %d", domain.ErrInventoryUnavailable, method, c.endpoint.Name, resp.StatusCode)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return domain.InventoryItem{}, absent
	}

	return decodeItem(itemID, raw)
}

func (c *HTTPClient) absentError(op string) error {
	if op == opUpdate {
		return domain.ErrInventoryUpdateRejected
	}
	return domain.ErrInventoryItemNotFound
}

func decodeItem(itemID int64, raw []byte) (domain.InventoryItem, error) {
	var payload itemPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InventoryItem{}, fmt.Errorf("%w: decode inventory item: %v", domain.ErrInventoryUnavailable, err)
	}

	price := decimal.Zero
	if payload.Price != "" {
		parsed, err := decimal.NewFromString(payload.Price.String())
		if err != nil {
			return domain.InventoryItem{}, fmt.Errorf("%w: decode inventory price: %v", domain.ErrInventoryUnavailable, err)
		}
		price = parsed
	}

	// склад может не вернуть id, тогда берём запрошенный
	id := payload.ID
	if id == 0 {
		id = itemID
	}

	return domain.InventoryItem{
		ID:          id,
		Name:        payload.Name,
		Stock:       payload.Stock,
		Price:       price,
		Description: payload.Description,
	}, nil
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, domain.ErrInventoryUpdateRejected):
		return metrics.ResultRejected
	case errors.Is(err, domain.ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, domain.ErrInventoryUnavailable):
		return metrics.ResultUnavailable
	default:
		return metrics.ResultError
	}
}
