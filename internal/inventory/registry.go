package inventory

import (
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// ClientFactory создаёт клиента для одного склада.
type ClientFactory func(endpoint domain.InventoryEndpoint) (domain.InventoryClient, error)

// Route связывает настроенный склад с его клиентом.
type Route struct {
	Endpoint domain.InventoryEndpoint
	Client   domain.InventoryClient
}

// Registry маршрутизирует имя товара на склад по подстроке ключа.
// Собирается один раз при старте и дальше только читается.
type Registry struct {
	routes []Route
}

var _ domain.InventoryResolver = (*Registry)(nil)

// NewRegistry строит реестр в порядке конфигурации. Пустые и повторяющиеся ключи — ошибка старта.
func NewRegistry(endpoints []domain.InventoryEndpoint, factory ClientFactory) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("inventory registry: client factory is required")
	}

	routes := make([]Route, 0, len(endpoints))
	seen := make(map[string]string, len(endpoints))
	for _, endpoint := range endpoints {
		if endpoint.Key == "" || endpoint.BaseURL == "" {
			return nil, fmt.Errorf("inventory registry: endpoint %q has empty key or address", endpoint.Name)
		}
		if owner, ok := seen[endpoint.Key]; ok {
			return nil, fmt.Errorf("inventory registry: key %q of endpoint %q already used by %q", endpoint.Key, endpoint.Name, owner)
		}
		seen[endpoint.Key] = endpoint.Name

		client, err := factory(endpoint)
		if err != nil {
			return nil, fmt.Errorf("inventory registry: build client for %q: %w", endpoint.Name, err)
		}
		routes = append(routes, Route{Endpoint: endpoint, Client: client})
	}

	return &Registry{routes: routes}, nil
}

// Resolve возвращает клиента первого склада, чей ключ входит в имя товара.
func (r *Registry) Resolve(itemName string) (domain.InventoryClient, error) {
	route, err := r.ResolveRoute(itemName)
	if err != nil {
		return nil, err
	}
	return route.Client, nil
}

// ResolveRoute аналогичен Resolve, но возвращает и описание склада.
func (r *Registry) ResolveRoute(itemName string) (Route, error) {
	if itemName == "" {
		return Route{}, domain.ErrInventoryEndpointNotFound
	}
	for _, route := range r.routes {
		if strings.Contains(itemName, route.Endpoint.Key) {
			return route, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %q", domain.ErrInventoryEndpointNotFound, itemName)
}

// Endpoints возвращает копию списка складов в порядке конфигурации.
func (r *Registry) Endpoints() []domain.InventoryEndpoint {
	endpoints := make([]domain.InventoryEndpoint, 0, len(r.routes))
	for _, route := range r.routes {
		endpoints = append(endpoints, route.Endpoint)
	}
	return endpoints
}

// Routes возвращает копию маршрутов (для health-check и диагностики).
func (r *Registry) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// BreakerStates возвращает состояние circuit breaker по имени склада.
// Склады без breaker считаются закрытыми.
func (r *Registry) BreakerStates() map[string]CircuitState {
	states := make(map[string]CircuitState, len(r.routes))
	for _, route := range r.routes {
		state := CircuitClosed
		if breaker, ok := route.Client.(*BreakerClient); ok {
			state = breaker.State()
		}
		states[route.Endpoint.Name] = state
	}
	return states
}
