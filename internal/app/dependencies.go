package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordersvc/internal/health"
	"github.com/vladislavdragonenkov/ordersvc/internal/inventory"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/postgres"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/redisstore"
)

// runtimeDeps — хранилища и их проверки здоровья.
type runtimeDeps struct {
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	storageChecker     healthcheck.Checker
	idempotencyChecker healthcheck.Checker

	closers []func() error
}

// closeFn закрывает соединения в обратном порядке открытия.
func (d *runtimeDeps) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище заказов и idempotency-ключей по конфигурации.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDeps, error) {
	deps := &runtimeDeps{}

	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		deps.repo = memory.NewOrderRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		deps.storageChecker = healthcheck.NewPingChecker("storage", func(context.Context) error { return nil })
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = deps.closeFn()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres migrations applied")
		} else if pending, err := store.PendingMigrations(ctx); err == nil && len(pending) > 0 {
			logger.WithField("pending", pending).Warn("postgres schema has pending migrations")
		}

		deps.repo = postgres.NewOrderRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.storageChecker = healthcheck.NewPingChecker("storage", store.Ping)
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.IdempotencyDriver {
	case "", IdempotencyDriverStorage:
	case IdempotencyDriverNone:
		deps.idempotencyRepo = nil
	case IdempotencyDriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deps.closers = append(deps.closers, client.Close)
		repo := redisstore.NewIdempotencyRepository(client, "")
		if err := repo.Ping(ctx); err != nil {
			_ = deps.closeFn()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		deps.idempotencyRepo = repo
		deps.idempotencyChecker = healthcheck.NewPingChecker("idempotency", repo.Ping)
		logger.WithField("addr", cfg.RedisAddr).Info("using redis idempotency storage")
	default:
		_ = deps.closeFn()
		return nil, fmt.Errorf("unsupported idempotency driver %q", cfg.IdempotencyDriver)
	}

	return deps, nil
}

// newInventoryRegistry строит маршрутизацию по складам: HTTP-клиент под circuit breaker.
func newInventoryRegistry(cfg Config, m *metrics.OrderMetrics, logger *log.Entry) (*inventory.Registry, error) {
	factory := func(endpoint domain.InventoryEndpoint) (domain.InventoryClient, error) {
		client, err := inventory.NewHTTPClient(endpoint,
			inventory.WithTimeout(cfg.InventoryTimeout),
			inventory.WithMetrics(m),
			inventory.WithLogger(logger.WithField("component", "inventory-client")),
		)
		if err != nil {
			return nil, err
		}
		if cfg.BreakerFailures == 0 {
			return client, nil
		}
		m.SetBreakerState(endpoint.Name, int(inventory.CircuitClosed))
		return inventory.NewBreakerClient(endpoint.Name, client, cfg.BreakerFailures, cfg.BreakerReset,
			inventory.WithBreakerLogger(logger.WithField("component", "circuit-breaker")),
			inventory.WithStateHook(func(name string, state inventory.CircuitState) {
				m.SetBreakerState(name, int(state))
			}),
		), nil
	}

	registry, err := inventory.NewRegistry(cfg.InventoryEndpoints, factory)
	if err != nil {
		return nil, fmt.Errorf("inventory registry: %w", err)
	}
	for _, endpoint := range registry.Endpoints() {
		logger.WithFields(log.Fields{
			"endpoint": endpoint.Name,
			"key":      endpoint.Key,
			"address":  endpoint.BaseURL,
		}).Info("inventory endpoint configured")
	}
	return registry, nil
}

// breakerChecker оценивает склады по состоянию их circuit breaker.
func breakerChecker(registry *inventory.Registry) healthcheck.Checker {
	return healthcheck.NewBreakerChecker("inventory", func() map[string]string {
		states := registry.BreakerStates()
		result := make(map[string]string, len(states))
		for name, state := range states {
			result[name] = state.String()
		}
		return result
	})
}
