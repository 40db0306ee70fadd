package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordersvc/internal/health"
	"github.com/vladislavdragonenkov/ordersvc/internal/inventory"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "test")
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{StorageDriver: StorageDriverMemory}, testLogger())
	require.NoError(t, err)
	defer func() { _ = deps.closeFn() }()

	assert.NotNil(t, deps.repo)
	assert.NotNil(t, deps.outboxRepo)
	assert.NotNil(t, deps.timelineRepo)
	assert.NotNil(t, deps.idempotencyRepo)
	require.NotNil(t, deps.storageChecker)
	assert.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(context.Background()).Status)
	assert.Nil(t, deps.idempotencyChecker)
}

func TestInitRuntimeDependencies_IdempotencyDisabled(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver:     StorageDriverMemory,
		IdempotencyDriver: IdempotencyDriverNone,
	}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, deps.idempotencyRepo)
}

func TestInitRuntimeDependencies_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "postgres requires dsn", cfg: Config{StorageDriver: StorageDriverPostgres}},
		{name: "unsupported storage", cfg: Config{StorageDriver: "sqlite"}},
		{name: "unsupported idempotency", cfg: Config{StorageDriver: StorageDriverMemory, IdempotencyDriver: "etcd"}},
		{name: "redis unreachable", cfg: Config{StorageDriver: StorageDriverMemory, IdempotencyDriver: IdempotencyDriverRedis, RedisAddr: "127.0.0.1:1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := initRuntimeDependencies(context.Background(), tc.cfg, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestInitRuntimeDependencies_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("OMS_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("OMS_POSTGRES_TEST_DSN is not set")
	}

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver:       StorageDriverPostgres,
		PostgresDSN:         dsn,
		PostgresAutoMigrate: true,
	}, testLogger())
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.closeFn() }()

	assert.NotNil(t, deps.repo)
	assert.NotNil(t, deps.idempotencyRepo)
	assert.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(context.Background()).Status)
}

func TestNewInventoryRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InventoryEndpoints = []domain.InventoryEndpoint{
		{Name: "gizmos", Key: "gizmo", BaseURL: "http://gizmos:8081"},
		{Name: "widgets", Key: "widget", BaseURL: "http://widgets:8081"},
	}
	m := metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	registry, err := newInventoryRegistry(cfg, m, testLogger())
	require.NoError(t, err)

	client, err := registry.Resolve("gizmo-plus")
	require.NoError(t, err)
	assert.IsType(t, &inventory.BreakerClient{}, client)

	_, err = registry.Resolve("sprocket")
	assert.ErrorIs(t, err, domain.ErrInventoryEndpointNotFound)

	check := breakerChecker(registry).Check(context.Background())
	assert.Equal(t, healthcheck.StatusHealthy, check.Status)

	cfg.BreakerFailures = 0
	registry, err = newInventoryRegistry(cfg, m, testLogger())
	require.NoError(t, err)
	client, err = registry.Resolve("widget")
	require.NoError(t, err)
	assert.IsType(t, &inventory.HTTPClient{}, client)
}
