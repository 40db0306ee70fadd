package app

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/inventory"
	"github.com/vladislavdragonenkov/ordersvc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/idempotency"
)

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	// IdempotencyDriverStorage хранит ключи там же, где заказы.
	IdempotencyDriverStorage = "storage"
	IdempotencyDriverRedis   = "redis"
	IdempotencyDriverNone    = "none"
)

// inventoryEnvPrefix — префикс переменных вида OMS_INVENTORY_<ID>=key,address.
const inventoryEnvPrefix = "OMS_INVENTORY_"

// Суффиксы OMS_INVENTORY_*, занятые настройками, а не складами.
var reservedInventorySuffixes = map[string]bool{
	"TIMEOUT":          true,
	"MAX_PARALLEL":     true,
	"BREAKER_FAILURES": true,
	"BREAKER_RESET":    true,
}

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	IdempotencyDriver           string
	RedisAddr                   string
	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaTopic    string
	KafkaDLQTopic string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// InventoryEndpoints — склады в порядке конфигурации; первый подходящий ключ выигрывает.
	InventoryEndpoints   []domain.InventoryEndpoint
	InventoryTimeout     time.Duration
	InventoryMaxParallel int
	BreakerFailures      int
	BreakerReset         time.Duration
	CompensateOnFailure  bool
	ShutdownTimeout      time.Duration
}

// DefaultConfig возвращает базовые адреса и параметры.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver: StorageDriverMemory,

		IdempotencyDriver:           IdempotencyDriverStorage,
		IdempotencyTTL:              idempotency.DefaultTTL,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		KafkaClientID: "ordersvc",
		KafkaTopic:    kafka.TopicOrderEvents,
		KafkaDLQTopic: kafka.TopicDeadLetterQueue,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		InventoryTimeout:     inventory.DefaultTimeout,
		InventoryMaxParallel: 1,
		BreakerFailures:      5,
		BreakerReset:         30 * time.Second,
		CompensateOnFailure:  true,
		ShutdownTimeout:      5 * time.Second,
	}
}

// fileConfig — формат YAML-файла конфигурации.
type fileConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	Storage     struct {
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		AutoMigrate *bool  `yaml:"auto_migrate"`
	} `yaml:"storage"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	External struct {
		// Inventory читается как узел, чтобы сохранить порядок ключей.
		Inventory yaml.Node `yaml:"inventory"`
	} `yaml:"external"`
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл path (если задан),
// затем переменные окружения environ в формате KEY=VALUE.
func LoadConfig(path string, environ []string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(envMap(environ)); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.GRPCAddr, fc.GRPCAddr)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.StorageDriver, fc.Storage.Driver)
	setString(&c.PostgresDSN, fc.Storage.PostgresDSN)
	if fc.Storage.AutoMigrate != nil {
		c.PostgresAutoMigrate = *fc.Storage.AutoMigrate
	}
	if len(fc.Kafka.Brokers) > 0 {
		c.KafkaBrokers = fc.Kafka.Brokers
	}
	setString(&c.KafkaTopic, fc.Kafka.Topic)

	node := fc.External.Inventory
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return errors.New("external.inventory must be a mapping of id -> \"key,address\"")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		endpoint, err := inventory.ParseEndpoint(name, node.Content[i+1].Value)
		if err != nil {
			return err
		}
		c.upsertEndpoint(endpoint)
	}
	return nil
}

func (c *Config) applyEnv(env map[string]string) error {
	setString(&c.HTTPAddr, env["OMS_HTTP_ADDR"])
	setString(&c.GRPCAddr, env["OMS_GRPC_ADDR"])
	setString(&c.MetricsAddr, env["OMS_METRICS_ADDR"])
	setString(&c.LogLevel, env["OMS_LOG_LEVEL"])
	setString(&c.StorageDriver, env["OMS_STORAGE_DRIVER"])
	setString(&c.PostgresDSN, env["OMS_POSTGRES_DSN"])
	setString(&c.IdempotencyDriver, env["OMS_IDEMPOTENCY_DRIVER"])
	setString(&c.RedisAddr, env["OMS_REDIS_ADDR"])
	setString(&c.KafkaClientID, env["KAFKA_CLIENT_ID"])
	setString(&c.KafkaTopic, env["OMS_KAFKA_TOPIC"])
	setString(&c.KafkaDLQTopic, env["OMS_KAFKA_DLQ_TOPIC"])
	if brokers := splitList(env["KAFKA_BROKERS"]); len(brokers) > 0 {
		c.KafkaBrokers = brokers
	}

	var errs []error
	errs = append(errs,
		parseBool(env, "OMS_POSTGRES_AUTO_MIGRATE", &c.PostgresAutoMigrate),
		parseBool(env, "OMS_COMPENSATE_ON_FAILURE", &c.CompensateOnFailure),
		parseDuration(env, "OMS_IDEMPOTENCY_TTL", &c.IdempotencyTTL),
		parseDuration(env, "OMS_IDEMPOTENCY_CLEANUP_INTERVAL", &c.IdempotencyCleanupInterval),
		parseInt(env, "OMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE", &c.IdempotencyCleanupBatchSize),
		parseDuration(env, "OMS_OUTBOX_POLL_INTERVAL", &c.OutboxPollInterval),
		parseInt(env, "OMS_OUTBOX_BATCH_SIZE", &c.OutboxBatchSize),
		parseInt(env, "OMS_OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts),
		parseDuration(env, "OMS_OUTBOX_RETRY_DELAY", &c.OutboxRetryDelay),
		parseDuration(env, "OMS_INVENTORY_TIMEOUT", &c.InventoryTimeout),
		parseInt(env, "OMS_INVENTORY_MAX_PARALLEL", &c.InventoryMaxParallel),
		parseInt(env, "OMS_INVENTORY_BREAKER_FAILURES", &c.BreakerFailures),
		parseDuration(env, "OMS_INVENTORY_BREAKER_RESET", &c.BreakerReset),
		parseDuration(env, "OMS_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout),
	)

	// склады из окружения добавляются в порядке сортировки идентификаторов
	var ids []string
	for key := range env {
		suffix, ok := strings.CutPrefix(key, inventoryEnvPrefix)
		if !ok || suffix == "" || reservedInventorySuffixes[suffix] {
			continue
		}
		ids = append(ids, suffix)
	}
	sort.Strings(ids)
	for _, id := range ids {
		endpoint, err := inventory.ParseEndpoint(strings.ToLower(id), env[inventoryEnvPrefix+id])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.upsertEndpoint(endpoint)
	}

	return errors.Join(errs...)
}

// upsertEndpoint заменяет склад с тем же именем на месте или добавляет в конец.
func (c *Config) upsertEndpoint(endpoint domain.InventoryEndpoint) {
	for i, existing := range c.InventoryEndpoints {
		if existing.Name == endpoint.Name {
			c.InventoryEndpoints[i] = endpoint
			return
		}
	}
	c.InventoryEndpoints = append(c.InventoryEndpoints, endpoint)
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" || c.GRPCAddr == "" || c.MetricsAddr == "" {
		errs = append(errs, errors.New("http, grpc and metrics addresses must be set"))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.IdempotencyDriver {
	case IdempotencyDriverStorage, IdempotencyDriverNone:
	case IdempotencyDriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required for redis idempotency driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported idempotency driver %q", c.IdempotencyDriver))
	}

	if c.InventoryTimeout <= 0 {
		errs = append(errs, errors.New("inventory timeout must be positive"))
	}
	if c.InventoryMaxParallel < 1 {
		errs = append(errs, errors.New("inventory max parallel calls must be >= 1"))
	}
	if c.BreakerFailures < 0 || c.BreakerReset < 0 {
		errs = append(errs, errors.New("breaker settings must be non-negative"))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 || c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox batch size, max attempts and poll interval must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.IdempotencyCleanupInterval <= 0 || c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency cleanup interval and batch size must be positive"))
	}

	seen := make(map[string]bool, len(c.InventoryEndpoints))
	for _, endpoint := range c.InventoryEndpoints {
		if seen[endpoint.Key] {
			errs = append(errs, fmt.Errorf("duplicate inventory key %q", endpoint.Key))
		}
		seen[endpoint.Key] = true
	}

	return errors.Join(errs...)
}

func envMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[key] = strings.TrimSpace(value)
	}
	return env
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func splitList(raw string) []string {
	var result []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func parseBool(env map[string]string, key string, dst *bool) error {
	raw, ok := env[key]
	if !ok || raw == "" {
		return nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}

func parseInt(env map[string]string, key string, dst *int) error {
	raw, ok := env[key]
	if !ok || raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}

func parseDuration(env map[string]string, key string, dst *time.Duration) error {
	raw, ok := env[key]
	if !ok || raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}
