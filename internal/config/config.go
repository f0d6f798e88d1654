// Package config loads the gateway configuration: defaults, then an
// optional YAML file, then .env and FIELDGATE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDGATE_"

// Load builds the configuration. path may be empty to skip the YAML file.
// A .env file in the working directory is applied when present; variables
// already set in the environment win over it.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := domain.DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document keeps the defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.WrapError(domain.KindValidation, "parse config", err)
	}
	return cfg, nil
}

type override struct {
	name  string
	apply func(cfg *domain.Config, v string) error
}

func str(set func(*domain.Config, string)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		set(cfg, v)
		return nil
	}
}

func integer(set func(*domain.Config, int)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func boolean(set func(*domain.Config, bool)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		set(cfg, b)
		return nil
	}
}

func duration(set func(*domain.Config, time.Duration)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

func list(set func(*domain.Config, []string)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		set(cfg, out)
		return nil
	}
}

var overrides = []override{
	{"HOST", str(func(c *domain.Config, v string) { c.Server.Host = v })},
	{"PORT", integer(func(c *domain.Config, v int) { c.Server.Port = v })},

	{"DB_DRIVER", str(func(c *domain.Config, v string) { c.Repository.Driver = v })},
	{"SQLITE_PATH", str(func(c *domain.Config, v string) { c.Repository.SQLitePath = v })},
	{"POSTGRES_HOST", str(func(c *domain.Config, v string) { c.Repository.PostgresHost = v })},
	{"POSTGRES_PORT", integer(func(c *domain.Config, v int) { c.Repository.PostgresPort = v })},
	{"POSTGRES_USER", str(func(c *domain.Config, v string) { c.Repository.PostgresUser = v })},
	{"POSTGRES_PASSWORD", str(func(c *domain.Config, v string) { c.Repository.PostgresPassword = v })},
	{"POSTGRES_DB", str(func(c *domain.Config, v string) { c.Repository.PostgresDB = v })},
	{"POSTGRES_SSLMODE", str(func(c *domain.Config, v string) { c.Repository.PostgresSSLMode = v })},

	{"CACHE_TYPE", str(func(c *domain.Config, v string) { c.Cache.Type = v })},
	{"REDIS_ADDR", str(func(c *domain.Config, v string) { c.Cache.RedisAddr = v })},
	{"REDIS_PASSWORD", str(func(c *domain.Config, v string) { c.Cache.RedisPassword = v })},
	{"REDIS_DB", integer(func(c *domain.Config, v int) { c.Cache.RedisDB = v })},
	{"CACHE_TWO_PHASE", boolean(func(c *domain.Config, v bool) { c.Cache.EnableTwoPhase = v })},

	{"EVENTBUS_TYPE", str(func(c *domain.Config, v string) { c.EventBus.Type = v })},
	{"NATS_URL", str(func(c *domain.Config, v string) { c.EventBus.NATSUrl = v })},
	{"NATS_TOKEN", str(func(c *domain.Config, v string) { c.EventBus.NATSToken = v })},
	{"KAFKA_BROKERS", list(func(c *domain.Config, v []string) { c.EventBus.KafkaBrokers = v })},
	{"KAFKA_TOPIC_PREFIX", str(func(c *domain.Config, v string) { c.EventBus.KafkaTopicPrefix = v })},
	{"MQTT_BROKER", str(func(c *domain.Config, v string) { c.EventBus.MQTTBroker = v })},
	{"MQTT_USERNAME", str(func(c *domain.Config, v string) { c.EventBus.MQTTUsername = v })},
	{"MQTT_PASSWORD", str(func(c *domain.Config, v string) { c.EventBus.MQTTPassword = v })},
	{"MQTT_TOPIC_PREFIX", str(func(c *domain.Config, v string) { c.EventBus.MQTTTopicPrefix = v })},

	{"CONNECTION_TIMEOUT", duration(func(c *domain.Config, v time.Duration) { c.Connection.Timeout = v })},
	{"CONNECTION_MAX_RETRIES", integer(func(c *domain.Config, v int) { c.Connection.MaxRetries = v })},
	{"CONNECTION_RETRY_DELAY", duration(func(c *domain.Config, v time.Duration) { c.Connection.RetryDelay = v })},
	{"CONNECTION_CHECK_INTERVAL", duration(func(c *domain.Config, v time.Duration) { c.Connection.CheckInterval = v })},

	{"ALERTING_ENABLED", boolean(func(c *domain.Config, v bool) { c.Alerting.Enabled = v })},
	{"LOG_LEVEL", str(func(c *domain.Config, v string) { c.Logging.Level = v })},
	{"LOG_FORMAT", str(func(c *domain.Config, v string) { c.Logging.Format = v })},
	{"TRACING_ENABLED", boolean(func(c *domain.Config, v bool) { c.Tracing.Enabled = v })},
	{"METRICS_ENABLED", boolean(func(c *domain.Config, v bool) { c.Metrics.Enabled = v })},
}

// ApplyEnv applies FIELDGATE_* overrides read through getenv. Empty values
// are ignored. FIELDGATE_DEBUG=true forces debug logging.
func ApplyEnv(cfg *domain.Config, getenv func(string) string) error {
	for _, o := range overrides {
		v := getenv(EnvPrefix + o.name)
		if v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return domain.NewError(domain.KindValidation, "config", "invalid environment override").
				With("variable", EnvPrefix+o.name).
				With("error", err.Error())
		}
	}
	if getenv(EnvPrefix+"DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// Validate checks cross-field constraints. The first problem is reported
// with the offending field in the error details.
func Validate(cfg *domain.Config) error {
	invalid := func(field, msg string) error {
		return domain.NewError(domain.KindValidation, "config", msg).With("field", field)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return invalid("server.port", "port must be in [1, 65535]")
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			return invalid("repository.sqlitePath", "sqlite path is required")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			return invalid("repository.postgresHost", "postgres host and database are required")
		}
	default:
		return invalid("repository.driver", "driver must be sqlite or postgres")
	}

	switch cfg.Cache.Type {
	case "", "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return invalid("cache.redisAddr", "redis address is required")
		}
	default:
		return invalid("cache.type", "cache type must be memory or redis")
	}

	switch cfg.EventBus.Type {
	case "", "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			return invalid("eventBus.natsUrl", "nats url is required")
		}
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			return invalid("eventBus.kafkaBrokers", "at least one kafka broker is required")
		}
	case "mqtt":
		if cfg.EventBus.MQTTBroker == "" {
			return invalid("eventBus.mqttBroker", "mqtt broker is required")
		}
		if cfg.EventBus.MQTTQoS > 2 {
			return invalid("eventBus.mqttQos", "mqtt qos must be 0, 1 or 2")
		}
	default:
		return invalid("eventBus.type", "event bus type must be channel, nats, kafka or mqtt")
	}

	if cfg.Connection.Timeout <= 0 {
		return invalid("connection.timeout", "connection timeout must be positive")
	}
	if cfg.Connection.MaxRetries < 1 {
		return invalid("connection.maxRetries", "at least one connection attempt is required")
	}
	if cfg.Connection.RetryDelay < 0 {
		return invalid("connection.retryDelay", "retry delay must not be negative")
	}
	if cfg.Connection.CheckInterval <= 0 {
		return invalid("connection.checkInterval", "check interval must be positive")
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		return invalid("supervisor.maxRestarts", "max restarts must not be negative")
	}
	if cfg.Polling.RestoreAttempts < 1 {
		return invalid("polling.restoreAttempts", "at least one restore attempt is required")
	}
	if cfg.Subscription.PublishInterval <= 0 {
		return invalid("subscription.publishInterval", "publish interval must be positive")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level", "level must be debug, info, warn or error")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return invalid("logging.format", "format must be json or text")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return invalid("metrics.path", "metrics path must start with /")
	}
	return nil
}
