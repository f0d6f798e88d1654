package domain

import "time"

// Config holds the complete Fieldgate configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Orchestration
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Connection   ConnectionConfig   `yaml:"connection"`
	Polling      PollingConfig      `yaml:"polling"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Alerting     AlertingConfig     `yaml:"alerting"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// SupervisorConfig holds background task defaults.
type SupervisorConfig struct {
	MaxRestarts   int           `yaml:"maxRestarts"`
	RestartDelay  time.Duration `yaml:"restartDelay"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// ConnectionConfig holds the default datasource connection policy.
// Per-datasource connection_config values override these.
type ConnectionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	CheckInterval time.Duration `yaml:"checkInterval"`

	// MaxLeases bounds concurrent borrowers of one pooled connection. The
	// default of 1 makes every borrow exclusive.
	MaxLeases int64 `yaml:"maxLeases"`

	// ConfigCacheTTL is how long raw datasource rows stay in the shared
	// cache. Zero keeps them until invalidated.
	ConfigCacheTTL time.Duration `yaml:"configCacheTtl"`
}

// PollingConfig holds polling scheduler settings.
type PollingConfig struct {
	ErrorLogWindow  time.Duration `yaml:"errorLogWindow"`
	RestoreAttempts int           `yaml:"restoreAttempts"`
	RestoreBackoff  time.Duration `yaml:"restoreBackoff"`
}

// SubscriptionConfig holds subscription manager settings.
type SubscriptionConfig struct {
	PublishInterval time.Duration `yaml:"publishInterval"`
	ErrorLogWindow  time.Duration `yaml:"errorLogWindow"`
	RestoreAttempts int           `yaml:"restoreAttempts"`
	RestoreBackoff  time.Duration `yaml:"restoreBackoff"`
}

// AlertingConfig holds alert rule engine settings.
type AlertingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the single-node configuration: SQLite, in-memory
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fieldgate.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:   3,
			RestartDelay:  5 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Connection: ConnectionConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RetryDelay:    5 * time.Second,
			CheckInterval: 10 * time.Second,
			MaxLeases:     1,
		},
		Polling: PollingConfig{
			ErrorLogWindow:  60 * time.Second,
			RestoreAttempts: 5,
			RestoreBackoff:  2 * time.Second,
		},
		Subscription: SubscriptionConfig{
			PublishInterval: 500 * time.Millisecond,
			ErrorLogWindow:  60 * time.Second,
			RestoreAttempts: 5,
			RestoreBackoff:  2 * time.Second,
		},
		Alerting: AlertingConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fieldgate",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
