// Package domain defines the core interfaces and types for Fieldgate.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for gateway persistence.
// All tenant data methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Tenant registry
	SaveTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	ListActiveTenants(ctx context.Context) ([]*Tenant, error)

	// Datasources
	SaveDataSource(ctx context.Context, tenantID string, ds *DataSource) error
	GetDataSource(ctx context.Context, tenantID string, id string) (*DataSource, error)
	GetDataSourceByName(ctx context.Context, tenantID string, name string) (*DataSource, error)
	ListDataSources(ctx context.Context, tenantID string) ([]*DataSource, error)

	// Tags
	CreateTag(ctx context.Context, tenantID string, tag *Tag) error
	GetTag(ctx context.Context, tenantID string, tagID string) (*Tag, error)
	GetTagByName(ctx context.Context, tenantID string, dataSourceID string, name string) (*Tag, error)
	GetTagByConnectionString(ctx context.Context, tenantID string, dataSourceID string, connectionString string) (*Tag, error)

	// Polling tasks
	UpsertPollingTask(ctx context.Context, tenantID string, task *PollingTask) error
	UpdatePollingTimestamps(ctx context.Context, tenantID string, taskID string, lastPolled, nextPolled time.Time) error
	DeactivatePollingTasks(ctx context.Context, tenantID string, tagID string) (int64, error)
	ListActivePollingTasks(ctx context.Context, tenantID string) ([]*PollingTask, error)

	// Subscription tasks
	UpsertSubscriptionTask(ctx context.Context, tenantID string, task *SubscriptionTask) error
	DeactivateSubscriptionTask(ctx context.Context, tenantID string, tagID string) error
	ListActiveSubscriptionTasks(ctx context.Context, tenantID string) ([]*SubscriptionTask, error)

	// Readings
	SaveReading(ctx context.Context, tenantID string, reading *Reading) error
	ListReadings(ctx context.Context, tenantID string, tagID string, since time.Time, limit int) ([]*Reading, error)

	// Alerting
	SaveAlertRule(ctx context.Context, tenantID string, rule *AlertRule) error
	ListAlertRules(ctx context.Context, tenantID string) ([]*AlertRule, error)
	SaveAlert(ctx context.Context, tenantID string, alert *Alert) error
	ListAlerts(ctx context.Context, tenantID string, since time.Time) ([]*Alert, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
