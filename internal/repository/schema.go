package repository

// Schema definitions for the Fieldgate database.
// Compatible with both SQLite and PostgreSQL.
// Every tenant-owned table is keyed by (id, tenant_id): ids are only unique
// within a tenant.

const schemaTenants = `
CREATE TABLE IF NOT EXISTS tenants (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    default_datasource_id TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);
`

const schemaDataSources = `
CREATE TABLE IF NOT EXISTS datasources (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    connection_config TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id),
    UNIQUE (tenant_id, name)
);

CREATE INDEX IF NOT EXISTS idx_datasources_tenant ON datasources(tenant_id);
`

const schemaTags = `
CREATE TABLE IF NOT EXISTS tags (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    data_source_id TEXT NOT NULL,
    name TEXT NOT NULL,
    connection_string TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    unit_of_measure TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id),
    UNIQUE (tenant_id, data_source_id, name)
);

CREATE INDEX IF NOT EXISTS idx_tags_connection ON tags(tenant_id, data_source_id, connection_string);
`

const schemaPollingTasks = `
CREATE TABLE IF NOT EXISTS polling_tasks (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    interval_seconds INTEGER NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    last_polled TIMESTAMP,
    next_polled TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id),
    UNIQUE (tenant_id, tag_id, interval_seconds)
);

CREATE INDEX IF NOT EXISTS idx_polling_tasks_active ON polling_tasks(tenant_id, is_active);
`

const schemaSubscriptionTasks = `
CREATE TABLE IF NOT EXISTS subscription_tasks (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    last_updated TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id),
    UNIQUE (tenant_id, tag_id)
);
`

// schemaTimeSeries holds readings. The key is (tenant, tag, timestamp);
// colliding writes are nudged forward by a microsecond.
const schemaTimeSeries = `
CREATE TABLE IF NOT EXISTS time_series (
    tenant_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    value TEXT NOT NULL,
    frequency TEXT NOT NULL,
    quality TEXT NOT NULL DEFAULT 'Good',
    PRIMARY KEY (tenant_id, tag_id, timestamp)
);
`

const schemaAlertRules = `
CREATE TABLE IF NOT EXISTS alert_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    expression TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_rules_enabled ON alert_rules(tenant_id, enabled);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    message TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTenants,
		schemaDataSources,
		schemaTags,
		schemaPollingTasks,
		schemaSubscriptionTasks,
		schemaTimeSeries,
		schemaAlertRules,
		schemaAlerts,
	}
}
