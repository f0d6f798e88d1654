package domain

import (
	"strings"
	"time"
)

// SourceType identifies the protocol family of a datasource.
type SourceType string

const (
	SourceOpcUa    SourceType = "opcua"
	SourceDatabase SourceType = "database"
	SourceModbus   SourceType = "modbus"
)

// NormalizeSourceType maps the stored type string and its aliases onto a
// SourceType. Unknown types are returned unchanged so the caller can report them.
func NormalizeSourceType(raw string) SourceType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "opcua", "opc-ua", "opc_ua":
		return SourceOpcUa
	case "database", "postgresql", "postgres", "mysql", "sqlite":
		return SourceDatabase
	case "modbus", "modbus-tcp", "modbus_tcp":
		return SourceModbus
	}
	return SourceType(strings.ToLower(strings.TrimSpace(raw)))
}

// DataSource is a configured connection target scoped to a tenant.
// ConnectionConfig is opaque to storage and parsed by the datasource pool.
type DataSource struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenantId"`
	Name             string         `json:"name"`
	Type             string         `json:"type"`
	ConnectionConfig map[string]any `json:"connectionConfig"`
	IsActive         bool           `json:"isActive"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Tenant is an isolated site context (a plant) with its own schedule.
type Tenant struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	DefaultDataSourceID string    `json:"defaultDataSourceId"`
	IsActive            bool      `json:"isActive"`
	CreatedAt           time.Time `json:"createdAt"`
}

// DataValue is a single value read from, or pushed by, a datasource.
type DataValue struct {
	Value           any       `json:"value"`
	SourceTimestamp time.Time `json:"sourceTimestamp"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
	Quality         string    `json:"quality"`
}

// Timestamp returns the best available timestamp: server, then source.
// The zero time means neither was reported.
func (v *DataValue) Timestamp() time.Time {
	if !v.ServerTimestamp.IsZero() {
		return v.ServerTimestamp
	}
	return v.SourceTimestamp
}

// Quality strings used for readings and batch results.
const (
	QualityGood = "Good"
	QualityBad  = "BAD"
)
