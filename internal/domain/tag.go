package domain

import "time"

// Tag is the durable identity of a node within a tenant's datasource.
// ConnectionString always satisfies ValidNodeID.
type Tag struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenantId"`
	DataSourceID     string    `json:"dataSourceId"`
	Name             string    `json:"name"`
	ConnectionString string    `json:"connectionString"`
	Description      string    `json:"description"`
	UnitOfMeasure    string    `json:"unitOfMeasure"`
	IsActive         bool      `json:"isActive"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PollingTask is a persisted periodic read job, unique per (tag, interval).
type PollingTask struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	TagID           string     `json:"tagId"`
	IntervalSeconds int        `json:"intervalSeconds"`
	IsActive        bool       `json:"isActive"`
	LastPolled      *time.Time `json:"lastPolled,omitempty"`
	NextPolled      *time.Time `json:"nextPolled,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	// Tag is populated by list queries that join the tag row.
	Tag *Tag `json:"tag,omitempty"`
}

// SubscriptionTask mirrors an in-memory subscription handle, one per (tenant, tag).
type SubscriptionTask struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	TagID       string    `json:"tagId"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`

	Tag *Tag `json:"tag,omitempty"`
}
