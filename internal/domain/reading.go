package domain

import (
	"fmt"
	"time"
)

// FrequencySubscription marks readings pushed by a subscription.
const FrequencySubscription = "sub"

// PollingFrequency returns the provenance marker for a polled reading.
func PollingFrequency(intervalSeconds int) string {
	return fmt.Sprintf("%ds", intervalSeconds)
}

// Reading is an append-only timestamped value keyed by (tag, timestamp).
type Reading struct {
	TenantID  string    `json:"tenantId"`
	TagID     string    `json:"tagId"`
	Timestamp time.Time `json:"timestamp"`
	Value     string    `json:"value"`
	Frequency string    `json:"frequency"`
	Quality   string    `json:"quality"`

	// SourceTimestamp is the device timestamp. It is logged and published
	// but the stored key is the gateway receive time.
	SourceTimestamp time.Time `json:"sourceTimestamp"`
}

// ReadingEvent is the payload published to the event sink for every reading.
type ReadingEvent struct {
	TenantID      string `json:"tenant_id"`
	TagName       string `json:"tag_name"`
	TagID         string `json:"tag_id"`
	Value         string `json:"value"`
	UnitOfMeasure string `json:"unit_of_measure"`
	Description   string `json:"description"`
	Timestamp     string `json:"timestamp"`
	Quality       string `json:"quality"`
	Frequency     string `json:"frequency"`
}

// AlertRule is a tenant-scoped CEL expression evaluated against readings.
type AlertRule struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Message    string    `json:"message"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Alert is raised when an AlertRule matches a reading.
type Alert struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	TagID     string    `json:"tagId"`
	RuleID    string    `json:"ruleId"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Value     string    `json:"value"`
}

// Event topics.
const (
	TopicReadings = "readings"
	TopicAlerts   = "alerts"
)
