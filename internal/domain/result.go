package domain

import "time"

// ConnectionTestResult is the outcome of a datasource liveness test.
// It is a value, never an error: a failed test has Success false.
type ConnectionTestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NodeReadResult reports the outcome of reading one node. Batched reads
// return one result per node, independent of the others.
type NodeReadResult struct {
	NodeID    string    `json:"node_id"`
	Success   bool      `json:"success"`
	Value     any       `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Quality   string    `json:"quality"`
	Error     string    `json:"error,omitempty"`
}

// QueryResult holds rows returned by a relational datasource.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}
