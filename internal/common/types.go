package common

import (
	"time"
)

type LoadMethod string

const (
	LoadMethodLoadData LoadMethod = "load_data"
	LoadMethodInsert   LoadMethod = "insert"
	LoadMethodBatch    LoadMethod = "batch"
)

// ChunkBatch is a normalized chunk ready to be written. Rows are in
// Columns order.
type ChunkBatch struct {
	Index   int      `json:"index"`
	Offset  int64    `json:"offset"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"-"`
}

// WriteResult reports what a destination did with one chunk.
type WriteResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Method     LoadMethod    `json:"method"`
	Duration   time.Duration `json:"duration"`
}

type HealthStatus struct {
	Status               string `json:"status"`
	DestinationConnected bool   `json:"destination_connected"`
	CurrentJob           string `json:"current_job,omitempty"`
	LastError            string `json:"last_error,omitempty"`
	// Checks maps each failing health check to its error.
	Checks  map[string]string `json:"checks,omitempty"`
	Uptime  time.Duration     `json:"uptime"`
	Version string            `json:"version"`
}
