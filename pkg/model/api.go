package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// JobSubmission is the request body for submitting a partitioned job.
type JobSubmission struct {
	Name             string      `json:"name" yaml:"name"`
	Restartable      bool        `json:"restartable" yaml:"restartable"`
	Consolidated     bool        `json:"consolidated" yaml:"consolidated"`
	TerminateOnError bool        `json:"terminate_on_error" yaml:"terminate_on_error"`
	Partitions       []*WorkItem `json:"partitions" yaml:"partitions"`
}

// PoolStatus describes one per-type thread pool on a host.
type PoolStatus struct {
	Type       string `json:"type"`
	MaxThreads int    `json:"max_threads"`
	MaxQueue   int    `json:"max_queue"`
	Running    int    `json:"running"`
	Queued     int    `json:"queued"`
}

// SchedulerStatus is the admin view of one host's scheduler.
type SchedulerStatus struct {
	Host       string       `json:"host"`
	Suspended  bool         `json:"suspended"`
	Running    int          `json:"running"`
	MaxThreads int          `json:"max_threads"`
	Cycles     uint64       `json:"cycles"`
	LastCycle  *time.Time   `json:"last_cycle,omitempty"`
	Pools      []PoolStatus `json:"pools"`
}
