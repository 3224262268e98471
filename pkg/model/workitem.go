package model

import (
	"time"
)

// WorkItem is a single schedulable, persisted unit of work.
//
// A WorkItem references its Job by id only; the Job is the sole mutable
// aggregate and is always re-read under lock before being changed.
type WorkItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`

	// Host is the optional affinity. Empty means any host; claiming sets it
	// to the claiming host.
	Host        string     `json:"host,omitempty"`
	LaunchAfter *time.Time `json:"launch_after,omitempty"`
	LaunchedAt  *time.Time `json:"launched_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Status         CompletionStatus `json:"status"`
	Phase          int              `json:"phase"`
	DependentPhase int              `json:"dependent_phase"`

	// Hold keeps the item out of admission until released or overridden.
	Hold bool `json:"hold,omitempty"`
	Live bool `json:"live"`

	Args map[string]any `json:"args,omitempty"`

	// State is checkpoint data saved by restartable executors.
	State map[string]any `json:"state,omitempty"`

	RetryCount   int  `json:"retry_count"`
	RestartCount int  `json:"restart_count"`
	MaxRetries   *int `json:"max_retries,omitempty"`

	JobID      string     `json:"job_id,omitempty"`
	Messages   []Message  `json:"messages,omitempty"`
	Expiration *time.Time `json:"expiration,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsClaimed returns true while the item carries a launch marker but no
// completion date.
func (w *WorkItem) IsClaimed() bool {
	return w.LaunchedAt != nil && w.CompletedAt == nil
}

// IsComplete returns true once a completion date has been recorded.
func (w *WorkItem) IsComplete() bool {
	return w.CompletedAt != nil
}

// AddMessage appends a message to the item.
func (w *WorkItem) AddMessage(level MessageLevel, text string) {
	w.Messages = append(w.Messages, Message{Level: level, Text: text})
}

// Reset clears the launch and completion markers so the item becomes a
// candidate again. Host affinity is dropped unless keepHost is set.
func (w *WorkItem) Reset(keepHost bool) {
	w.LaunchedAt = nil
	w.CompletedAt = nil
	w.LaunchAfter = nil
	w.Status = StatusPending
	w.Live = false
	w.Expiration = nil
	if !keepHost {
		w.Host = ""
	}
}

// Candidate is the projected subset of WorkItem columns read by the
// scheduler loop on every cycle.
type Candidate struct {
	ID             string
	Name           string
	Type           string
	Host           string
	Phase          int
	DependentPhase int
	Hold           bool
	JobID          string
	CreatedAt      time.Time
}

// PhaseMember is the projection used by phase dependency checks.
type PhaseMember struct {
	ID          string
	Phase       int
	CompletedAt *time.Time
	Status      CompletionStatus
}

// WorkItemFilter narrows ListWorkItems.
type WorkItemFilter struct {
	JobID string
	Type  string
	Host  string
	Limit int
}
