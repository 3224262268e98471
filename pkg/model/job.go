package model

import (
	"fmt"
	"time"
)

// MessageLevel classifies messages attached to items and results.
type MessageLevel string

const (
	MessageInfo  MessageLevel = "info"
	MessageWarn  MessageLevel = "warn"
	MessageError MessageLevel = "error"
)

// Message is an operator-facing note attached to a WorkItem or PartitionResult.
type Message struct {
	Level MessageLevel `json:"level"`
	Text  string       `json:"text"`
}

// Job is the aggregate completion record shared by every WorkItem of one
// logical partitioned task.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Restartable bool `json:"restartable"`
	// Consolidated jobs keep every partition under the root lock. Otherwise
	// partitions are upserted row by row and only completion checks lock
	// the root.
	Consolidated     bool `json:"consolidated"`
	TerminateOnError bool `json:"terminate_on_error"`

	Status       CompletionStatus `json:"status"`
	Progress     string           `json:"progress,omitempty"`
	RestartCount int              `json:"restart_count"`
	Messages     []Message        `json:"messages,omitempty"`

	LaunchedAt  *time.Time `json:"launched_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// FinalizingAt is the lease taken by the host running the finalizer.
	// FinalizedAt is set once the finalizer returned without error.
	FinalizingAt *time.Time `json:"finalizing_at,omitempty"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	Partitions map[string]*PartitionResult `json:"partitions,omitempty"`
}

// PartitionResult is the per-WorkItem slice of a Job's state.
type PartitionResult struct {
	Name        string           `json:"name"`
	Host        string           `json:"host,omitempty"`
	Status      CompletionStatus `json:"status"`
	LaunchedAt  *time.Time       `json:"launched_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Messages    []Message        `json:"messages,omitempty"`
	Stats       map[string]any   `json:"stats,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Partition returns the named partition, bootstrapping a placeholder when
// it does not exist yet.
func (j *Job) Partition(name string) *PartitionResult {
	if j.Partitions == nil {
		j.Partitions = make(map[string]*PartitionResult)
	}
	p, ok := j.Partitions[name]
	if !ok {
		p = &PartitionResult{Name: name}
		j.Partitions[name] = p
	}
	return p
}

// CompletedCount returns how many partitions carry a completion date and
// the total number of partitions.
func (j *Job) CompletedCount() (done, total int) {
	for _, p := range j.Partitions {
		if p.CompletedAt != nil {
			done++
		}
	}
	return done, len(j.Partitions)
}

// IsComplete reports whether every partition has a completion date.
// A job with no partitions is not complete.
func (j *Job) IsComplete() bool {
	done, total := j.CompletedCount()
	return total > 0 && done == total
}

// DeriveStatus computes the job status from its partitions. It returns
// StatusPending while any partition is incomplete.
func (j *Job) DeriveStatus() CompletionStatus {
	if !j.IsComplete() {
		return StatusPending
	}
	status := StatusSuccess
	for _, p := range j.Partitions {
		status = status.Worse(p.Status)
	}
	return status
}

// ProgressString renders the human-readable progress line.
func (j *Job) ProgressString() string {
	done, total := j.CompletedCount()
	return fmt.Sprintf("completed %d of %d partitions", done, total)
}

// Failed reports whether the partition ended in Error or Terminated.
func (p *PartitionResult) Failed() bool {
	return p.CompletedAt != nil && p.Status.IsFailure()
}

// Reset returns the partition to its pending placeholder state.
func (p *PartitionResult) Reset() {
	p.Status = StatusPending
	p.LaunchedAt = nil
	p.CompletedAt = nil
	p.Host = ""
	p.Messages = nil
	p.Stats = nil
}
