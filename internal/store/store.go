package store

import (
	"context"
	"errors"
	"time"

	"github.com/me/gowq/pkg/model"
)

var (
	// ErrNotFound is returned when a WorkItem or Job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when a conditional claim matched no row
	// because another host or thread claimed (or completed) the item first.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrNotRestartable is returned when restarting a job without the
	// restartable flag.
	ErrNotRestartable = errors.New("job is not restartable")
)

// ReadyQuery selects launchable candidates.
type ReadyQuery struct {
	Now time.Time
	// Host restricts candidates to items pinned to Host or unpinned.
	// Empty means any host.
	Host  string
	Limit int
	// After resumes a paged read past the (created_at, id) of the last
	// candidate of the previous page.
	After *model.Candidate
}

// Store defines the Work Item Store contract.
type Store interface {
	// WorkItem CRUD
	CreateWorkItem(ctx context.Context, w *model.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error)
	UpdateWorkItem(ctx context.Context, w *model.WorkItem) error
	DeleteWorkItem(ctx context.Context, id string) error
	ListWorkItems(ctx context.Context, f model.WorkItemFilter) ([]*model.WorkItem, error)

	// Scheduling
	ReadyWorkItems(ctx context.Context, q ReadyQuery) ([]model.Candidate, error)
	ClaimWorkItem(ctx context.Context, id, host string, now time.Time) error
	UnclaimWorkItem(ctx context.Context, id, host string) error
	SetLive(ctx context.Context, id string, live bool) error
	SaveState(ctx context.Context, id string, state map[string]any) error
	OrphanedWorkItems(ctx context.Context, host string) ([]*model.WorkItem, error)
	PhaseMembers(ctx context.Context, jobID, excludeID string, dependentPhase, phase int) ([]model.PhaseMember, error)
	TerminateUnlaunched(ctx context.Context, id string, now time.Time, msg string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.Job, items []*model.WorkItem) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpsertPartition(ctx context.Context, jobID string, p *model.PartitionResult) error
	UnfinalizedJobs(ctx context.Context, leaseBefore time.Time) ([]string, error)
	WithJobLock(ctx context.Context, jobID string, fn func(tx JobTx, job *model.Job) error) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// JobTx exposes WorkItem operations inside a WithJobLock transaction.
// Callers must not use the Store itself while holding the lock.
type JobTx interface {
	GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error)
	WorkItemsForJob(ctx context.Context, jobID string) ([]*model.WorkItem, error)
	UpdateWorkItem(ctx context.Context, w *model.WorkItem) error
	DeleteWorkItem(ctx context.Context, id string) error
}
