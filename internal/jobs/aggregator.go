// Package jobs maintains the aggregate completion record shared by the
// partitions of one Job.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
)

// Finalizer is invoked once per Job completion, after the completion has
// been committed. A failed call is retried by a later completion check or
// by Refinalize until it succeeds.
type Finalizer interface {
	Finalize(ctx context.Context, job *model.Job) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, job *model.Job) error

func (f FinalizerFunc) Finalize(ctx context.Context, job *model.Job) error { return f(ctx, job) }

// DefaultFinalizeLease bounds how long a host may hold a job's
// finalization before another host takes it over.
const DefaultFinalizeLease = 5 * time.Minute

// PartitionUpdate is the result one WorkItem contributes to its Job.
type PartitionUpdate struct {
	Name     string
	Host     string
	Status   model.CompletionStatus
	Messages []model.Message
	Stats    map[string]any
	At       time.Time
	// Reset returns the partition to pending before applying the rest.
	Reset bool
}

// Aggregator applies partition results under the Job lock and fires the
// finalizer.
type Aggregator struct {
	store     store.Store
	finalizer Finalizer
	lease     time.Duration
	logger    *slog.Logger
}

// NewAggregator creates an Aggregator. finalizer may be nil.
func NewAggregator(st store.Store, finalizer Finalizer, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:     st,
		finalizer: finalizer,
		lease:     DefaultFinalizeLease,
		logger:    logger.With("component", "aggregator"),
	}
}

// MarkLaunched records that the named partition started on host.
// Consolidated jobs take the root lock; other jobs write the partition
// row alone and lock the root only to set its first launch date.
func (a *Aggregator) MarkLaunched(ctx context.Context, jobID, name, host string, at time.Time) error {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if !job.Consolidated {
		p := job.Partition(name)
		p.Host = host
		p.LaunchedAt = &at
		p.UpdatedAt = at
		if err := a.store.UpsertPartition(ctx, jobID, p); err != nil {
			return fmt.Errorf("mark partition %s launched: %w", name, err)
		}
		if job.LaunchedAt != nil {
			return nil
		}
	}

	return a.store.WithJobLock(ctx, jobID, func(_ store.JobTx, j *model.Job) error {
		if j.Consolidated {
			p := j.Partition(name)
			p.Host = host
			p.LaunchedAt = &at
		}
		if j.LaunchedAt == nil {
			j.LaunchedAt = &at
		}
		return nil
	})
}

// UpdatePartition creates or replaces the named partition result.
// Temporary failures and resets leave the completion date unset.
func (a *Aggregator) UpdatePartition(ctx context.Context, jobID string, u PartitionUpdate) error {
	return a.store.WithJobLock(ctx, jobID, func(_ store.JobTx, job *model.Job) error {
		apply(job, u)
		return nil
	})
}

// SetFinalizeLease overrides DefaultFinalizeLease.
func (a *Aggregator) SetFinalizeLease(d time.Duration) { a.lease = d }

// CheckCompletion marks the job complete when every partition has a
// completion date and calls the finalizer. It reports whether this call
// performed a successful finalization. Concurrent callers are serialized by
// the finalization lease, so at most one of them sees true.
func (a *Aggregator) CheckCompletion(ctx context.Context, jobID string) (bool, error) {
	return a.Record(ctx, jobID, nil)
}

// Record applies u (if non-nil) and checks completion in one locked
// transaction. The caller that completes the job, or that finds it
// complete but not yet finalized, takes the finalization lease and runs
// the finalizer outside the lock.
func (a *Aggregator) Record(ctx context.Context, jobID string, u *PartitionUpdate) (bool, error) {
	var pending *model.Job
	err := a.store.WithJobLock(ctx, jobID, func(_ store.JobTx, job *model.Job) error {
		if u != nil {
			apply(job, *u)
		}
		now := time.Now().UTC()
		if job.CompletedAt == nil {
			if !job.IsComplete() {
				job.Status = model.StatusPending
				return nil
			}
			job.CompletedAt = &now
			job.Status = job.DeriveStatus()
			a.logger.InfoContext(ctx, "job complete", "job_id", jobID, "status", job.Status.String(), "progress", job.Progress)
		}
		if job.FinalizedAt != nil {
			return nil
		}
		if job.FinalizingAt != nil && now.Sub(*job.FinalizingAt) < a.lease {
			return nil
		}
		job.FinalizingAt = &now
		pending = job
		return nil
	})
	if err != nil || pending == nil {
		return false, err
	}
	return a.finalize(ctx, pending)
}

// finalize runs the finalizer for a job whose lease this caller holds and
// records the outcome. On failure the lease is released so the next
// completion check retries.
func (a *Aggregator) finalize(ctx context.Context, job *model.Job) (bool, error) {
	var ferr error
	if a.finalizer != nil {
		ferr = a.finalizer.Finalize(ctx, job)
	}

	err := a.store.WithJobLock(ctx, job.ID, func(_ store.JobTx, j *model.Job) error {
		if j.CompletedAt == nil || j.FinalizedAt != nil {
			return nil
		}
		if ferr != nil {
			j.FinalizingAt = nil
			return nil
		}
		now := time.Now().UTC()
		j.FinalizedAt = &now
		return nil
	})
	if ferr != nil {
		a.logger.ErrorContext(ctx, "job finalization failed, will retry", "job_id", job.ID, "error", ferr)
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("mark job %s finalized: %w", job.ID, err)
	}
	a.logger.DebugContext(ctx, "job finalized", "job_id", job.ID)
	return true, nil
}

// Refinalize retries the finalizer of every completed job that has not been
// finalized and whose lease has lapsed. It returns how many succeeded.
func (a *Aggregator) Refinalize(ctx context.Context) (int, error) {
	ids, err := a.store.UnfinalizedJobs(ctx, time.Now().UTC().Add(-a.lease))
	if err != nil {
		return 0, fmt.Errorf("list unfinalized jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		done, err := a.CheckCompletion(ctx, id)
		if err != nil {
			a.logger.WarnContext(ctx, "refinalize job", "job_id", id, "error", err)
			continue
		}
		if done {
			n++
		}
	}
	return n, nil
}

func apply(job *model.Job, u PartitionUpdate) {
	p := job.Partition(u.Name)
	if u.Reset {
		p.Reset()
	}
	if u.Host != "" {
		p.Host = u.Host
	}
	p.Messages = append(p.Messages, u.Messages...)
	if u.Stats != nil {
		p.Stats = u.Stats
	}
	if !u.Reset {
		p.Status = u.Status
		at := u.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if u.Status == model.StatusTemporaryError || u.Status == model.StatusPending {
			p.CompletedAt = nil
		} else {
			p.CompletedAt = &at
		}
	}
	job.Progress = job.ProgressString()
}
