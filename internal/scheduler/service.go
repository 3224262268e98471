package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/me/gowq/internal/notify"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
)

func newWorkItemID() string {
	return "wi_" + uuid.Must(uuid.NewV7()).String()
}

func newJobID() string {
	return "job_" + uuid.NewString()
}

// Service accepts new work. It needs no running scheduler: items land in
// the store and the owning hosts are woken.
type Service struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewService creates a Service. notifier may be nil.
func NewService(st store.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "service"),
	}
}

// SubmitWorkItem validates and stores a standalone WorkItem.
func (s *Service) SubmitWorkItem(ctx context.Context, w *model.WorkItem) (*model.WorkItem, error) {
	if errs := model.ValidateWorkItem(w); len(errs) > 0 {
		return nil, model.NewValidationError("invalid work item", errs...)
	}
	if w.JobID != "" {
		return nil, model.NewValidationError("invalid work item",
			model.FieldError{Field: "job_id", Message: "set by job submission"})
	}

	prepare(w, time.Now().UTC())
	if err := s.store.CreateWorkItem(ctx, w); err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}
	s.logger.InfoContext(ctx, "work item submitted", "work_item_id", w.ID, "type", w.Type, "host", w.Host)
	s.wake(ctx, w.Host)
	return w, nil
}

// SubmitJob stores a partitioned job. Every partition gets a placeholder
// result before any of its WorkItems becomes launchable, so the job
// cannot be seen complete early.
func (s *Service) SubmitJob(ctx context.Context, sub *model.JobSubmission) (*model.Job, error) {
	var errs []model.FieldError
	if sub.Name == "" {
		errs = append(errs, model.FieldError{Field: "name", Message: "required"})
	}
	if len(sub.Partitions) == 0 {
		errs = append(errs, model.FieldError{Field: "partitions", Message: "at least one partition is required"})
	}
	seen := make(map[string]bool, len(sub.Partitions))
	for i, p := range sub.Partitions {
		for _, fe := range model.ValidateWorkItem(p) {
			fe.Field = fmt.Sprintf("partitions[%d].%s", i, fe.Field)
			errs = append(errs, fe)
		}
		if seen[p.Name] {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("partitions[%d].name", i), Message: "duplicate partition name"})
		}
		seen[p.Name] = true
	}
	if len(errs) > 0 {
		return nil, model.NewValidationError("invalid job", errs...)
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:               newJobID(),
		Name:             sub.Name,
		Restartable:      sub.Restartable,
		Consolidated:     sub.Consolidated,
		TerminateOnError: sub.TerminateOnError,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	hosts := make(map[string]bool)
	for _, item := range sub.Partitions {
		prepare(item, now)
		item.JobID = job.ID
		job.Partition(item.Name).UpdatedAt = now
		hosts[item.Host] = true
	}
	job.Progress = job.ProgressString()

	if err := s.store.CreateJob(ctx, job, sub.Partitions); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "partitions", len(sub.Partitions))

	if hosts[""] {
		s.wake(ctx, "")
	} else {
		for h := range hosts {
			s.wake(ctx, h)
		}
	}
	return job, nil
}

func (s *Service) wake(ctx context.Context, host string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Wake(ctx, host); err != nil {
		s.logger.WarnContext(ctx, "wake scheduler", "host", host, "error", err)
	}
}

// prepare clears the run markers of a submitted item and assigns its id.
func prepare(w *model.WorkItem, now time.Time) {
	w.ID = newWorkItemID()
	w.CreatedAt = now
	w.LaunchedAt = nil
	w.CompletedAt = nil
	w.Status = model.StatusPending
	w.Live = false
	w.RetryCount = 0
	w.RestartCount = 0
	w.Expiration = nil
}
