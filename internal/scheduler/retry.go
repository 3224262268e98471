package scheduler

import (
	"fmt"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/pkg/model"
)

// disposition is what happens to a WorkItem row after a run.
type disposition int

const (
	dispositionRetry disposition = iota
	// dispositionKeep leaves a failed item of a restartable job in place
	// until the job is restarted.
	dispositionKeep
	dispositionPreserve
	dispositionDelete
)

func (d disposition) String() string {
	switch d {
	case dispositionRetry:
		return "retry"
	case dispositionKeep:
		return "keep"
	case dispositionPreserve:
		return "preserve"
	}
	return "delete"
}

// applyRetryPolicy updates item for the outcome of one run and returns
// its disposition. A temporary failure is re-queued after a flat
// interval until the retry limit is reached, then escalated to Error.
// failureRetention is SchedulerConfig.FailureRetention.
func applyRetryPolicy(item *model.WorkItem, out executor.Outcome, tc config.TypeConfig, failureRetention time.Duration, restartable bool, now time.Time) disposition {
	status := out.Status
	if status == model.StatusTemporaryError {
		limit := tc.MaxRetries
		if item.MaxRetries != nil {
			limit = *item.MaxRetries
		}
		if item.RetryCount < limit {
			item.RetryCount++
			item.LaunchedAt = nil
			item.CompletedAt = nil
			item.Status = model.StatusPending
			next := now.Add(tc.RetryInterval)
			item.LaunchAfter = &next
			if !tc.HostSpecific {
				item.Host = ""
			}
			item.AddMessage(model.MessageWarn, fmt.Sprintf("retry %d of %d: %s", item.RetryCount, limit, out.Message))
			return dispositionRetry
		}
		status = model.StatusError
		item.AddMessage(model.MessageError, fmt.Sprintf("retries exhausted after %d attempts: %s", item.RetryCount+1, out.Message))
	}

	item.Status = status
	item.CompletedAt = &now
	item.LaunchAfter = nil

	if restartable && status.IsFailure() {
		return dispositionKeep
	}
	if h := tc.ExpirationHorizon(); h > 0 {
		exp := now.Add(h)
		item.Expiration = &exp
		return dispositionPreserve
	}
	if failureRetention != 0 && status.IsFailure() {
		if failureRetention > 0 {
			exp := now.Add(failureRetention)
			item.Expiration = &exp
		}
		return dispositionPreserve
	}
	return dispositionDelete
}

func messageLevel(s model.CompletionStatus) model.MessageLevel {
	switch s {
	case model.StatusError:
		return model.MessageError
	case model.StatusWarning, model.StatusTemporaryError, model.StatusTerminated:
		return model.MessageWarn
	}
	return model.MessageInfo
}
