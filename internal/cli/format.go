package cli

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/gowq/pkg/model"
)

// ago renders t relative to now, or "-" when unset.
func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

// state summarizes where a work item or partition is in its lifecycle.
func state(launched, completed *time.Time, status model.CompletionStatus) string {
	switch {
	case completed != nil:
		return status.String()
	case launched != nil:
		return "Running"
	}
	return "Pending"
}
