package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/gowq/pkg/model"
)

// NoopExecutor waits for args["sleep"] (a duration string) and then reports
// the outcome named by args["outcome"]: success, warning, temporary or error.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, item *model.WorkItem, args Args) error {
	if s := args.String("sleep"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Permanent(fmt.Errorf("sleep: %w", err))
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ErrTerminated
		case <-t.C:
		}
	}

	switch args.String("outcome") {
	case "", "success":
		return nil
	case "warning":
		return Warning("noop warning for %s", item.Name)
	case "temporary":
		return Temporary(errors.New("noop temporary failure"))
	case "error":
		return Permanent(errors.New("noop failure"))
	}
	return Permanent(fmt.Errorf("unknown outcome %q", args.String("outcome")))
}
