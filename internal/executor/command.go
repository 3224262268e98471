package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/me/gowq/pkg/model"
)

// maxOutput bounds the process output kept as item messages.
const maxOutput = 4096

// CommandExecutor runs a WorkItem as a local OS process.
//
// Recognized args:
//
//	command               string (run with sh -c) or list of argv strings
//	dir                   working directory
//	env                   map of extra environment variables
//	temporary_exit_codes  exit codes reported as TemporaryError
//	warning_exit_codes    exit codes reported as Warning
type CommandExecutor struct {
	logger *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	terminated bool
}

// NewCommandExecutor creates a CommandExecutor.
func NewCommandExecutor(logger *slog.Logger) *CommandExecutor {
	return &CommandExecutor{logger: logger.With("component", "command-executor")}
}

// Execute runs the command and maps its exit status to an outcome.
func (e *CommandExecutor) Execute(ctx context.Context, item *model.WorkItem, args Args) error {
	argv, err := commandLine(args["command"])
	if err != nil {
		return Permanent(fmt.Errorf("work item %s: %w", item.ID, err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	terminated := e.terminated
	e.mu.Unlock()
	if terminated {
		return ErrTerminated
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = args.String("dir")
	if env, ok := args["env"].(map[string]any); ok {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	if out := tail(stdoutBuf.String()); out != "" {
		item.AddMessage(model.MessageInfo, out)
	}

	if ctx.Err() != nil {
		return ErrTerminated
	}

	var exitCode int
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		exitCode = 0
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		// Non-exit errors (e.g. binary not found) are permanent.
		return Permanent(fmt.Errorf("work item %s: run command: %w", item.ID, runErr))
	}

	e.logger.DebugContext(ctx, "command finished", "work_item_id", item.ID, "command", argv, "exit_code", exitCode)

	stderr := tail(stderrBuf.String())
	switch {
	case exitCode == 0:
		return nil
	case containsCode(args["warning_exit_codes"], exitCode):
		return Warning("exit code %d: %s", exitCode, stderr)
	case containsCode(args["temporary_exit_codes"], exitCode):
		return Temporary(fmt.Errorf("exit code %d: %s", exitCode, stderr))
	}
	return Permanent(fmt.Errorf("exit code %d: %s", exitCode, stderr))
}

// Terminate cancels the running process.
func (e *CommandExecutor) Terminate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = true
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

func commandLine(v any) ([]string, error) {
	switch c := v.(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			break
		}
		return []string{"sh", "-c", c}, nil
	case []string:
		if len(c) > 0 {
			return c, nil
		}
	case []any:
		argv := make([]string, 0, len(c))
		for _, a := range c {
			argv = append(argv, fmt.Sprint(a))
		}
		if len(argv) > 0 {
			return argv, nil
		}
	}
	return nil, errors.New("command is missing or empty")
}

func containsCode(v any, code int) bool {
	list, ok := v.([]any)
	if !ok {
		if ints, ok := v.([]int); ok {
			for _, c := range ints {
				if c == code {
					return true
				}
			}
		}
		return false
	}
	for _, raw := range list {
		switch c := raw.(type) {
		case int:
			if c == code {
				return true
			}
		case float64:
			if int(c) == code {
				return true
			}
		}
	}
	return false
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[len(s)-maxOutput:]
	}
	return s
}
