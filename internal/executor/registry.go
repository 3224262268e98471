package executor

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry maps executor names to factories. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
	r.logger.Info("executor registered", "name", name)
}

// New returns a fresh Executor for name or an error if none is registered.
func (r *Registry) New(name string) (Executor, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("no executor registered for type %q", name)
	}
	exec, err := f()
	if err != nil {
		return nil, fmt.Errorf("create executor %q: %w", name, err)
	}
	return exec, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers the command, script and noop executors.
func RegisterBuiltins(r *Registry, logger *slog.Logger) {
	r.Register("command", func() (Executor, error) { return NewCommandExecutor(logger), nil })
	r.Register("script", func() (Executor, error) { return NewScriptExecutor(logger), nil })
	r.Register("noop", func() (Executor, error) { return &NoopExecutor{}, nil })
}
