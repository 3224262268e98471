package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/me/gowq/pkg/model"
	"gopkg.in/yaml.v3"
)

// TerminateType is the built-in control type used for cross-host termination.
const TerminateType = "terminate"

// SchedulerConfig is the scheduler policy loaded from YAML. It is re-read on
// every refresh cycle so changes apply without restarting the loop.
type SchedulerConfig struct {
	CycleInterval   time.Duration `yaml:"cycle_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`

	// MaxThreads is the global ceiling of running workers on a host.
	MaxThreads      int  `yaml:"max_threads"`
	PreserveOnError bool `yaml:"preserve_on_error"`
	IgnoreHold      bool `yaml:"ignore_hold"`
	CandidateLimit  int  `yaml:"candidate_limit"`

	// ErrorRetention is the expiration horizon of items preserved by
	// PreserveOnError. Zero or negative keeps them until deleted by hand.
	ErrorRetention time.Duration `yaml:"error_retention"`

	Hosts map[string]HostConfig `yaml:"hosts"`
	Types map[string]TypeConfig `yaml:"types"`
}

// HostConfig carries per-host overrides.
type HostConfig struct {
	MaxThreads  int            `yaml:"max_threads"`
	Restricted  bool           `yaml:"restricted"`
	TypeThreads map[string]int `yaml:"type_threads"`
}

// TypeConfig describes one work item type: which executor runs it and the
// pool, retry, orphan and retention policy applied to it.
type TypeConfig struct {
	Executor      string             `yaml:"executor"`
	Args          map[string]any     `yaml:"args"`
	MaxThreads    int                `yaml:"max_threads"`
	MaxQueue      int                `yaml:"max_queue"`
	RetryInterval time.Duration      `yaml:"retry_interval"`
	MaxRetries    int                `yaml:"max_retries"`
	OrphanAction  model.OrphanAction `yaml:"orphan_action"`

	// ResultExpiration: positive days, negative seconds, 0 deletes on completion.
	ResultExpiration int      `yaml:"result_expiration"`
	Hosts            []string `yaml:"hosts"`
	HostSpecific     bool     `yaml:"host_specific"`
	AlwaysAllowed    bool     `yaml:"always_allowed"`
}

// DefaultSchedulerConfig returns the defaults used when no file is configured.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		CycleInterval:   10 * time.Second,
		RefreshInterval: 60 * time.Second,
		DrainTimeout:    30 * time.Second,
		MaxThreads:      20,
		ErrorRetention:  7 * 24 * time.Hour,
		CandidateLimit:  500,
		Hosts:           map[string]HostConfig{},
		Types:           map[string]TypeConfig{},
	}
}

// DefaultTypeConfig returns the policy for types with no explicit entry.
func DefaultTypeConfig() TypeConfig {
	return TypeConfig{
		MaxThreads:    1,
		MaxQueue:      10,
		RetryInterval: time.Minute,
		MaxRetries:    3,
		OrphanAction:  model.OrphanReset,
	}
}

// UnmarshalYAML fills unspecified fields with DefaultTypeConfig values.
func (t *TypeConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain TypeConfig
	p := plain(DefaultTypeConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = TypeConfig(p)
	return nil
}

// Parse decodes YAML on top of DefaultSchedulerConfig and validates it.
func Parse(data []byte) (*SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot honor.
func (c *SchedulerConfig) Validate() error {
	if c.CycleInterval <= 0 {
		return fmt.Errorf("cycle_interval must be positive")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	for name, t := range c.Types {
		switch t.OrphanAction {
		case model.OrphanReset, model.OrphanDelete:
		default:
			return fmt.Errorf("type %s: orphan_action must be reset or delete, got %q", name, t.OrphanAction)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("type %s: max_retries must be >= 0", name)
		}
		if t.MaxQueue < 0 {
			return fmt.Errorf("type %s: max_queue must be >= 0", name)
		}
	}
	return nil
}

// Type returns the effective policy for a work item type. The built-in
// terminate control type is always available and never denied.
func (c *SchedulerConfig) Type(name string) TypeConfig {
	t, ok := c.Types[name]
	if !ok {
		t = DefaultTypeConfig()
		if name == TerminateType {
			t.MaxThreads = -1
			t.AlwaysAllowed = true
			t.HostSpecific = true
			t.MaxRetries = 0
		}
	}
	if t.Executor == "" {
		t.Executor = name
	}
	return t
}

// HostMaxThreads returns the global ceiling for host.
func (c *SchedulerConfig) HostMaxThreads(host string) int {
	if h, ok := c.Hosts[host]; ok && h.MaxThreads > 0 {
		return h.MaxThreads
	}
	return c.MaxThreads
}

// FailureRetention returns how long a failed item is preserved: zero when
// preserve_on_error is off, negative when it is kept without expiration.
func (c *SchedulerConfig) FailureRetention() time.Duration {
	switch {
	case !c.PreserveOnError:
		return 0
	case c.ErrorRetention <= 0:
		return -1
	}
	return c.ErrorRetention
}

// Restricted reports whether host only reads items pinned to it or unpinned.
func (c *SchedulerConfig) Restricted(host string) bool {
	return c.Hosts[host].Restricted
}

// TypeThreads returns the per-type thread limit for host, honoring
// per-host overrides.
func (c *SchedulerConfig) TypeThreads(host, typ string) int {
	if h, ok := c.Hosts[host]; ok {
		if n, ok := h.TypeThreads[typ]; ok {
			return n
		}
	}
	return c.Type(typ).MaxThreads
}

// AllowsHost reports whether the type may run on host. Types without an
// allow-list run anywhere.
func (t TypeConfig) AllowsHost(host string) bool {
	return len(t.Hosts) == 0 || slices.Contains(t.Hosts, host)
}

// ExpirationHorizon converts ResultExpiration into a duration.
func (t TypeConfig) ExpirationHorizon() time.Duration {
	switch {
	case t.ResultExpiration > 0:
		return time.Duration(t.ResultExpiration) * 24 * time.Hour
	case t.ResultExpiration < 0:
		return time.Duration(-t.ResultExpiration) * time.Second
	}
	return 0
}

// Source supplies scheduler configuration on demand.
type Source interface {
	Load() (*SchedulerConfig, error)
}

// FileSource re-reads a YAML file on every Load. An empty Path yields defaults.
type FileSource struct {
	Path string
}

// Load reads and parses the file.
func (f FileSource) Load() (*SchedulerConfig, error) {
	if f.Path == "" {
		return DefaultSchedulerConfig(), nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read scheduler config %s: %w", f.Path, err)
	}
	return Parse(data)
}

// StaticSource always returns the same configuration.
type StaticSource struct {
	Config *SchedulerConfig
}

// Load returns the wrapped configuration.
func (s StaticSource) Load() (*SchedulerConfig, error) {
	if s.Config == nil {
		return DefaultSchedulerConfig(), nil
	}
	return s.Config, nil
}
