package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mycelium-sh/mycelium/pkg/types"
)

// Duration is a time.Duration that decodes from YAML duration strings
// ("15m", "90s") or bare integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Resource maps a symbolic resource name to the path globs it covers
type Resource struct {
	Name  string   `yaml:"name"`
	Paths []string `yaml:"paths"`
}

// CleanupConfig controls disposal of per-task workspaces and containers
type CleanupConfig struct {
	Workspaces types.CleanupPolicy `yaml:"workspaces"`
	Containers types.CleanupPolicy `yaml:"containers"`
}

// BudgetConfig bounds token and cost spend
type BudgetConfig struct {
	MaxTokensPerTask int64            `yaml:"max_tokens_per_task"`
	MaxCostPerRun    float64          `yaml:"max_cost_per_run"`
	Mode             types.BudgetMode `yaml:"mode"`
}

// SurfaceLocksConfig toggles surface:<component> lock emission
type SurfaceLocksConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ControlPlaneConfig wires the code-graph subsystem into policy
type ControlPlaneConfig struct {
	Enabled          bool                `yaml:"enabled"`
	LockMode         types.LockMode      `yaml:"lock_mode"`
	ScopeMode        string              `yaml:"scope_mode"`
	FallbackResource string              `yaml:"fallback_resource"`
	ResourcesMode    string              `yaml:"resources_mode"`
	SurfacePatterns  map[string][]string `yaml:"surface_patterns"`
	SurfaceLocks     SurfaceLocksConfig  `yaml:"surface_locks"`
}

// WorkerConfig carries worker-loop parameters passed through to attempts
type WorkerConfig struct {
	Model             string `yaml:"model"`
	CheckpointCommits bool   `yaml:"checkpoint_commits"`
	ReasoningEffort   string `yaml:"reasoning_effort"`
}

// DockerConfig describes the container the worker runs in
type DockerConfig struct {
	Image        string `yaml:"image"`
	Dockerfile   string `yaml:"dockerfile"`
	BuildContext string `yaml:"build_context"`
	User         string `yaml:"user"`
	NetworkMode  string `yaml:"network_mode"`
	MemoryMB     int64  `yaml:"memory_mb"`
	CPUQuota     int64  `yaml:"cpu_quota"`
	PidsLimit    int64  `yaml:"pids_limit"`
}

// Config is the explicit record of every recognized option. Unknown
// keys in the config file are rejected at load time.
type Config struct {
	Project    string `yaml:"project"`
	RepoPath   string `yaml:"repo_path"`
	MainBranch string `yaml:"main_branch"`
	TasksDir   string `yaml:"tasks_dir"`
	PlanningDir string `yaml:"planning_dir"`

	MaxParallel int `yaml:"max_parallel"`

	// MaxRetries bounds worker attempts per task. Zero means unlimited
	// attempts; there is no way to configure "no retries at all" short
	// of fail_fast.
	MaxRetries int `yaml:"max_retries"`

	TaskFailurePolicy   types.FailurePolicy `yaml:"task_failure_policy"`
	ManifestEnforcement types.Enforcement   `yaml:"manifest_enforcement"`

	Doctor        string   `yaml:"doctor"`
	DoctorTimeout Duration `yaml:"doctor_timeout"`
	Lint          string   `yaml:"lint"`
	LintTimeout   Duration `yaml:"lint_timeout"`
	Bootstrap     []string `yaml:"bootstrap"`

	Resources []Resource `yaml:"resources"`

	Cleanup      CleanupConfig      `yaml:"cleanup"`
	Budgets      BudgetConfig       `yaml:"budgets"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Worker       WorkerConfig       `yaml:"worker"`
	Docker       DockerConfig       `yaml:"docker"`

	// MyceliumHome is resolved from $MYCELIUM_HOME or ~/.mycelium; it is
	// not a file key.
	MyceliumHome string `yaml:"-"`
}

// Load reads, strictly decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	// An absent max_retries key keeps -1 and receives the default of 3;
	// an explicit 0 survives decoding and means unlimited.
	cfg := &Config{MaxRetries: -1}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MainBranch == "" {
		c.MainBranch = "main"
	}
	if c.TasksDir == "" {
		c.TasksDir = filepath.Join(".mycelium", "tasks")
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.TaskFailurePolicy == "" {
		c.TaskFailurePolicy = types.FailurePolicyRetry
	}
	if c.ManifestEnforcement == "" {
		c.ManifestEnforcement = types.EnforcementWarn
	}
	if c.DoctorTimeout == 0 {
		c.DoctorTimeout = Duration(30 * time.Minute)
	}
	if c.LintTimeout == 0 {
		c.LintTimeout = Duration(10 * time.Minute)
	}
	if c.Cleanup.Workspaces == "" {
		c.Cleanup.Workspaces = types.CleanupNever
	}
	if c.Cleanup.Containers == "" {
		c.Cleanup.Containers = types.CleanupOnSuccess
	}
	if c.Budgets.Mode == "" {
		c.Budgets.Mode = types.BudgetModeWarn
	}
	if c.ControlPlane.LockMode == "" {
		c.ControlPlane.LockMode = types.LockModeDeclared
	}
	if c.ControlPlane.FallbackResource == "" {
		c.ControlPlane.FallbackResource = "repo-root"
	}
	if c.Docker.NetworkMode == "" {
		c.Docker.NetworkMode = "bridge"
	}
	if c.Project == "" && c.RepoPath != "" {
		c.Project = filepath.Base(c.RepoPath)
	}
	if c.MyceliumHome == "" {
		c.MyceliumHome = DefaultHome()
	}
}

// Validate checks enum fields and required paths.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("config: repo_path is required")
	}
	switch c.TaskFailurePolicy {
	case types.FailurePolicyRetry, types.FailurePolicyFailFast:
	default:
		return fmt.Errorf("config: invalid task_failure_policy %q", c.TaskFailurePolicy)
	}
	switch c.ManifestEnforcement {
	case types.EnforcementOff, types.EnforcementWarn, types.EnforcementBlock:
	default:
		return fmt.Errorf("config: invalid manifest_enforcement %q", c.ManifestEnforcement)
	}
	switch c.Budgets.Mode {
	case types.BudgetModeWarn, types.BudgetModeBlock:
	default:
		return fmt.Errorf("config: invalid budgets.mode %q", c.Budgets.Mode)
	}
	switch c.ControlPlane.LockMode {
	case types.LockModeDeclared, types.LockModeDerived:
	default:
		return fmt.Errorf("config: invalid control_plane.lock_mode %q", c.ControlPlane.LockMode)
	}
	for _, p := range []types.CleanupPolicy{c.Cleanup.Workspaces, c.Cleanup.Containers} {
		switch p {
		case types.CleanupNever, types.CleanupOnSuccess:
		default:
			return fmt.Errorf("config: invalid cleanup policy %q", p)
		}
	}
	seen := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("config: resource with empty name")
		}
		if seen[r.Name] {
			return fmt.Errorf("config: duplicate resource %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// ResourceNames returns the set of known symbolic resource names, or
// nil when no resources are configured.
func (c *Config) ResourceNames() map[string]bool {
	if len(c.Resources) == 0 {
		return nil
	}
	names := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		names[r.Name] = true
	}
	return names
}

// TasksRoot returns the absolute tasks directory under the repo.
func (c *Config) TasksRoot() string {
	if filepath.IsAbs(c.TasksDir) {
		return c.TasksDir
	}
	return filepath.Join(c.RepoPath, c.TasksDir)
}

// DefaultHome resolves the mycelium home directory.
func DefaultHome() string {
	if home := os.Getenv("MYCELIUM_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".mycelium"
	}
	return filepath.Join(userHome, ".mycelium")
}
