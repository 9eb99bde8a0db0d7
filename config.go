package herd

import (
	"fmt"
	"time"

	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/policy"
	"github.com/herdrun/herd/service/results"
)

// Config is a serialisable representation of one batch. It can be populated
// from flags, JSON or YAML alike; the zero-value inherits every package
// default through DefaultConfig.
type Config struct {
	// MachineRefs lists machine descriptor URLs (or plain paths).
	MachineRefs []string `json:"machines" yaml:"machines"`

	// ScriptURL locates the job script, one shell command per line.
	ScriptURL string `json:"script" yaml:"script"`

	// Request is the default per-job resource claim; per-job overrides in
	// the script win over it.
	Request model.Request `json:"request" yaml:"request"`

	// ForwardPaths/BackwardPaths apply to every job unless overridden.
	ForwardPaths  []string `json:"forwardPaths,omitempty" yaml:"forwardPaths,omitempty"`
	BackwardPaths []string `json:"backwardPaths,omitempty" yaml:"backwardPaths,omitempty"`

	// ResultsRootURL holds per-job .out/.err pairs and harvested outputs.
	ResultsRootURL string `json:"resultsRoot,omitempty" yaml:"resultsRoot,omitempty"`

	// WorkRootURL is where forward paths are staged; empty disables
	// forward staging.
	WorkRootURL string `json:"workRoot,omitempty" yaml:"workRoot,omitempty"`

	// Policy tunes overcommit tolerances and launch stagger; nil uses the
	// package defaults.
	Policy *policy.Policy `json:"policy,omitempty" yaml:"policy,omitempty"`

	// ProbeTimeout bounds one machine probe; an expired probe excludes the
	// machine from the batch.
	ProbeTimeout time.Duration `json:"probeTimeout,omitempty" yaml:"probeTimeout,omitempty"`

	// CommandTimeout bounds one job invocation; zero means no limit.
	CommandTimeout time.Duration `json:"commandTimeout,omitempty" yaml:"commandTimeout,omitempty"`

	// DryRun stops after planning: allocations are reported, nothing runs.
	DryRun bool `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
}

// DefaultConfig returns a Config populated with the stock per-job claim and
// timeouts. Callers may modify the returned struct before passing it to New.
func DefaultConfig() *Config {
	return &Config{
		Request:        model.DefaultRequest(),
		ResultsRootURL: results.DefaultRoot,
		ProbeTimeout:   30 * time.Second,
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if len(c.MachineRefs) == 0 {
		return fmt.Errorf("at least one machine descriptor is required")
	}
	if c.ScriptURL == "" {
		return fmt.Errorf("job script is required")
	}
	if err := c.Request.Validate(); err != nil {
		return fmt.Errorf("invalid default request: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if c.ProbeTimeout < 0 {
		return fmt.Errorf("probeTimeout must not be negative: %v", c.ProbeTimeout)
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("commandTimeout must not be negative: %v", c.CommandTimeout)
	}
	return nil
}
