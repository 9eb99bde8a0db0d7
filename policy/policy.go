package policy

import (
	"context"
	"fmt"
	"time"
)

// Defaults for the scheduling policy. The tolerance values are policy
// choices, kept here as explicit constants rather than scattered literals.
const (
	// DefaultCPUOvercommitCores bounds how far free CPU may go negative
	// before a machine stops accepting jobs.
	DefaultCPUOvercommitCores = 2.0

	// DefaultGPUUtilizationCeiling bounds committed accelerator
	// utilization; 1.2 tolerates mild oversubscription.
	DefaultGPUUtilizationCeiling = 1.2

	// DefaultStaggerDelay spaces successive launches on one machine so a
	// single host is not hit with a burst of sessions.
	DefaultStaggerDelay = 200 * time.Millisecond
)

// Policy holds the tunable scheduling rules for one batch. A nil *Policy
// means "use defaults" and is therefore the zero-cost default.
type Policy struct {
	CPUOvercommitCores    float64       `json:"cpuOvercommitCores,omitempty" yaml:"cpuOvercommitCores,omitempty"`
	GPUUtilizationCeiling float64       `json:"gpuUtilizationCeiling,omitempty" yaml:"gpuUtilizationCeiling,omitempty"`
	StaggerDelay          time.Duration `json:"staggerDelay,omitempty" yaml:"staggerDelay,omitempty"`
}

// Default returns a policy populated with the package defaults.
func Default() *Policy {
	return &Policy{
		CPUOvercommitCores:    DefaultCPUOvercommitCores,
		GPUUtilizationCeiling: DefaultGPUUtilizationCeiling,
		StaggerDelay:          DefaultStaggerDelay,
	}
}

// Validate returns an error describing invalid settings or nil.
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	if p.CPUOvercommitCores < 0 {
		return fmt.Errorf("cpuOvercommitCores must not be negative: %v", p.CPUOvercommitCores)
	}
	if p.GPUUtilizationCeiling < 1 {
		return fmt.Errorf("gpuUtilizationCeiling must be at least 1: %v", p.GPUUtilizationCeiling)
	}
	if p.StaggerDelay < 0 {
		return fmt.Errorf("staggerDelay must not be negative: %v", p.StaggerDelay)
	}
	return nil
}

// Overcommit returns the CPU tolerance, falling back to the default when
// the policy is nil or unset.
func (p *Policy) Overcommit() float64 {
	if p == nil || p.CPUOvercommitCores == 0 {
		return DefaultCPUOvercommitCores
	}
	return p.CPUOvercommitCores
}

// UtilizationCeiling returns the accelerator utilization bound.
func (p *Policy) UtilizationCeiling() float64 {
	if p == nil || p.GPUUtilizationCeiling == 0 {
		return DefaultGPUUtilizationCeiling
	}
	return p.GPUUtilizationCeiling
}

// Stagger returns the inter-launch spacing for one machine.
func (p *Policy) Stagger() time.Duration {
	if p == nil || p.StaggerDelay == 0 {
		return DefaultStaggerDelay
	}
	return p.StaggerDelay
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy or nil.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
