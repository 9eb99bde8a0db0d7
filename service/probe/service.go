// Package probe captures one machine's point-in-time resource snapshot.
// Each batch probes every machine exactly once before planning; snapshots
// are never refreshed mid-batch.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/service/exec"
)

// probeCommand collects CPU count, 1-minute load, available memory and the
// accelerator inventory in one round trip. The gpu section is optional so
// CPU-only machines probe cleanly.
const probeCommand = `echo '#cpu'; nproc; cat /proc/loadavg; ` +
	`echo '#mem'; awk '/MemAvailable/ {print $2}' /proc/meminfo; ` +
	`echo '#gpu'; nvidia-smi --query-gpu=index,name,memory.total,memory.free,utilization.gpu --format=csv,noheader,nounits 2>/dev/null || true`

// Runner abstracts command execution so the probe can be tested without a
// live session.
type Runner interface {
	Run(ctx context.Context, machine *model.Machine, command string, env map[string]string, timeout time.Duration) (*exec.Result, error)
}

// Error marks a machine that could not be probed; the coordinator excludes
// it from the batch instead of failing the run.
type Error struct {
	MachineID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to probe %v: %v", e.MachineID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Service probes machines through the execution layer.
type Service struct {
	runner  Runner
	timeout time.Duration
}

// New creates a probe service with the supplied per-machine timeout.
func New(runner Runner, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{runner: runner, timeout: timeout}
}

// Probe captures the machine's snapshot or returns *Error when the host is
// unreachable or replies with garbage.
func (s *Service) Probe(ctx context.Context, machine *model.Machine) (*model.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.runner.Run(ctx, machine, probeCommand, nil, s.timeout)
	if err != nil {
		return nil, &Error{MachineID: machine.ID(), Err: err}
	}
	if result.ExitCode != 0 {
		return nil, &Error{MachineID: machine.ID(), Err: fmt.Errorf("probe exited with %d: %v", result.ExitCode, result.Stderr)}
	}
	snapshot, err := Parse(result.Stdout)
	if err != nil {
		return nil, &Error{MachineID: machine.ID(), Err: err}
	}
	snapshot.MachineID = machine.ID()
	return snapshot, nil
}
