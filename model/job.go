package model

import "fmt"

// State tracks a job through its lifecycle. Pending, Unplaceable and
// Skipped never reach a remote machine.
type State string

const (
	StatePending     State = "pending"
	StateAllocated   State = "allocated"
	StateQueued      State = "queued"
	StateStarted     State = "started"
	StateFinished    State = "finished"
	StateFailed      State = "failed"
	StateSkipped     State = "skipped"
	StateUnplaceable State = "unplaceable"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateSkipped, StateUnplaceable:
		return true
	}
	return false
}

// Job is one shell command to place and run. Pin fields, when set, bypass
// auto-placement entirely for this job.
type Job struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Command       string   `json:"command"`
	Request       Request  `json:"request"`
	ForwardPaths  []string `json:"forwardPaths,omitempty"`
	BackwardPaths []string `json:"backwardPaths,omitempty"`

	// Placement pins (per-job overrides).
	PinMachine string `json:"pinMachine,omitempty"`
	PinGPUs    []int  `json:"pinGPUs,omitempty"`
}

// Pinned reports whether this job names an explicit target.
func (j *Job) Pinned() bool {
	return j.PinMachine != "" || len(j.PinGPUs) > 0
}

// Validate checks the record once at construction; downstream code never
// re-validates.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Name == "" {
		return fmt.Errorf("job %s: name is required", j.ID)
	}
	if j.Command == "" {
		return fmt.Errorf("job %s: command is required", j.Name)
	}
	if len(j.PinGPUs) > 0 && !j.Request.GPURequired {
		return fmt.Errorf("job %s: gpu pin conflicts with no-gpu request", j.Name)
	}
	if err := j.Request.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	return nil
}
