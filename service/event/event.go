package event

import (
	"fmt"
	"time"

	"github.com/herdrun/herd/model"
)

// Kind enumerates the lifecycle notifications a batch emits.
type Kind string

const (
	KindQueued      Kind = "queued"
	KindStarted     Kind = "started"
	KindFinished    Kind = "finished"
	KindFailed      Kind = "failed"
	KindSkipped     Kind = "skipped"
	KindUnplaceable Kind = "unplaceable"
)

// Terminal reports whether this kind ends a job's lifecycle.
func (k Kind) Terminal() bool {
	switch k {
	case KindFinished, KindFailed, KindSkipped, KindUnplaceable:
		return true
	}
	return false
}

// Event carries one job lifecycle transition from a runner (or the planner,
// for unplaceable jobs) to the batch coordinator.
type Event struct {
	Kind      Kind      `json:"kind"`
	JobID     string    `json:"jobID"`
	JobName   string    `json:"jobName"`
	MachineID string    `json:"machineID,omitempty"`
	GPUs      []int     `json:"gpus,omitempty"`
	Command   string    `json:"command,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// New builds an event for the supplied job.
func New(kind Kind, job *model.Job) *Event {
	return &Event{
		Kind:      kind,
		JobID:     job.ID,
		JobName:   job.Name,
		Command:   job.Command,
		CreatedAt: time.Now(),
	}
}

// String renders the operator console line for this event.
func (e *Event) String() string {
	switch e.Kind {
	case KindSkipped:
		return fmt.Sprintf("skipping: %v; results already exist, delete to rerun", e.JobName)
	case KindUnplaceable:
		return fmt.Sprintf("unplaceable: %v; %v", e.JobName, e.Error)
	case KindFailed:
		if e.Error != "" {
			return fmt.Sprintf("failed: %v; %v (%v)", e.JobName, e.Command, e.Error)
		}
		return fmt.Sprintf("failed: %v; %v", e.JobName, e.Command)
	default:
		return fmt.Sprintf("%v: %v; %v", e.Kind, e.JobName, e.Command)
	}
}
