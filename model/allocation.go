package model

import (
	"sort"
	"strconv"
	"strings"
)

// GPUVisibilityEnv restricts which accelerators the remote process may see.
const GPUVisibilityEnv = "CUDA_VISIBLE_DEVICES"

// Allocation is the immutable result of planning one job onto one machine.
type Allocation struct {
	JobID     string            `json:"jobID"`
	MachineID string            `json:"machineID"`
	GPUs      []int             `json:"gpus,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// NewAllocation builds the allocation record, deriving the visibility
// environment from the chosen accelerator subset. Whole-machine
// reservations and gpu-less jobs carry no override.
func NewAllocation(jobID, machineID string, gpus []int, wholeMachine bool) *Allocation {
	ret := &Allocation{JobID: jobID, MachineID: machineID, GPUs: gpus}
	if len(gpus) > 0 && !wholeMachine {
		sorted := append([]int(nil), gpus...)
		sort.Ints(sorted)
		ids := make([]string, 0, len(sorted))
		for _, gpu := range sorted {
			ids = append(ids, strconv.Itoa(gpu))
		}
		ret.Env = map[string]string{GPUVisibilityEnv: strings.Join(ids, ",")}
	}
	return ret
}
