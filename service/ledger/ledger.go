// Package ledger keeps the per-machine working copy of free resources that
// the planner debits as it commits jobs during one batch. Scoring is pure;
// only Allocate mutates state.
package ledger

import (
	"fmt"
	"math"
	"sort"

	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/policy"
)

// Infeasible is the score of a request the ledger cannot satisfy.
var Infeasible = math.Inf(-1)

type gpuState struct {
	index       int
	totalMB     float64
	freeMB      float64
	utilization float64
	reserved    bool
}

// Ledger is the mutable per-machine view: the snapshot minus everything
// committed so far this batch. It is not safe for concurrent use; the
// planner is the single sequential writer.
type Ledger struct {
	machineID string
	policy    *policy.Policy

	cpuCapacity float64
	cpuFree     float64
	memCapacity float64
	memFree     float64
	reserved    bool
	gpus        []gpuState
}

// New builds a ledger from a point-in-time snapshot. Free CPU starts at the
// snapshot's idle cores so pre-existing load counts against the machine.
func New(snapshot *model.Snapshot, pol *policy.Policy) *Ledger {
	ret := &Ledger{
		machineID:   snapshot.MachineID,
		policy:      pol,
		cpuCapacity: snapshot.CPUCount,
		cpuFree:     snapshot.CPUFreeCores(),
		memCapacity: snapshot.MemFreeMB,
		memFree:     snapshot.MemFreeMB,
	}
	for _, acc := range snapshot.Accelerators {
		ret.gpus = append(ret.gpus, gpuState{
			index:       acc.Index,
			totalMB:     acc.TotalMB,
			freeMB:      acc.FreeMB,
			utilization: acc.Utilization,
		})
	}
	return ret
}

// MachineID returns the stable key used for deterministic tie-breaking.
func (l *Ledger) MachineID() string {
	return l.machineID
}

// Score returns Infeasible when the request cannot be satisfied against
// current free resources, otherwise a widest-fit score: the more capacity
// left after a hypothetical commitment, the higher the score. Scoring never
// mutates the ledger.
func (l *Ledger) Score(request *model.Request) float64 {
	return l.scoreOn(request, nil)
}

// ScorePinned scores a request against an explicit accelerator subset.
func (l *Ledger) ScorePinned(request *model.Request, gpus []int) float64 {
	if len(gpus) == 0 {
		return l.Score(request)
	}
	return l.scoreOn(request, gpus)
}

func (l *Ledger) scoreOn(request *model.Request, pinned []int) float64 {
	trial := l.clone()
	if _, err := trial.commit(request, pinned); err != nil {
		return Infeasible
	}
	return trial.headroom()
}

// Allocate commits the request, debiting CPU, memory and - when requested -
// the widest-fit accelerator subset. On failure nothing is mutated.
func (l *Ledger) Allocate(request *model.Request) ([]int, error) {
	return l.AllocatePinned(request, nil)
}

// AllocatePinned commits the request onto the given accelerators; with no
// pins it falls back to widest-fit selection.
func (l *Ledger) AllocatePinned(request *model.Request, pinned []int) ([]int, error) {
	trial := l.clone()
	chosen, err := trial.commit(request, pinned)
	if err != nil {
		return nil, err
	}
	*l = *trial
	return chosen, nil
}

// commit debits the request in place, returning the chosen gpu indexes.
func (l *Ledger) commit(request *model.Request, pinned []int) ([]int, error) {
	if l.reserved {
		return nil, fmt.Errorf("machine %v is reserved", l.machineID)
	}
	if request.GPURequired && len(l.gpus) == 0 {
		return nil, fmt.Errorf("machine %v has no accelerators", l.machineID)
	}
	cpuFree := l.cpuFree - request.CPUCores
	if cpuFree < -l.policy.Overcommit() {
		return nil, fmt.Errorf("machine %v is out of cpu", l.machineID)
	}
	memFree := l.memFree - request.MemoryMB
	if memFree < 0 {
		return nil, fmt.Errorf("machine %v is out of memory", l.machineID)
	}

	var chosen []int
	if request.GPURequired {
		var err error
		if chosen, err = l.chooseGPUs(request, pinned); err != nil {
			return nil, err
		}
	}

	l.cpuFree = cpuFree
	l.memFree = memFree
	if request.ReserveMachine {
		l.reserved = true
	}
	for _, index := range chosen {
		gpu := l.gpu(index)
		gpu.freeMB -= request.GPUMemoryMB
		gpu.utilization += request.GPUUtilization
		if request.ReserveGPU {
			gpu.reserved = true
		}
	}
	return chosen, nil
}

// chooseGPUs picks request.GPUCount accelerators. Pinned indexes are taken
// as-is (never substituted); otherwise selection is widest-fit: unreserved
// first, then most free memory after debit, then least utilization, then
// ascending index for reproducibility.
func (l *Ledger) chooseGPUs(request *model.Request, pinned []int) ([]int, error) {
	if len(pinned) > 0 {
		if len(pinned) != request.GPUCount {
			return nil, fmt.Errorf("machine %v: pinned %d accelerators, request needs %d", l.machineID, len(pinned), request.GPUCount)
		}
		for _, index := range pinned {
			gpu := l.gpu(index)
			if gpu == nil {
				return nil, fmt.Errorf("machine %v has no accelerator %d", l.machineID, index)
			}
			if err := l.fits(gpu, request); err != nil {
				return nil, err
			}
		}
		return append([]int(nil), pinned...), nil
	}

	candidates := make([]*gpuState, 0, len(l.gpus))
	for i := range l.gpus {
		gpu := &l.gpus[i]
		if l.fits(gpu, request) == nil {
			candidates = append(candidates, gpu)
		}
	}
	if len(candidates) < request.GPUCount {
		return nil, fmt.Errorf("machine %v: %d accelerators fit, request needs %d", l.machineID, len(candidates), request.GPUCount)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aFree, bFree := a.freeMB-request.GPUMemoryMB, b.freeMB-request.GPUMemoryMB
		if aFree != bFree {
			return aFree > bFree
		}
		if a.utilization != b.utilization {
			return a.utilization < b.utilization
		}
		return a.index < b.index
	})
	chosen := make([]int, 0, request.GPUCount)
	for _, gpu := range candidates[:request.GPUCount] {
		chosen = append(chosen, gpu.index)
	}
	sort.Ints(chosen)
	return chosen, nil
}

// fits checks one accelerator against the request's hard limits.
func (l *Ledger) fits(gpu *gpuState, request *model.Request) error {
	if gpu.reserved {
		return fmt.Errorf("machine %v accelerator %d is reserved", l.machineID, gpu.index)
	}
	if gpu.freeMB-request.GPUMemoryMB < 0 {
		return fmt.Errorf("machine %v accelerator %d is out of memory", l.machineID, gpu.index)
	}
	if gpu.utilization+request.GPUUtilization > l.policy.UtilizationCeiling() {
		return fmt.Errorf("machine %v accelerator %d is over-utilized", l.machineID, gpu.index)
	}
	return nil
}

// headroom is the widest-fit score: normalized remaining capacity across
// CPU, memory and accelerators, so load spreads over the fleet instead of
// packing one machine first.
func (l *Ledger) headroom() float64 {
	score := 0.0
	if l.cpuCapacity > 0 {
		score += l.cpuFree / l.cpuCapacity
	}
	if l.memCapacity > 0 {
		score += l.memFree / l.memCapacity
	}
	if len(l.gpus) > 0 {
		gpuScore := 0.0
		for i := range l.gpus {
			gpu := &l.gpus[i]
			if gpu.reserved || gpu.totalMB <= 0 {
				continue
			}
			gpuScore += gpu.freeMB / gpu.totalMB
		}
		score += gpuScore / float64(len(l.gpus))
	}
	return score
}

// CPUFree exposes remaining cores for reporting and tests.
func (l *Ledger) CPUFree() float64 { return l.cpuFree }

// MemFree exposes remaining memory for reporting and tests.
func (l *Ledger) MemFree() float64 { return l.memFree }

// Reserved reports whether the whole machine has been claimed.
func (l *Ledger) Reserved() bool { return l.reserved }

// GPUFree returns (free memory MB, utilization, reserved) for one
// accelerator; ok is false when the index is unknown.
func (l *Ledger) GPUFree(index int) (float64, float64, bool, bool) {
	gpu := l.gpu(index)
	if gpu == nil {
		return 0, 0, false, false
	}
	return gpu.freeMB, gpu.utilization, gpu.reserved, true
}

func (l *Ledger) gpu(index int) *gpuState {
	for i := range l.gpus {
		if l.gpus[i].index == index {
			return &l.gpus[i]
		}
	}
	return nil
}

func (l *Ledger) clone() *Ledger {
	ret := *l
	ret.gpus = append([]gpuState(nil), l.gpus...)
	return &ret
}
