package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/service/ledger"
)

func newLedger(machineID string, gpus int) *ledger.Ledger {
	snapshot := &model.Snapshot{
		MachineID: machineID,
		CPUCount:  8,
		MemFreeMB: 32000,
	}
	for i := 0; i < gpus; i++ {
		snapshot.Accelerators = append(snapshot.Accelerators, model.Accelerator{
			Index: i, TotalMB: 16000, FreeMB: 16000,
		})
	}
	return ledger.New(snapshot, nil)
}

func newJob(id string) *model.Job {
	return &model.Job{ID: id, Name: id, Command: "echo " + id, Request: model.DefaultRequest()}
}

func TestPlan_TwoJobsShareATwoGPUMachine(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{"box1": newLedger("box1", 2)}
	jobs := []*model.Job{newJob("a"), newJob("b")}

	plan := New().Plan(jobs, ledgers)

	assert.Empty(t, plan.Unplaceable)
	assert.Equal(t, 2, plan.MachineLimits["box1"])
	assert.ElementsMatch(t, []int{0, 1}, plan.GPUChoices["box1"])
	assert.NotEqual(t, plan.Allocations["a"].GPUs, plan.Allocations["b"].GPUs)
	for _, allocation := range plan.Allocations {
		assert.Equal(t, "box1", allocation.MachineID)
		assert.Equal(t, allocation.Env[model.GPUVisibilityEnv], itoa(allocation.GPUs[0]))
	}
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func TestPlan_MemoryShortfallIsUnplaceable(t *testing.T) {
	snapshot := &model.Snapshot{
		MachineID: "box1", CPUCount: 8, MemFreeMB: 2000,
		Accelerators: []model.Accelerator{{Index: 0, TotalMB: 16000, FreeMB: 16000}},
	}
	ledgers := map[string]*ledger.Ledger{"box1": ledger.New(snapshot, nil)}
	job := newJob("big")
	job.Request.MemoryMB = 3000

	plan := New().Plan([]*model.Job{job}, ledgers)

	assert.Empty(t, plan.Allocations)
	assert.Contains(t, plan.Unplaceable, "big")
	assert.Zero(t, plan.MachineLimits["box1"])
}

func TestPlan_TieBreaksOnAscendingMachineID(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{
		"box2": newLedger("box2", 1),
		"box1": newLedger("box1", 1),
	}
	plan := New().Plan([]*model.Job{newJob("a")}, ledgers)
	assert.Equal(t, "box1", plan.Allocations["a"].MachineID)
}

func TestPlan_SpreadsOverIdenticalMachines(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{
		"box1": newLedger("box1", 1),
		"box2": newLedger("box2", 1),
	}
	plan := New().Plan([]*model.Job{newJob("a"), newJob("b")}, ledgers)

	assert.Empty(t, plan.Unplaceable)
	assert.Equal(t, "box1", plan.Allocations["a"].MachineID)
	// box1's accelerator is reserved now, so the widest fit moves on.
	assert.Equal(t, "box2", plan.Allocations["b"].MachineID)
}

func TestPlan_PinnedMachine(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{
		"box1": newLedger("box1", 1),
		"box2": newLedger("box2", 1),
	}
	job := newJob("pinned")
	job.PinMachine = "box2"

	plan := New().Plan([]*model.Job{job}, ledgers)
	assert.Equal(t, "box2", plan.Allocations["pinned"].MachineID)
}

func TestPlan_PinnedMachineNeverFallsBack(t *testing.T) {
	small := &model.Snapshot{MachineID: "box1", CPUCount: 8, MemFreeMB: 100,
		Accelerators: []model.Accelerator{{Index: 0, TotalMB: 16000, FreeMB: 16000}}}
	ledgers := map[string]*ledger.Ledger{
		"box1": ledger.New(small, nil),
		"box2": newLedger("box2", 1),
	}
	job := newJob("pinned")
	job.PinMachine = "box1"

	plan := New().Plan([]*model.Job{job}, ledgers)
	assert.Empty(t, plan.Allocations)
	assert.Contains(t, plan.Unplaceable, "pinned")
}

func TestPlan_PinnedGPUs(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{"box1": newLedger("box1", 2)}
	job := newJob("pinned")
	job.PinMachine = "box1"
	job.PinGPUs = []int{1}

	plan := New().Plan([]*model.Job{job}, ledgers)
	assert.Equal(t, []int{1}, plan.Allocations["pinned"].GPUs)
}

func TestPlan_PinnedJobsPlaceBeforeUnpinned(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{
		"box1": newLedger("box1", 1),
		"box2": newLedger("box2", 1),
	}
	auto := newJob("auto")
	pinned := newJob("pinned")
	pinned.PinMachine = "box1"

	// The unpinned job comes first in document order, but must not consume
	// the capacity the pin names.
	plan := New().Plan([]*model.Job{auto, pinned}, ledgers)

	assert.Empty(t, plan.Unplaceable)
	assert.Equal(t, "box1", plan.Allocations["pinned"].MachineID)
	assert.Equal(t, "box2", plan.Allocations["auto"].MachineID)
}

func TestPlan_PinnedJobKeepsSoleMachine(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{"box1": newLedger("box1", 1)}
	auto := newJob("auto")
	pinned := newJob("pinned")
	pinned.PinMachine = "box1"

	plan := New().Plan([]*model.Job{auto, pinned}, ledgers)

	assert.Equal(t, "box1", plan.Allocations["pinned"].MachineID)
	assert.Contains(t, plan.Unplaceable, "auto")
}

func TestPlan_GPUPinWithoutMachinePin(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{"box1": newLedger("box1", 2)}
	job := newJob("pinned")
	job.PinGPUs = []int{0}

	plan := New().Plan([]*model.Job{job}, ledgers)
	assert.Contains(t, plan.Unplaceable, "pinned")
}

func TestPlan_PinToUnknownMachine(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{"box1": newLedger("box1", 2)}
	job := newJob("pinned")
	job.PinMachine = "nosuch"

	plan := New().Plan([]*model.Job{job}, ledgers)
	assert.Contains(t, plan.Unplaceable, "pinned")
}

func TestPlan_ReservedMachineJobCarriesNoGPUEnv(t *testing.T) {
	ledgers := map[string]*ledger.Ledger{"box1": newLedger("box1", 2)}
	job := newJob("whole")
	job.Request.ReserveMachine = true

	plan := New().Plan([]*model.Job{job}, ledgers)
	allocation := plan.Allocations["whole"]
	assert.NotNil(t, allocation)
	assert.Empty(t, allocation.Env)
}

func TestPlan_DeterministicAcrossRuns(t *testing.T) {
	jobs := []*model.Job{newJob("a"), newJob("b"), newJob("c")}
	var first *Plan
	for i := 0; i < 5; i++ {
		ledgers := map[string]*ledger.Ledger{
			"box1": newLedger("box1", 2),
			"box2": newLedger("box2", 2),
		}
		plan := New().Plan(jobs, ledgers)
		if first == nil {
			first = plan
			continue
		}
		for id, allocation := range first.Allocations {
			assert.Equal(t, allocation.MachineID, plan.Allocations[id].MachineID)
			assert.Equal(t, allocation.GPUs, plan.Allocations[id].GPUs)
		}
	}
}
