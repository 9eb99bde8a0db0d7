// Package planner assigns a pool of pending jobs to machines in one
// synchronous pass over the shared ledgers. Partial failure is expected: a
// job nothing can hold is reported unplaceable and the batch carries on.
package planner

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/service/ledger"
)

// Plan is the immutable outcome of one planning pass.
type Plan struct {
	// Allocations keyed by job id; unplaceable jobs are absent.
	Allocations map[string]*model.Allocation

	// Unplaceable maps job id to the reason nothing could hold it.
	Unplaceable map[string]string

	// MachineLimits counts jobs per machine, for operator visibility only.
	MachineLimits map[string]int

	// GPUChoices lists, per machine, the accelerator ids chosen across its
	// jobs in allocation order. Reporting only, never control flow.
	GPUChoices map[string][]int
}

// Service runs the allocation algorithm. It owns no state between calls;
// the ledgers passed to Plan are mutated as commitments land.
type Service struct{}

// New creates a planner.
func New() *Service {
	return &Service{}
}

// Plan places pinned jobs first so auto-placement can never consume the
// exact capacity a pin names, then walks unpinned jobs in document order,
// scoring each against every ledger and committing on the best feasible
// one. Pinned jobs only ever consider their pinned target. Ledgers must not
// be shared with a concurrent planner.
func (s *Service) Plan(jobs []*model.Job, ledgers map[string]*ledger.Ledger) *Plan {
	plan := &Plan{
		Allocations:   make(map[string]*model.Allocation),
		Unplaceable:   make(map[string]string),
		MachineLimits: make(map[string]int),
		GPUChoices:    make(map[string][]int),
	}
	ordered := orderedIDs(ledgers)

	for _, job := range jobs {
		if job.Pinned() {
			s.placePinned(job, ledgers, plan)
		}
	}
	for _, job := range jobs {
		if !job.Pinned() {
			s.placeAuto(job, ordered, ledgers, plan)
		}
	}
	return plan
}

// placePinned commits a job onto its exact target; pinned jobs never fall
// back to auto-placement.
func (s *Service) placePinned(job *model.Job, ledgers map[string]*ledger.Ledger, plan *Plan) {
	machineID := job.PinMachine
	if machineID == "" && len(job.PinGPUs) > 0 {
		plan.Unplaceable[job.ID] = "accelerator pin requires a machine pin"
		return
	}
	target, ok := ledgers[machineID]
	if !ok {
		plan.Unplaceable[job.ID] = fmt.Sprintf("machine %v is not part of this batch", machineID)
		return
	}
	if score := target.ScorePinned(&job.Request, job.PinGPUs); score == ledger.Infeasible {
		plan.Unplaceable[job.ID] = fmt.Sprintf("pinned machine %v cannot hold the request", machineID)
		return
	}
	gpus, err := target.AllocatePinned(&job.Request, job.PinGPUs)
	if err != nil {
		plan.Unplaceable[job.ID] = err.Error()
		return
	}
	s.record(job, machineID, gpus, plan)
}

// placeAuto scores the request against every ledger and commits on the
// widest fit; ties break by ascending machine id for reproducibility.
func (s *Service) placeAuto(job *model.Job, ordered []string, ledgers map[string]*ledger.Ledger, plan *Plan) {
	bestScore := ledger.Infeasible
	bestID := ""
	for _, machineID := range ordered {
		score := ledgers[machineID].Score(&job.Request)
		if score > bestScore {
			bestScore = score
			bestID = machineID
		}
	}
	if bestID == "" {
		plan.Unplaceable[job.ID] = "no machine satisfies the resource request"
		return
	}
	gpus, err := ledgers[bestID].Allocate(&job.Request)
	if err != nil {
		// Scoring and allocation run back to back on the same ledger;
		// disagreement between them is a programming error.
		logrus.WithField("job", job.Name).WithError(err).Error("allocation failed after feasible score")
		plan.Unplaceable[job.ID] = err.Error()
		return
	}
	s.record(job, bestID, gpus, plan)
}

func (s *Service) record(job *model.Job, machineID string, gpus []int, plan *Plan) {
	allocation := model.NewAllocation(job.ID, machineID, gpus, job.Request.ReserveMachine || !job.Request.GPURequired)
	plan.Allocations[job.ID] = allocation
	plan.MachineLimits[machineID]++
	plan.GPUChoices[machineID] = append(plan.GPUChoices[machineID], gpus...)
}

func orderedIDs(ledgers map[string]*ledger.Ledger) []string {
	ids := make([]string, 0, len(ledgers))
	for id := range ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
