// Package herd coordinates one batch end to end: load machines and jobs,
// probe the fleet, plan allocations against the per-machine ledgers, then
// drive every allocated job through its runner while aggregating lifecycle
// events into progress counters.
package herd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/viant/afs"
	"golang.org/x/sync/errgroup"

	"github.com/herdrun/herd/config"
	"github.com/herdrun/herd/internal/idgen"
	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/policy"
	"github.com/herdrun/herd/progress"
	"github.com/herdrun/herd/service/dao"
	"github.com/herdrun/herd/service/dao/store"
	"github.com/herdrun/herd/service/event"
	"github.com/herdrun/herd/service/exec"
	"github.com/herdrun/herd/service/ledger"
	"github.com/herdrun/herd/service/messaging"
	mmemory "github.com/herdrun/herd/service/messaging/memory"
	"github.com/herdrun/herd/service/planner"
	"github.com/herdrun/herd/service/probe"
	"github.com/herdrun/herd/service/results"
	"github.com/herdrun/herd/service/runner"
	"github.com/herdrun/herd/service/stage"
	"github.com/herdrun/herd/tracing"
)

// drainTimeout bounds the wait for in-flight events after the last runner
// returned.
const drainTimeout = 5 * time.Second

// Service is the batch coordinator.
type Service struct {
	config *Config

	fs       afs.Service
	executor runner.Executor
	results  runner.Results
	stager   runner.Stager
	probe    *probe.Service
	queue    messaging.Queue[event.Event]
	runs     dao.Service[string, runner.Run]
	output   io.Writer
}

// Summary is the outcome of one batch run.
type Summary struct {
	BatchID  string
	Plan     *planner.Plan
	Progress *progress.Progress
	DryRun   bool
}

// Failed reports whether any job failed or could not be placed.
func (s *Summary) Failed() bool {
	return s.Progress.Failed()
}

// ExitCode maps the batch outcome onto a process exit status.
func (s *Summary) ExitCode() int {
	if s.Failed() {
		return 1
	}
	return 0
}

// New creates a batch coordinator for the supplied configuration.
func New(cfg *Config, options ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ret := &Service{config: cfg}
	for _, option := range options {
		option(ret)
	}
	ret.ensureBaseSetup()
	return ret, nil
}

// ensureBaseSetup fills in default collaborators for anything an Option did
// not supply.
func (s *Service) ensureBaseSetup() {
	if s.fs == nil {
		s.fs = afs.New()
	}
	if s.executor == nil {
		s.executor = exec.New()
	}
	if s.results == nil {
		s.results = results.New(s.fs, s.config.ResultsRootURL)
	}
	if s.stager == nil {
		s.stager = stage.New(s.fs)
	}
	if s.probe == nil {
		s.probe = probe.New(s.executor, s.config.ProbeTimeout)
	}
	if s.queue == nil {
		s.queue = mmemory.NewQueue[event.Event](mmemory.DefaultConfig())
	}
	if s.runs == nil {
		s.runs = store.NewMemoryStore[string, runner.Run](func(r *runner.Run) string { return r.Job.ID })
	}
	if s.output == nil {
		s.output = os.Stdout
	}
}

// Run executes the whole batch and blocks until every job reached a
// terminal state (or, with DryRun, until planning is reported). The returned
// Summary is complete even when err is nil and some jobs failed; err is
// reserved for faults that prevent the batch from running at all.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	ctx = policy.WithPolicy(ctx, s.config.Policy)
	batchID := idgen.New()
	ctx, span := tracing.StartSpan(ctx, "batch.run", "INTERNAL")
	span.WithAttributes(map[string]string{"batch.id": batchID})
	var runErr error
	defer func() { tracing.EndSpan(span, runErr) }()

	machines, err := config.LoadMachines(ctx, s.fs, s.config.MachineRefs)
	if err != nil {
		runErr = err
		return nil, err
	}
	jobs, err := config.LoadJobs(ctx, s.fs, s.config.ScriptURL, s.config.Request, s.config.ForwardPaths, s.config.BackwardPaths)
	if err != nil {
		runErr = err
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"batch": batchID, "machines": len(machines), "jobs": len(jobs)}).Info("starting batch")

	snapshots, err := s.probeAll(ctx, machines)
	if err != nil {
		runErr = err
		return nil, err
	}

	ledgers := make(map[string]*ledger.Ledger, len(snapshots))
	for _, snapshot := range snapshots {
		ledgers[snapshot.MachineID] = ledger.New(snapshot, s.config.Policy)
	}
	_, planSpan := tracing.StartSpan(ctx, "batch.plan", "INTERNAL")
	plan := planner.New().Plan(jobs, ledgers)
	tracing.EndSpan(planSpan, nil)
	s.reportPlan(plan, jobs)

	tracker := progress.New(batchID, len(jobs))
	summary := &Summary{BatchID: batchID, Plan: plan, Progress: tracker, DryRun: s.config.DryRun}
	if s.config.DryRun {
		for _, job := range jobs {
			if reason, ok := plan.Unplaceable[job.ID]; ok {
				fmt.Fprintf(s.output, "unplaceable: %v; %v\n", job.Name, reason)
				tracker.Update(progress.Delta{Unplaceable: 1})
			}
		}
		return summary, nil
	}

	publisher := event.NewPublisher(s.queue)
	// The listener runs on one goroutine, so the per-job previous-kind map
	// needs no locking.
	previous := make(map[string]event.Kind)
	listener := event.NewListener(publisher, func(evt *event.Event) {
		tracker.Update(delta(previous[evt.JobID], evt.Kind))
		previous[evt.JobID] = evt.Kind
		fmt.Fprintln(s.output, evt.String())
	})
	listener.Start(ctx)

	for _, job := range jobs {
		if reason, ok := plan.Unplaceable[job.ID]; ok {
			evt := event.New(event.KindUnplaceable, job)
			evt.Error = reason
			if err = publisher.Publish(ctx, evt); err != nil {
				logrus.WithField("job", job.Name).WithError(err).Warn("failed to publish event")
			}
		}
	}

	runs := s.buildRuns(jobs, plan)
	machineIndex := make(map[string]*model.Machine, len(machines))
	for _, machine := range machines {
		machineIndex[machine.ID()] = machine
	}
	runnerService, err := runner.New(
		runner.Config{CommandTimeout: s.config.CommandTimeout, WorkRootURL: s.config.WorkRootURL},
		s.executor, s.results, s.stager, publisher, s.runs, machineIndex)
	if err != nil {
		runErr = err
		return nil, err
	}
	_, runSpan := tracing.StartSpan(ctx, "batch.execute", "INTERNAL")
	err = runnerService.RunBatch(ctx, runs)
	tracing.EndSpan(runSpan, err)
	if err != nil {
		runErr = err
		return summary, err
	}

	s.drain(ctx, tracker)
	listener.Stop()
	fmt.Fprintln(s.output, tracker.String())
	return summary, nil
}

// probeAll captures every machine's snapshot concurrently. A machine that
// fails its probe is excluded with a warning; the batch only aborts when no
// machine at all could be probed.
func (s *Service) probeAll(ctx context.Context, machines []*model.Machine) ([]*model.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "batch.probe", "INTERNAL")
	defer tracing.EndSpan(span, nil)

	var mux sync.Mutex
	snapshots := make(map[string]*model.Snapshot)
	group, ctx := errgroup.WithContext(ctx)
	for _, machine := range machines {
		machine := machine
		group.Go(func() error {
			snapshot, err := s.probe.Probe(ctx, machine)
			if err != nil {
				// Probe failures exclude, never abort.
				logrus.WithField("machine", machine.ID()).WithError(err).Warn("excluding machine from batch")
				mux.Lock()
				fmt.Fprintf(s.output, "excluding %v: probe failed\n", machine.ID())
				mux.Unlock()
				return nil
			}
			mux.Lock()
			snapshots[machine.ID()] = snapshot
			mux.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("no machine could be probed")
	}

	ordered := make([]*model.Snapshot, 0, len(snapshots))
	for _, machine := range machines {
		if snapshot, ok := snapshots[machine.ID()]; ok {
			ordered = append(ordered, snapshot)
		}
	}
	return ordered, nil
}

// reportPlan prints the per-machine job limits and accelerator choices,
// mirroring what an operator needs to sanity-check a placement.
func (s *Service) reportPlan(plan *planner.Plan, jobs []*model.Job) {
	ids := make([]string, 0, len(plan.MachineLimits))
	for id := range plan.MachineLimits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprint(s.output, "machine limits:")
	for _, id := range ids {
		fmt.Fprintf(s.output, " %v=%d", id, plan.MachineLimits[id])
	}
	fmt.Fprintln(s.output)

	fmt.Fprint(s.output, "machine gpu choices:")
	for _, id := range ids {
		if gpus := plan.GPUChoices[id]; len(gpus) > 0 {
			fmt.Fprintf(s.output, " %v=%v", id, gpus)
		}
	}
	fmt.Fprintln(s.output)

	if s.config.DryRun {
		for _, job := range jobs {
			if allocation, ok := plan.Allocations[job.ID]; ok {
				fmt.Fprintf(s.output, "planned: %v on %v gpus %v\n", job.Name, allocation.MachineID, allocation.GPUs)
			}
		}
	}
}

// buildRuns pairs each allocated job with its allocation, preserving script
// order so launch staggering follows document order.
func (s *Service) buildRuns(jobs []*model.Job, plan *planner.Plan) []*runner.Run {
	runs := make([]*runner.Run, 0, len(plan.Allocations))
	for _, job := range jobs {
		allocation, ok := plan.Allocations[job.ID]
		if !ok {
			continue
		}
		runs = append(runs, &runner.Run{Job: job, Allocation: allocation, State: model.StateAllocated})
	}
	return runs
}

// drain waits for the listener to absorb in-flight terminal events after the
// last runner returned.
func (s *Service) drain(ctx context.Context, tracker *progress.Progress) {
	deadline := time.Now().Add(drainTimeout)
	for !tracker.Done() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// delta maps one lifecycle transition onto its counter change. The previous
// kind decides which transient bucket to vacate; a job can fail straight out
// of queued when staging breaks before launch.
func delta(prev, kind event.Kind) progress.Delta {
	d := progress.Delta{}
	switch prev {
	case event.KindQueued:
		d.Queued = -1
	case event.KindStarted:
		d.Started = -1
	}
	switch kind {
	case event.KindQueued:
		d.Queued++
	case event.KindStarted:
		d.Started++
	case event.KindFinished:
		d.Finished++
	case event.KindFailed:
		d.Failed++
	case event.KindSkipped:
		d.Skipped++
	case event.KindUnplaceable:
		d.Unplaceable++
	}
	return d
}
