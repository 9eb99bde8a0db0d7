// Package runner drives allocated jobs through their lifecycle: skip when a
// prior result exists, queue with a per-machine launch stagger, execute
// remotely, then collect results. Runners for different machines proceed
// fully in parallel; runners sharing a machine launch in queue order.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/herdrun/herd/internal/clock"
	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/policy"
	"github.com/herdrun/herd/service/dao"
	"github.com/herdrun/herd/service/event"
	"github.com/herdrun/herd/service/exec"
)

// Run is the mutable run-state of one job/allocation pair. A Run is owned
// by exactly one runner goroutine; everyone else observes it through events
// or the run store after completion.
type Run struct {
	Job        *model.Job
	Allocation *model.Allocation
	State      model.State
	ExitCode   int
	Error      string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Executor abstracts remote execution for tests.
type Executor interface {
	Run(ctx context.Context, machine *model.Machine, command string, env map[string]string, timeout time.Duration) (*exec.Result, error)
}

// Results abstracts the result store.
type Results interface {
	Exists(ctx context.Context, jobName string) (bool, error)
	Write(ctx context.Context, jobName, stdout, stderr string) error
	JobFolderURL(jobName string) string
}

// Stager abstracts file staging around a job execution.
type Stager interface {
	Forward(ctx context.Context, paths []string, workURL string) error
	Backward(ctx context.Context, paths []string, workURL, destURL string) ([]string, error)
}

// Config holds runner tunables.
type Config struct {
	// CommandTimeout bounds one remote invocation; zero means no limit.
	CommandTimeout time.Duration

	// WorkRootURL is the base location forward paths are staged into,
	// one subfolder per job. Empty disables forward staging.
	WorkRootURL string
}

// Service launches and tracks job runners for one batch.
type Service struct {
	config    Config
	executor  Executor
	results   Results
	stager    Stager
	publisher *event.Publisher
	runs      dao.Service[string, Run]
	machines  map[string]*model.Machine
}

// New creates a runner service; all collaborators are required except the
// stager, which may be nil when no staging paths are configured.
func New(config Config, executor Executor, results Results, stager Stager, publisher *event.Publisher, runs dao.Service[string, Run], machines map[string]*model.Machine) (*Service, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if results == nil {
		return nil, fmt.Errorf("results store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	return &Service{
		config:    config,
		executor:  executor,
		results:   results,
		stager:    stager,
		publisher: publisher,
		runs:      runs,
		machines:  machines,
	}, nil
}

// RunBatch executes all allocated runs and blocks until every one reached a
// terminal state. Jobs grouped on one machine launch in slice order with
// the policy's stagger delay between launches.
func (s *Service) RunBatch(ctx context.Context, runs []*Run) error {
	perMachine := make(map[string][]*Run)
	var order []string
	for _, run := range runs {
		machineID := run.Allocation.MachineID
		if _, seen := perMachine[machineID]; !seen {
			order = append(order, machineID)
		}
		perMachine[machineID] = append(perMachine[machineID], run)
	}

	stagger := policy.FromContext(ctx).Stagger()
	var wg sync.WaitGroup
	for _, machineID := range order {
		wg.Add(1)
		go s.launchMachine(ctx, machineID, perMachine[machineID], stagger, &wg)
	}
	wg.Wait()
	return nil
}

// launchMachine walks one machine's queue in order, spacing launches by the
// stagger delay. Each launched job runs on its own goroutine so a slow job
// never blocks the next launch beyond the stagger.
func (s *Service) launchMachine(ctx context.Context, machineID string, queue []*Run, stagger time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	machine := s.machines[machineID]
	var jobs sync.WaitGroup
	launched := 0
	for _, run := range queue {
		skipped, err := s.maybeSkip(ctx, run)
		if err != nil {
			logrus.WithField("job", run.Job.Name).WithError(err).Warn("failed to check prior results")
		}
		if skipped {
			continue
		}
		s.transition(ctx, run, model.StateQueued, event.New(event.KindQueued, run.Job))

		// A cancelled context stops further launches but never abandons
		// jobs already in flight.
		if launched > 0 && !waitStagger(ctx, stagger) {
			break
		}
		launched++

		jobs.Add(1)
		go func(run *Run) {
			defer jobs.Done()
			s.execute(ctx, machine, run)
		}(run)
	}
	jobs.Wait()
}

// waitStagger sleeps out the stagger delay; false means the context ended
// first.
func waitStagger(ctx context.Context, stagger time.Duration) bool {
	select {
	case <-time.After(stagger):
		return true
	case <-ctx.Done():
		return false
	}
}

// maybeSkip resolves Allocated -> Skipped when a prior result exists.
func (s *Service) maybeSkip(ctx context.Context, run *Run) (bool, error) {
	exists, err := s.results.Exists(ctx, run.Job.Name)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	evt := event.New(event.KindSkipped, run.Job)
	evt.MachineID = run.Allocation.MachineID
	s.transition(ctx, run, model.StateSkipped, evt)
	return true, nil
}

// execute performs Queued -> Started -> Finished/Failed for one run.
func (s *Service) execute(ctx context.Context, machine *model.Machine, run *Run) {
	job := run.Job
	workURL := ""
	if len(job.ForwardPaths) > 0 && s.stager != nil && s.config.WorkRootURL != "" {
		workURL = s.workURL(job)
		if err := s.stager.Forward(ctx, job.ForwardPaths, workURL); err != nil {
			s.fail(ctx, run, 0, fmt.Errorf("staging failed: %w", err))
			return
		}
	}

	command := job.Command
	rendered := exec.Render(command, run.Allocation.Env)
	run.StartedAt = clock.Now()
	started := event.New(event.KindStarted, job)
	started.MachineID = machine.ID()
	started.GPUs = run.Allocation.GPUs
	started.Command = rendered
	s.transition(ctx, run, model.StateStarted, started)
	logrus.WithFields(logrus.Fields{"job": job.Name, "machine": machine.ID(), "gpus": run.Allocation.GPUs}).Debug(rendered)

	result, err := s.executor.Run(ctx, machine, command, run.Allocation.Env, s.config.CommandTimeout)
	if err != nil {
		// Transport fault; preserve whatever diagnostics we have, including
		// any partial output received before the fault.
		partial := ""
		if result != nil {
			partial = result.Stdout
		}
		s.collect(ctx, run, workURL, partial, err.Error())
		s.fail(ctx, run, -1, err)
		return
	}
	s.collect(ctx, run, workURL, result.Stdout, result.Stderr)
	if result.ExitCode != 0 {
		s.fail(ctx, run, result.ExitCode, fmt.Errorf("exited with code %d", result.ExitCode))
		return
	}

	run.ExitCode = 0
	run.EndedAt = clock.Now()
	finished := event.New(event.KindFinished, job)
	finished.MachineID = machine.ID()
	s.transition(ctx, run, model.StateFinished, finished)
}

// collect writes captured output and harvests backward paths; it runs on
// success and failure alike so diagnostics are never discarded.
func (s *Service) collect(ctx context.Context, run *Run, workURL, stdout, stderr string) {
	job := run.Job
	if err := s.results.Write(ctx, job.Name, stdout, stderr); err != nil {
		logrus.WithField("job", job.Name).WithError(err).Warn("failed to write results")
	}
	if len(job.BackwardPaths) == 0 || s.stager == nil {
		return
	}
	source := workURL
	if source == "" {
		source = s.config.WorkRootURL
	}
	if source == "" {
		return
	}
	if _, err := s.stager.Backward(ctx, job.BackwardPaths, source, s.results.JobFolderURL(job.Name)); err != nil {
		logrus.WithField("job", job.Name).WithError(err).Warn("failed to copy results back")
	}
}

func (s *Service) fail(ctx context.Context, run *Run, exitCode int, cause error) {
	run.ExitCode = exitCode
	run.Error = cause.Error()
	run.EndedAt = clock.Now()
	evt := event.New(event.KindFailed, run.Job)
	evt.MachineID = run.Allocation.MachineID
	evt.ExitCode = exitCode
	evt.Error = cause.Error()
	s.transition(ctx, run, model.StateFailed, evt)
}

// transition updates run state, persists the record and publishes the
// lifecycle event.
func (s *Service) transition(ctx context.Context, run *Run, state model.State, evt *event.Event) {
	run.State = state
	if err := s.runs.Save(ctx, run); err != nil {
		logrus.WithField("job", run.Job.Name).WithError(err).Warn("failed to save run record")
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logrus.WithField("job", run.Job.Name).WithError(err).Warn("failed to publish event")
	}
}

func (s *Service) workURL(job *model.Job) string {
	return s.config.WorkRootURL + "/" + job.Name
}
