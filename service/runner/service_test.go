package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/policy"
	"github.com/herdrun/herd/service/dao/store"
	"github.com/herdrun/herd/service/event"
	"github.com/herdrun/herd/service/exec"
	mmemory "github.com/herdrun/herd/service/messaging/memory"
)

type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	exitCode int
	err      error
	stdout   string
}

func (f *fakeExecutor) Run(_ context.Context, _ *model.Machine, command string, env map[string]string, _ time.Duration) (*exec.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, exec.Render(command, env))
	f.mu.Unlock()
	if f.err != nil {
		// Mirrors the exec service: transport faults carry partial output.
		return &exec.Result{Stdout: f.stdout}, f.err
	}
	result := &exec.Result{Stdout: f.stdout, ExitCode: f.exitCode}
	if f.exitCode != 0 {
		result.Stderr = f.stdout
	}
	return result, nil
}

func (f *fakeExecutor) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakeResults struct {
	mu      sync.Mutex
	out     map[string]string
	errOut  map[string]string
	existed map[string]bool
}

func newFakeResults(existing ...string) *fakeResults {
	f := &fakeResults{out: map[string]string{}, errOut: map[string]string{}, existed: map[string]bool{}}
	for _, name := range existing {
		f.existed[name] = true
	}
	return f
}

func (f *fakeResults) Exists(_ context.Context, jobName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existed[jobName], nil
}

func (f *fakeResults) Write(_ context.Context, jobName, stdout, stderr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[jobName] += stdout
	f.errOut[jobName] += stderr
	f.existed[jobName] = true
	return nil
}

func (f *fakeResults) JobFolderURL(jobName string) string {
	return "mem://localhost/results/" + jobName
}

func newTestService(t *testing.T, executor Executor, results Results) (*Service, *mmemory.Queue[event.Event]) {
	queue := mmemory.NewQueue[event.Event](mmemory.DefaultConfig())
	runs := store.NewMemoryStore[string, Run](func(r *Run) string { return r.Job.ID })
	service, err := New(Config{}, executor, results, nil, event.NewPublisher(queue), runs, map[string]*model.Machine{
		"box1": {Name: "box1", Host: "localhost"},
	})
	assert.NoError(t, err)
	return service, queue
}

func testCtx() context.Context {
	return policy.WithPolicy(context.Background(), &policy.Policy{
		StaggerDelay: time.Millisecond, CPUOvercommitCores: 2, GPUUtilizationCeiling: 1.2,
	})
}

func newRun(id string) *Run {
	job := &model.Job{ID: id, Name: id, Command: "echo " + id, Request: model.DefaultRequest()}
	return &Run{
		Job:        job,
		Allocation: model.NewAllocation(id, "box1", []int{0}, false),
		State:      model.StateAllocated,
	}
}

func drainKinds(t *testing.T, queue *mmemory.Queue[event.Event]) []event.Kind {
	publisher := event.NewPublisher(queue)
	var kinds []event.Kind
	for queue.Size() > 0 {
		evt, err := publisher.Consume(context.Background())
		assert.NoError(t, err)
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

func TestRunBatch_Success(t *testing.T) {
	executor := &fakeExecutor{stdout: "hello\n"}
	results := newFakeResults()
	service, queue := newTestService(t, executor, results)

	run := newRun("a")
	assert.NoError(t, service.RunBatch(testCtx(), []*Run{run}))

	assert.Equal(t, model.StateFinished, run.State)
	assert.Equal(t, 0, run.ExitCode)
	assert.Equal(t, "hello\n", results.out["a"])
	assert.Equal(t, []event.Kind{event.KindQueued, event.KindStarted, event.KindFinished}, drainKinds(t, queue))

	calls := executor.calls()
	assert.Len(t, calls, 1)
	assert.Equal(t, "export CUDA_VISIBLE_DEVICES=0 && echo a", calls[0])
}

func TestRunBatch_NonZeroExitFails(t *testing.T) {
	executor := &fakeExecutor{exitCode: 1, stdout: "boom"}
	results := newFakeResults()
	service, queue := newTestService(t, executor, results)

	run := newRun("a")
	assert.NoError(t, service.RunBatch(testCtx(), []*Run{run}))

	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, 1, run.ExitCode)
	// Diagnostics survive the failure.
	assert.Equal(t, "boom", results.errOut["a"])
	assert.Equal(t, []event.Kind{event.KindQueued, event.KindStarted, event.KindFailed}, drainKinds(t, queue))
}

func TestRunBatch_TransportFault(t *testing.T) {
	executor := &fakeExecutor{err: fmt.Errorf("connection reset")}
	results := newFakeResults()
	service, _ := newTestService(t, executor, results)

	run := newRun("a")
	assert.NoError(t, service.RunBatch(testCtx(), []*Run{run}))

	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, -1, run.ExitCode)
	assert.Contains(t, results.errOut["a"], "connection reset")
}

func TestRunBatch_TransportFaultKeepsPartialOutput(t *testing.T) {
	executor := &fakeExecutor{err: fmt.Errorf("connection reset"), stdout: "epoch 1 done\n"}
	results := newFakeResults()
	service, _ := newTestService(t, executor, results)

	run := newRun("a")
	assert.NoError(t, service.RunBatch(testCtx(), []*Run{run}))

	assert.Equal(t, model.StateFailed, run.State)
	// Output received before the fault survives alongside the error.
	assert.Equal(t, "epoch 1 done\n", results.out["a"])
	assert.Contains(t, results.errOut["a"], "connection reset")
}

func TestRunBatch_SkipsWhenResultsExist(t *testing.T) {
	executor := &fakeExecutor{}
	results := newFakeResults("a")
	service, queue := newTestService(t, executor, results)

	run := newRun("a")
	assert.NoError(t, service.RunBatch(testCtx(), []*Run{run}))

	assert.Equal(t, model.StateSkipped, run.State)
	assert.Empty(t, executor.calls())
	assert.Equal(t, []event.Kind{event.KindSkipped}, drainKinds(t, queue))
}

func TestRunBatch_StaggersLaunchesPerMachine(t *testing.T) {
	executor := &fakeExecutor{}
	results := newFakeResults()
	service, _ := newTestService(t, executor, results)

	ctx := policy.WithPolicy(context.Background(), &policy.Policy{
		StaggerDelay: 30 * time.Millisecond, CPUOvercommitCores: 2, GPUUtilizationCeiling: 1.2,
	})
	started := time.Now()
	assert.NoError(t, service.RunBatch(ctx, []*Run{newRun("a"), newRun("b"), newRun("c")}))

	// Two gaps between three launches on one machine.
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)
	assert.Len(t, executor.calls(), 3)
}

func TestRunBatch_MachinesRunInParallel(t *testing.T) {
	executor := &fakeExecutor{}
	results := newFakeResults()
	queue := mmemory.NewQueue[event.Event](mmemory.DefaultConfig())
	runs := store.NewMemoryStore[string, Run](func(r *Run) string { return r.Job.ID })
	service, err := New(Config{}, executor, results, nil, event.NewPublisher(queue), runs, map[string]*model.Machine{
		"box1": {Name: "box1", Host: "h1"},
		"box2": {Name: "box2", Host: "h2"},
	})
	assert.NoError(t, err)

	ctx := policy.WithPolicy(context.Background(), &policy.Policy{
		StaggerDelay: 40 * time.Millisecond, CPUOvercommitCores: 2, GPUUtilizationCeiling: 1.2,
	})
	runA := newRun("a")
	runB := newRun("b")
	runB.Allocation = model.NewAllocation("b", "box2", []int{0}, false)

	started := time.Now()
	assert.NoError(t, service.RunBatch(ctx, []*Run{runA, runB}))
	// One job per machine: no stagger applies anywhere.
	assert.Less(t, time.Since(started), 40*time.Millisecond)
}

type blockingExecutor struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (b *blockingExecutor) Run(context.Context, *model.Machine, string, map[string]string, time.Duration) (*exec.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return &exec.Result{Stdout: "done\n"}, nil
}

func TestRunBatch_CancellationWaitsForInFlightJobs(t *testing.T) {
	executor := &blockingExecutor{release: make(chan struct{})}
	results := newFakeResults()
	service, _ := newTestService(t, executor, results)

	ctx, cancel := context.WithCancel(policy.WithPolicy(context.Background(), &policy.Policy{
		StaggerDelay: time.Hour, CPUOvercommitCores: 2, GPUUtilizationCeiling: 1.2,
	}))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(executor.release)
	}()

	runA, runB := newRun("a"), newRun("b")
	assert.NoError(t, service.RunBatch(ctx, []*Run{runA, runB}))

	// The first launch ran to completion even though the context ended
	// mid-stagger; the second never launched.
	assert.Equal(t, model.StateFinished, runA.State)
	assert.Equal(t, model.StateQueued, runB.State)
	executor.mu.Lock()
	defer executor.mu.Unlock()
	assert.Equal(t, 1, executor.calls)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	queue := mmemory.NewQueue[event.Event](mmemory.DefaultConfig())
	runs := store.NewMemoryStore[string, Run](func(r *Run) string { return r.Job.ID })

	_, err := New(Config{}, nil, newFakeResults(), nil, event.NewPublisher(queue), runs, nil)
	assert.Error(t, err)
	_, err = New(Config{}, &fakeExecutor{}, nil, nil, event.NewPublisher(queue), runs, nil)
	assert.Error(t, err)
}
