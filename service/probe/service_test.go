package probe

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/herdrun/herd/model"
	"github.com/herdrun/herd/service/exec"
)

type fakeRunner struct {
	result *exec.Result
	err    error
}

func (f *fakeRunner) Run(context.Context, *model.Machine, string, map[string]string, time.Duration) (*exec.Result, error) {
	return f.result, f.err
}

func TestProbe(t *testing.T) {
	runner := &fakeRunner{result: &exec.Result{
		Stdout: "#cpu\n4\n1.00 0.80 0.60 1/2 3\n#mem\n4096000\n#gpu\n0, A100, 40000, 40000, 0\n",
	}}
	service := New(runner, time.Second)

	snapshot, err := service.Probe(context.Background(), &model.Machine{Name: "box1", Host: "h1"})
	assert.NoError(t, err)
	assert.Equal(t, "box1", snapshot.MachineID)
	assert.Equal(t, 4.0, snapshot.CPUCount)
	assert.Len(t, snapshot.Accelerators, 1)
}

func TestProbe_TransportFault(t *testing.T) {
	service := New(&fakeRunner{err: fmt.Errorf("no route to host")}, time.Second)

	_, err := service.Probe(context.Background(), &model.Machine{Name: "box1", Host: "h1"})
	assert.Error(t, err)
	var probeErr *Error
	assert.ErrorAs(t, err, &probeErr)
	assert.Equal(t, "box1", probeErr.MachineID)
}

func TestProbe_NonZeroExit(t *testing.T) {
	service := New(&fakeRunner{result: &exec.Result{ExitCode: 127, Stderr: "sh: not found"}}, time.Second)

	_, err := service.Probe(context.Background(), &model.Machine{Name: "box1", Host: "h1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "box1")
}
