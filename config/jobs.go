package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/herdrun/herd/model"
)

// overrideMarker separates the shell command from per-job overrides on a
// script line, e.g.
//
//	python train.py --lr 0.1 #herd: --job-name lr01 --machine box2 --gpus 0,1
const overrideMarker = "#herd:"

// LoadJobs reads the job script (one shell command per line, blank lines
// and comment lines ignored) and builds validated jobs. Defaults supplies
// the flag-derived resource request applied to every job; trailing
// overrides on a line are parsed per job and win over the defaults.
func LoadJobs(ctx context.Context, fs afs.Service, scriptURL string, defaults model.Request, forward, backward []string) ([]*model.Job, error) {
	if fs == nil {
		fs = afs.New()
	}
	data, err := fs.DownloadWithURL(ctx, scriptURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job script %v", scriptURL)
	}
	_, baseName := url.Split(scriptURL, file.Scheme)

	var jobs []*model.Job
	for i, line := range strings.Split(string(data), "\n") {
		lineNum := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		job, err := parseJobLine(trimmed, fmt.Sprintf("%v.%d", baseName, lineNum), defaults, forward, backward)
		if err != nil {
			return nil, errors.Wrapf(err, "job script %v line %d", scriptURL, lineNum)
		}
		job.ID = fmt.Sprintf("%v:%d", baseName, lineNum)
		if err = job.Validate(); err != nil {
			return nil, errors.Wrapf(err, "job script %v line %d", scriptURL, lineNum)
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job script %v contains no commands", scriptURL)
	}
	return jobs, nil
}

// parseJobLine splits off the override suffix, applies it over the default
// request and returns the job record.
func parseJobLine(line, defaultName string, defaults model.Request, forward, backward []string) (*model.Job, error) {
	command := line
	overrides := ""
	if idx := strings.Index(line, overrideMarker); idx >= 0 {
		command = strings.TrimSpace(line[:idx])
		overrides = strings.TrimSpace(line[idx+len(overrideMarker):])
	}
	if command == "" {
		return nil, fmt.Errorf("line holds overrides but no command")
	}

	job := &model.Job{
		Name:          defaultName,
		Command:       command,
		Request:       defaults,
		ForwardPaths:  append([]string(nil), forward...),
		BackwardPaths: append([]string(nil), backward...),
	}
	if overrides == "" {
		return job, nil
	}
	if err := applyOverrides(job, overrides); err != nil {
		return nil, err
	}
	return job, nil
}

// applyOverrides parses the per-job flag set. Per-job pins fully override
// global auto-placement for that job only.
func applyOverrides(job *model.Job, overrides string) error {
	flags := pflag.NewFlagSet("job", pflag.ContinueOnError)
	flags.Usage = func() {}

	name := flags.String("job-name", job.Name, "")
	machine := flags.String("machine", "", "")
	gpus := flags.String("gpus", "", "")
	forward := flags.StringSlice("copy-forwards", nil, "")
	backward := flags.StringSlice("copy-backwards", nil, "")
	cpus := flags.Float64("num-cpus", job.Request.CPUCores, "")
	memory := flags.Float64("memory-required", job.Request.MemoryMB, "")
	gpuMemory := flags.Float64("gpu-memory-required", job.Request.GPUMemoryMB, "")
	gpuUtil := flags.Float64("gpu-utilization", job.Request.GPUUtilization, "")
	reserve := flags.Bool("reserve", job.Request.ReserveMachine, "")
	noGPU := flags.Bool("no-gpu-required", !job.Request.GPURequired, "")
	noReserveGPU := flags.Bool("no-reserve-gpu", !job.Request.ReserveGPU, "")

	if err := flags.Parse(strings.Fields(overrides)); err != nil {
		return fmt.Errorf("malformed job overrides %q: %w", overrides, err)
	}
	if args := flags.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected job override arguments: %v", args)
	}

	job.Name = *name
	job.Request.CPUCores = *cpus
	job.Request.MemoryMB = *memory
	job.Request.GPUMemoryMB = *gpuMemory
	job.Request.GPUUtilization = *gpuUtil
	job.Request.ReserveMachine = *reserve
	job.Request.GPURequired = !*noGPU
	job.Request.ReserveGPU = !*noReserveGPU
	if !job.Request.GPURequired {
		job.Request.GPUCount = 0
		job.Request.ReserveGPU = false
	} else if job.Request.GPUCount == 0 {
		job.Request.GPUCount = 1
	}
	if len(*forward) > 0 {
		job.ForwardPaths = *forward
	}
	if len(*backward) > 0 {
		job.BackwardPaths = *backward
	}
	job.PinMachine = *machine
	if *gpus != "" {
		pins, err := parseGPUList(*gpus)
		if err != nil {
			return err
		}
		job.PinGPUs = pins
		job.Request.GPUCount = len(pins)
	}
	return nil
}

func parseGPUList(list string) ([]int, error) {
	parts := strings.Split(list, ",")
	pins := make([]int, 0, len(parts))
	for _, part := range parts {
		index, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("malformed gpu list %q", list)
		}
		pins = append(pins, index)
	}
	return pins, nil
}
