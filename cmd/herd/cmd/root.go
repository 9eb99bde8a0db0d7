// Package cmd wires the command line onto the batch coordinator.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/herdrun/herd"
	"github.com/herdrun/herd/policy"
	"github.com/herdrun/herd/tracing"
)

// version is stamped at build time via -ldflags.
var version = "dev"

type rootFlags struct {
	machines          []string
	numCPUs           float64
	memoryRequired    float64
	reserve           bool
	noGPURequired     bool
	noReserveGPU      bool
	gpuCount          int
	gpuMemoryRequired float64
	gpuUtilization    float64
	copyForwards      []string
	copyBackwards     []string
	resultsDir        string
	workDir           string
	stagger           time.Duration
	probeTimeout      time.Duration
	commandTimeout    time.Duration
	dryRun            bool
	verbose           bool
	trace             string
}

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "herd [flags] <job-script>",
		Short: "herd distributes shell-script jobs across SSH-reachable machines by free resources.",
		Long: "herd probes each machine once, plans every job onto the machine with the most\n" +
			"remaining capacity and runs them over SSH, collecting stdout/stderr per job.\n" +
			"A job whose results already exist is skipped; delete its results to rerun.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, flags, args[0])
		},
	}

	cmd.Flags().StringSliceVar(&flags.machines, "machines", nil, "machine descriptor files, one per machine")
	cmd.Flags().Float64Var(&flags.numCPUs, "num-cpus", 1, "cpu cores each job claims")
	cmd.Flags().Float64Var(&flags.memoryRequired, "memory-required", 7000, "memory in MB each job claims")
	cmd.Flags().BoolVar(&flags.reserve, "reserve", false, "reserve the whole machine per job")
	cmd.Flags().BoolVar(&flags.noGPURequired, "no-gpu-required", false, "place jobs without claiming an accelerator")
	cmd.Flags().BoolVar(&flags.noReserveGPU, "no-reserve-gpu", false, "share accelerators between jobs instead of reserving")
	cmd.Flags().IntVar(&flags.gpuCount, "num-gpus", 1, "accelerators each job claims")
	cmd.Flags().Float64Var(&flags.gpuMemoryRequired, "gpu-memory-required", 1000, "accelerator memory in MB each job claims")
	cmd.Flags().Float64Var(&flags.gpuUtilization, "gpu-utilization", 0.75, "accelerator utilization each job claims, in [0,1]")
	cmd.Flags().StringSliceVar(&flags.copyForwards, "copy-forwards", nil, "paths staged to the work area before each job")
	cmd.Flags().StringSliceVar(&flags.copyBackwards, "copy-backwards", nil, "paths harvested into the results folder after each job")
	cmd.Flags().StringVar(&flags.resultsDir, "results-dir", "job_results", "directory holding per-job .out/.err results")
	cmd.Flags().StringVar(&flags.workDir, "work-dir", "", "work area forward paths are staged into; empty disables staging")
	cmd.Flags().DurationVar(&flags.stagger, "stagger", policy.DefaultStaggerDelay, "delay between successive launches on one machine")
	cmd.Flags().DurationVar(&flags.probeTimeout, "probe-timeout", 30*time.Second, "per-machine probe timeout; an expired probe excludes the machine")
	cmd.Flags().DurationVar(&flags.commandTimeout, "command-timeout", 0, "per-job command timeout; zero means unlimited")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "plan and report allocations without running anything")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&flags.trace, "trace", "", "write spans to the given file ('-' for stdout); empty disables tracing")
	_ = cmd.MarkFlagRequired("machines")

	return cmd
}

func runBatch(cmd *cobra.Command, flags *rootFlags, scriptURL string) error {
	if flags.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if flags.trace != "" {
		output := flags.trace
		if output == "-" {
			output = ""
		}
		if err := tracing.Init("herd", version, output); err != nil {
			return fmt.Errorf("failed to initialise tracing: %w", err)
		}
	}

	cfg := herd.DefaultConfig()
	cfg.MachineRefs = flags.machines
	cfg.ScriptURL = scriptURL
	cfg.Request.CPUCores = flags.numCPUs
	cfg.Request.MemoryMB = flags.memoryRequired
	cfg.Request.ReserveMachine = flags.reserve
	cfg.Request.GPURequired = !flags.noGPURequired
	cfg.Request.ReserveGPU = !flags.noReserveGPU
	cfg.Request.GPUCount = flags.gpuCount
	cfg.Request.GPUMemoryMB = flags.gpuMemoryRequired
	cfg.Request.GPUUtilization = flags.gpuUtilization
	if !cfg.Request.GPURequired {
		cfg.Request.GPUCount = 0
		cfg.Request.ReserveGPU = false
	}
	cfg.ForwardPaths = flags.copyForwards
	cfg.BackwardPaths = flags.copyBackwards
	cfg.ResultsRootURL = flags.resultsDir
	cfg.WorkRootURL = flags.workDir
	cfg.ProbeTimeout = flags.probeTimeout
	cfg.CommandTimeout = flags.commandTimeout
	cfg.DryRun = flags.dryRun
	cfg.Policy = policy.Default()
	cfg.Policy.StaggerDelay = flags.stagger

	service, err := herd.New(cfg)
	if err != nil {
		return err
	}
	summary, err := service.Run(cmd.Context())
	if err != nil {
		return err
	}
	if summary.Failed() {
		fmt.Fprintln(os.Stderr, "batch finished with failures")
		os.Exit(summary.ExitCode())
	}
	return nil
}
