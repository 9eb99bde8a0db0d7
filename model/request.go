package model

import "fmt"

// Request captures the resources one job claims on its machine. Defaults
// bias toward reserving a whole accelerator per job unless relaxed.
type Request struct {
	ReserveMachine bool    `json:"reserveMachine,omitempty"`
	CPUCores       float64 `json:"cpuCores"`
	MemoryMB       float64 `json:"memoryMB"`
	GPURequired    bool    `json:"gpuRequired"`
	GPUCount       int     `json:"gpuCount,omitempty"`
	GPUMemoryMB    float64 `json:"gpuMemoryMB,omitempty"`
	GPUUtilization float64 `json:"gpuUtilization,omitempty"`
	ReserveGPU     bool    `json:"reserveGPU,omitempty"`
}

// DefaultRequest mirrors the stock per-job claim: one core, 7 GB of memory
// and one exclusively reserved GPU with 1 GB of GPU memory.
func DefaultRequest() Request {
	return Request{
		CPUCores:       1,
		MemoryMB:       7000,
		GPURequired:    true,
		GPUCount:       1,
		GPUMemoryMB:    1000,
		GPUUtilization: 0.75,
		ReserveGPU:     true,
	}
}

// Validate rejects self-contradictory claims before any machine is contacted.
func (r *Request) Validate() error {
	if r.CPUCores < 0 {
		return fmt.Errorf("cpu cores must not be negative: %v", r.CPUCores)
	}
	if r.MemoryMB < 0 {
		return fmt.Errorf("memory must not be negative: %v", r.MemoryMB)
	}
	if !r.GPURequired {
		if r.ReserveGPU && r.GPUCount > 0 {
			return fmt.Errorf("gpu reservation requested but no gpu required")
		}
		return nil
	}
	if r.GPUCount <= 0 {
		return fmt.Errorf("gpu required but gpu count is %d", r.GPUCount)
	}
	if r.GPUMemoryMB < 0 {
		return fmt.Errorf("gpu memory must not be negative: %v", r.GPUMemoryMB)
	}
	if r.GPUUtilization < 0 || r.GPUUtilization > 1 {
		return fmt.Errorf("gpu utilization must be within [0,1]: %v", r.GPUUtilization)
	}
	return nil
}
