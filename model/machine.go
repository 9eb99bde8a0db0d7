package model

import "fmt"

// Machine identifies one remote host a batch can place jobs on. The core
// treats it as an opaque lookup key plus whatever the execution layer needs
// to open a session.
type Machine struct {
	Name        string `json:"name" yaml:"name"`
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	User        string `json:"user,omitempty" yaml:"user,omitempty"`
	Credentials string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// ID returns the stable key used for ledger lookup and tie-breaking.
func (m *Machine) ID() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Host
}

// Address returns host:port suitable for the SSH runner.
func (m *Machine) Address() string {
	port := m.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", m.Host, port)
}

// Validate reports a malformed descriptor; a bad machine aborts the batch
// before anything is contacted.
func (m *Machine) Validate() error {
	if m.Host == "" {
		return fmt.Errorf("machine %q: host is required", m.Name)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("machine %q: invalid port %d", m.Name, m.Port)
	}
	return nil
}

// Accelerator describes one GPU slot in a snapshot.
type Accelerator struct {
	Index       int     `json:"index"`
	Name        string  `json:"name,omitempty"`
	TotalMB     float64 `json:"totalMB"`
	FreeMB      float64 `json:"freeMB"`
	Utilization float64 `json:"utilization"` // proportion in [0,1]
}

// Snapshot is the point-in-time view of one machine's capacity, captured
// once per batch and never re-queried mid-batch.
type Snapshot struct {
	MachineID    string        `json:"machineID"`
	CPUCount     float64       `json:"cpuCount"`
	CPUUsage     float64       `json:"cpuUsage"` // proportion in [0,1]
	MemFreeMB    float64       `json:"memFreeMB"`
	Accelerators []Accelerator `json:"accelerators,omitempty"`
}

// CPUFreeCores derives effectively idle cores from count and usage.
func (s *Snapshot) CPUFreeCores() float64 {
	return s.CPUCount * (1 - s.CPUUsage)
}
