package probe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/herdrun/herd/model"
)

// Parse decodes the probe command output into a snapshot. Expected layout:
//
//	#cpu
//	<nproc>
//	<loadavg line>
//	#mem
//	<available KB>
//	#gpu
//	<index>, <name>, <total MB>, <free MB>, <util %>   (zero or more)
func Parse(output string) (*model.Snapshot, error) {
	sections := make(map[string][]string)
	current := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			current = line
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}

	cpu := sections["#cpu"]
	if len(cpu) < 2 {
		return nil, fmt.Errorf("malformed probe output: missing cpu section")
	}
	cpuCount, err := strconv.ParseFloat(cpu[0], 64)
	if err != nil || cpuCount <= 0 {
		return nil, fmt.Errorf("malformed cpu count %q", cpu[0])
	}
	loadFields := strings.Fields(cpu[1])
	if len(loadFields) == 0 {
		return nil, fmt.Errorf("malformed loadavg line %q", cpu[1])
	}
	load, err := strconv.ParseFloat(loadFields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed load average %q", loadFields[0])
	}
	usage := load / cpuCount
	if usage > 1 {
		usage = 1
	}

	mem := sections["#mem"]
	if len(mem) < 1 {
		return nil, fmt.Errorf("malformed probe output: missing mem section")
	}
	availableKB, err := strconv.ParseFloat(mem[0], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed available memory %q", mem[0])
	}

	snapshot := &model.Snapshot{
		CPUCount:  cpuCount,
		CPUUsage:  usage,
		MemFreeMB: availableKB / 1024,
	}
	for _, line := range sections["#gpu"] {
		accelerator, err := parseGPULine(line)
		if err != nil {
			return nil, err
		}
		snapshot.Accelerators = append(snapshot.Accelerators, *accelerator)
	}
	return snapshot, nil
}

func parseGPULine(line string) (*model.Accelerator, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return nil, fmt.Errorf("malformed gpu line %q", line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("malformed gpu index %q", fields[0])
	}
	total, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed gpu memory total %q", fields[2])
	}
	free, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed gpu memory free %q", fields[3])
	}
	utilPercent, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed gpu utilization %q", fields[4])
	}
	return &model.Accelerator{
		Index:       index,
		Name:        fields[1],
		TotalMB:     total,
		FreeMB:      free,
		Utilization: utilPercent / 100,
	}, nil
}
