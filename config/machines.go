// Package config loads the pre-validated inputs a batch runs from: machine
// descriptors, the job script and per-job overrides. Anything malformed
// here is fatal before a single machine is contacted.
package config

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/herdrun/herd/model"
)

// LoadMachines reads one machine descriptor per reference. A reference is
// an afs URL (or plain path) to a YAML document:
//
//	name: box1
//	host: box1.lab.internal
//	port: 22
//	user: batch
//	credentials: secrets/box1
func LoadMachines(ctx context.Context, fs afs.Service, refs []string) ([]*model.Machine, error) {
	if fs == nil {
		fs = afs.New()
	}
	if len(refs) == 0 {
		return nil, errors.New("at least one machine descriptor is required")
	}
	machines := make([]*model.Machine, 0, len(refs))
	seen := make(map[string]bool)
	for _, ref := range refs {
		data, err := fs.DownloadWithURL(ctx, ref)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read machine descriptor %v", ref)
		}
		machine := &model.Machine{}
		if err = yaml.Unmarshal(data, machine); err != nil {
			return nil, errors.Wrapf(err, "failed to parse machine descriptor %v", ref)
		}
		if err = machine.Validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid machine descriptor %v", ref)
		}
		if seen[machine.ID()] {
			return nil, fmt.Errorf("duplicate machine id %v (descriptor %v)", machine.ID(), ref)
		}
		seen[machine.ID()] = true
		machines = append(machines, machine)
	}
	return machines, nil
}
