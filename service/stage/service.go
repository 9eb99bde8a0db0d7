// Package stage copies job inputs to a machine's work area before launch
// and harvests outputs afterwards. Locations are afs URLs, so the work area
// can be a local path, scp target or object store alike.
package stage

import (
	"context"
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Service stages files between the submitting host and machine work areas.
type Service struct {
	fs afs.Service
}

// New creates a staging service.
func New(fs afs.Service) *Service {
	if fs == nil {
		fs = afs.New()
	}
	return &Service{fs: fs}
}

// Forward copies each source path into the destination work area before a
// job starts. Missing sources are an error: a job must not silently start
// without its inputs.
func (s *Service) Forward(ctx context.Context, paths []string, workURL string) error {
	for _, path := range paths {
		exists, err := s.fs.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to check %v: %w", path, err)
		}
		if !exists {
			return fmt.Errorf("forward path does not exist: %v", path)
		}
		_, name := url.Split(path, file.Scheme)
		dest := url.Join(workURL, name)
		if err = s.fs.Copy(ctx, path, dest); err != nil {
			return fmt.Errorf("failed to copy %v to %v: %w", path, dest, err)
		}
	}
	return nil
}

// Backward copies each produced path from the work area into destURL after
// the job exits. Missing outputs are skipped, not fatal: a failed job may
// legitimately have produced nothing.
func (s *Service) Backward(ctx context.Context, paths []string, workURL, destURL string) ([]string, error) {
	var copied []string
	for _, path := range paths {
		source := url.Join(workURL, path)
		exists, err := s.fs.Exists(ctx, source)
		if err != nil {
			return copied, fmt.Errorf("failed to check %v: %w", source, err)
		}
		if !exists {
			continue
		}
		dest := url.Join(destURL, path)
		if err = s.fs.Copy(ctx, source, dest); err != nil {
			return copied, fmt.Errorf("failed to copy %v to %v: %w", source, dest, err)
		}
		copied = append(copied, path)
	}
	return copied, nil
}
