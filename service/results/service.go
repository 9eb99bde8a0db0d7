// Package results persists per-job outcomes under the results root: a
// <name>.out/<name>.err pair per job plus an optional <name>/ folder with
// backward-copied files. The presence of <name>.out is also the idempotency
// marker that turns a re-run into a skip.
package results

import (
	"bytes"
	"context"
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// DefaultRoot is where results land unless configured otherwise.
const DefaultRoot = "job_results"

// Service reads and writes the results root.
type Service struct {
	fs      afs.Service
	rootURL string
}

// New creates a results store rooted at rootURL.
func New(fs afs.Service, rootURL string) *Service {
	if fs == nil {
		fs = afs.New()
	}
	if rootURL == "" {
		rootURL = DefaultRoot
	}
	return &Service{fs: fs, rootURL: rootURL}
}

// RootURL exposes the configured root.
func (s *Service) RootURL() string {
	return s.rootURL
}

// Exists reports whether a prior run already produced output for jobName.
func (s *Service) Exists(ctx context.Context, jobName string) (bool, error) {
	ok, err := s.fs.Exists(ctx, s.outURL(jobName))
	if err != nil {
		return false, fmt.Errorf("failed to check results for %v: %w", jobName, err)
	}
	return ok, nil
}

// Write records the captured stdout/stderr for jobName. Prior content is
// preserved by appending, so diagnostics from earlier attempts survive.
func (s *Service) Write(ctx context.Context, jobName, stdout, stderr string) error {
	if err := s.append(ctx, s.outURL(jobName), stdout); err != nil {
		return err
	}
	return s.append(ctx, s.errURL(jobName), stderr)
}

// JobFolderURL returns the backward-copy destination for jobName.
func (s *Service) JobFolderURL(jobName string) string {
	return url.Join(s.rootURL, jobName)
}

func (s *Service) append(ctx context.Context, URL, content string) error {
	data := []byte(content)
	if exists, _ := s.fs.Exists(ctx, URL); exists {
		prior, err := s.fs.DownloadWithURL(ctx, URL)
		if err != nil {
			return fmt.Errorf("failed to read %v: %w", URL, err)
		}
		data = append(prior, data...)
	}
	if err := s.fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %v: %w", URL, err)
	}
	return nil
}

func (s *Service) outURL(jobName string) string {
	return url.Join(s.rootURL, jobName+".out")
}

func (s *Service) errURL(jobName string) string {
	return url.Join(s.rootURL, jobName+".err")
}
