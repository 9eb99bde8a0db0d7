package herd

import (
	"io"

	"github.com/viant/afs"

	"github.com/herdrun/herd/service/dao"
	"github.com/herdrun/herd/service/event"
	"github.com/herdrun/herd/service/messaging"
	"github.com/herdrun/herd/service/probe"
	"github.com/herdrun/herd/service/runner"
)

// Option customises a batch Service.
type Option func(s *Service)

// WithExecutor sets the remote execution layer; tests substitute a fake.
func WithExecutor(executor runner.Executor) Option {
	return func(s *Service) { s.executor = executor }
}

// WithResults sets the result store.
func WithResults(results runner.Results) Option {
	return func(s *Service) { s.results = results }
}

// WithStager sets the staging service.
func WithStager(stager runner.Stager) Option {
	return func(s *Service) { s.stager = stager }
}

// WithProbe sets the probe service.
func WithProbe(service *probe.Service) Option {
	return func(s *Service) { s.probe = service }
}

// WithQueue sets the lifecycle event queue.
func WithQueue(queue messaging.Queue[event.Event]) Option {
	return func(s *Service) { s.queue = queue }
}

// WithRunDAO sets the run record store.
func WithRunDAO(runs dao.Service[string, runner.Run]) Option {
	return func(s *Service) { s.runs = runs }
}

// WithFS sets the file system service shared by config loading and results.
func WithFS(fs afs.Service) Option {
	return func(s *Service) { s.fs = fs }
}

// WithOutput redirects the operator console; defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(s *Service) { s.output = w }
}
