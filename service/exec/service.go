// Package exec opens shell sessions against batch machines and runs job
// commands in them. Localhost uses an in-process runner; anything else goes
// over SSH with credentials resolved through scy.
package exec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
	rssh "github.com/viant/gosh/runner/ssh"
	"github.com/viant/scy/cred/secret"
	"golang.org/x/crypto/ssh"

	"github.com/herdrun/herd/model"
)

// Service executes commands on batch machines, caching one session per
// machine so repeated jobs and probes reuse the connection.
type Service struct {
	sessions map[string]*sessionInfo
	mux      sync.Mutex
}

type sessionInfo struct {
	service *gosh.Service
}

// New creates a new execution service.
func New() *Service {
	return &Service{sessions: make(map[string]*sessionInfo)}
}

// Result captures one remote invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes command on machine with the supplied environment overrides.
// Overrides are rendered as an export prefix on the command line rather
// than mutating any ambient process environment. A transport fault returns
// an error alongside a result holding whatever output was received before
// the fault; a non-zero remote exit does not return an error.
func (s *Service) Run(ctx context.Context, machine *model.Machine, command string, env map[string]string, timeout time.Duration) (*Result, error) {
	session, err := s.getSession(ctx, machine)
	if err != nil {
		return nil, fmt.Errorf("failed to open session to %v: %w", machine.ID(), err)
	}
	rendered := Render(command, env)

	var options []runner.Option
	if timeout > 0 {
		options = append(options, runner.WithTimeout(int(timeout.Milliseconds())))
	}
	stdout, status, err := session.service.Run(ctx, rendered, options...)
	if err != nil && status == 0 {
		// Keep any partial output so diagnostics survive the fault.
		return &Result{Stdout: stdout}, fmt.Errorf("transport fault on %v: %w", machine.ID(), err)
	}
	result := &Result{Stdout: stdout, ExitCode: status}
	if status != 0 {
		result.Stderr = stdout
		if err != nil {
			result.Stderr = strings.TrimSpace(result.Stderr + "\n" + err.Error())
		}
	}
	return result, nil
}

// Render prepends deterministic export statements for the environment
// overrides to the command line.
func Render(command string, env map[string]string) string {
	if len(env) == 0 {
		return command
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var prefix strings.Builder
	for _, key := range keys {
		prefix.WriteString(fmt.Sprintf("export %s=%s && ", key, env[key]))
	}
	return prefix.String() + command
}

// getSession retrieves an existing session or creates a new one.
func (s *Service) getSession(ctx context.Context, machine *model.Machine) (*sessionInfo, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if session, ok := s.sessions[machine.ID()]; ok {
		return session, nil
	}

	var service *gosh.Service
	var err error
	if machine.Host == "localhost" || machine.Host == "127.0.0.1" {
		service, err = gosh.New(ctx, local.New())
	} else {
		config, cfgErr := s.sshConfig(ctx, machine)
		if cfgErr != nil {
			return nil, fmt.Errorf("failed to get SSH config for %v: %w", machine.ID(), cfgErr)
		}
		service, err = gosh.New(ctx, rssh.New(machine.Address(), config))
	}
	if err != nil {
		return nil, err
	}
	session := &sessionInfo{service: service}
	s.sessions[machine.ID()] = session
	return session, nil
}

// sshConfig resolves the machine's credential reference through scy.
func (s *Service) sshConfig(ctx context.Context, machine *model.Machine) (*ssh.ClientConfig, error) {
	credentials := machine.Credentials
	if credentials == "" {
		credentials = "localhost"
	}
	secrets := secret.New()
	generic, err := secrets.GetCredentials(ctx, credentials)
	if err != nil {
		return nil, err
	}
	return generic.SSH.Config(ctx)
}

// Close releases all sessions held by this service.
func (s *Service) Close(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	var errs []string
	for id, session := range s.sessions {
		if err := session.service.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("failed to close session %s: %v", id, err))
		}
	}
	s.sessions = make(map[string]*sessionInfo)
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}
