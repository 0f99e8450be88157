// Package dbproc starts and supervises the database under test and its
// resource monitor, locally or on an Android device through adb.
package dbproc

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor tracks the child processes of one benchmark run so they can be
// torn down together. It replaces the ad hoc process-global child lists of the
// original shell tooling with an explicit per-run object.
type Supervisor struct {
	mu     sync.Mutex
	procs  []trackedProc
	logger zerolog.Logger
}

type trackedProc struct {
	name string
	cmd  *exec.Cmd
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// Track registers a started command for teardown.
func (s *Supervisor) Track(name string, cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, trackedProc{name: name, cmd: cmd})
	s.logger.Debug().Str("name", name).Int("pid", cmd.Process.Pid).Msg("Tracking child process")
}

// Count reports how many children are currently tracked.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// StopAll waits grace for trailing output to be flushed, then kills every
// tracked child in reverse start order and reaps it. The supervisor is empty
// afterwards and can be reused for the next run phase.
func (s *Supervisor) StopAll(grace time.Duration) {
	if s.Count() == 0 {
		return
	}
	if grace > 0 {
		s.logger.Info().Dur("grace", grace).Msg("Waiting before terminating child processes")
		time.Sleep(grace)
	}

	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()

	for i := len(procs) - 1; i >= 0; i-- {
		p := procs[i]
		if err := p.cmd.Process.Kill(); err != nil {
			s.logger.Warn().Err(err).Str("name", p.name).Msg("Failed to kill child process")
		}
		// Reap; the error is the kill signal, not a failure
		_ = p.cmd.Wait()
		s.logger.Info().Str("name", p.name).Msg("Child process terminated")
	}
}

// ErrNoPID is returned when the remote database pid cannot be resolved.
var ErrNoPID = fmt.Errorf("could not resolve database pid")
