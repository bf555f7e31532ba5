// Package supervisor runs an external signature engine process and tracks
// its start-up from the lines it prints.
//
// The process is Ready once a stdout line contains the readiness marker. It
// is Failed as soon as anything is written to stderr or when it exits
// without being stopped.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultReadyMarker is printed by the engine once its server port is bound.
const DefaultReadyMarker = "Loading SecSigner properties"

// State is the supervised process state.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("supervisor: process already started")
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("supervisor: process not started")
	// ErrStopped is returned by WaitReady once the process was stopped.
	ErrStopped = errors.New("supervisor: process stopped")
)

// Config describes the process.
type Config struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the current environment.
	Env []string

	// ReadyMarker defaults to DefaultReadyMarker.
	ReadyMarker string

	// Log receives every output line, stdout and stderr interleaved.
	Log io.Writer

	Logger *zap.Logger
}

// Supervisor owns one process run.
type Supervisor struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	err      error
	lines    []string
	cmd      *exec.Cmd
	stopping bool
	done     chan struct{}
}

// New creates a supervisor in StateNotStarted.
func New(cfg Config) *Supervisor {
	if cfg.ReadyMarker == "" {
		cfg.ReadyMarker = DefaultReadyMarker
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		log:     log.With(zap.String("command", cfg.Command)),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason of a failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Output returns the lines printed so far.
func (s *Supervisor) Output() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Done is closed once the process has exited and its output is drained.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start spawns the process and returns once it is running. It does not
// wait for readiness; use WaitReady.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.setLocked(StateFailed, fmt.Errorf("supervisor: could not start process: %w", err))
		close(s.done)
		return s.err
	}
	s.cmd = cmd
	s.setLocked(StateStarting, nil)
	s.log.Info("engine process started", zap.Int("pid", cmd.Process.Pid))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.read(stdout, false)
	}()
	go func() {
		defer readers.Done()
		s.read(stderr, true)
	}()
	go func() {
		readers.Wait()
		s.exited(cmd.Wait())
	}()
	return nil
}

func (s *Supervisor) read(r io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.line(line, isStderr)
	}
}

func (s *Supervisor) line(line string, isStderr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if s.cfg.Log != nil {
		_, _ = io.WriteString(s.cfg.Log, line+"\n")
	}

	if isStderr {
		s.log.Warn("engine stderr", zap.String("line", line))
		if s.state == StateStarting || s.state == StateReady {
			s.setLocked(StateFailed, fmt.Errorf("supervisor: engine reported an error: %s", line))
		}
		return
	}
	s.log.Debug("engine stdout", zap.String("line", line))
	if s.state == StateStarting && strings.Contains(line, s.cfg.ReadyMarker) {
		s.setLocked(StateReady, nil)
		s.log.Info("engine ready")
	}
}

func (s *Supervisor) exited(waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(s.done)

	switch {
	case s.stopping:
		s.setLocked(StateStopped, nil)
		s.log.Info("engine process stopped")
	case s.state == StateStarting || s.state == StateReady:
		err := fmt.Errorf("supervisor: engine exited unexpectedly")
		if waitErr != nil {
			err = fmt.Errorf("supervisor: engine exited unexpectedly: %w", waitErr)
		}
		if len(s.lines) > 0 {
			err = fmt.Errorf("%w\n%s", err, strings.Join(s.lines, "\n"))
		}
		s.setLocked(StateFailed, err)
		s.log.Error("engine process exited", zap.Error(waitErr))
	}
}

// setLocked records a transition and wakes waiters. A failure reason, once
// set, is kept.
func (s *Supervisor) setLocked(state State, err error) {
	s.state = state
	if err != nil && s.err == nil {
		s.err = err
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// WaitReady blocks until the process is Ready, Failed or Stopped, or ctx is
// done. It returns nil only for Ready.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, err, changed := s.state, s.err, s.changed
		s.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateFailed:
			return err
		case StateStopped:
			return ErrStopped
		case StateNotStarted:
			return ErrNotStarted
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop kills the process and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	s.stopping = true
	proc := s.cmd.Process
	s.mu.Unlock()

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("supervisor: kill: %w", err)
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
