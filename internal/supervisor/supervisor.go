// Package supervisor owns the lifecycle of the detection subprocess:
// launch, liveness probing, graceful stop, and bounded-retry
// exponential-backoff restart, per spec.md §4.5. It is grounded on the
// pack's only real subprocess-lifecycle code
// (identity-agent-core/tunnel/cloudflare.go's exec.Cmd + stderr pipe +
// monitor goroutine + kill shape), generalized from a tunnel binary to
// the detection engine binary and extended with golang.org/x/sys/unix
// signal delivery for liveness probing and rule-reload.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"vnidsd/internal/logging"
	"vnidsd/internal/vnidserr"
)

// State is the supervisor's finite lifecycle state, spec.md §4.5.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config carries every argument the launched subprocess needs, spec.md
// §3's "configured arguments" attribute of Supervisor State.
type Config struct {
	Binary         string
	ConfigPath     string
	EventSocket    string
	RulesDir       string
	LogDir         string
	Interfaces     []string
	CheckInterval  time.Duration
	MaxRestarts    int
	GracefulWindow time.Duration
}

// maxInterfaces bounds the configured interface list per spec.md's
// resource limits table.
const maxInterfaces = 16

// Supervisor manages the detection subprocess's lifecycle state machine.
type Supervisor struct {
	logger *logging.Logger
	cfg    Config

	mu    sync.Mutex
	state State

	cmd   *exec.Cmd
	pid   int
	autoRestart  bool
	restartCount int

	lastStart time.Time
	lastStop  time.Time

	stopping bool
	wakeCh   chan struct{}
	doneCh   chan struct{}

	logFile *os.File
}

// New creates a Supervisor for the given configuration. It does not launch
// anything until Start is called.
func New(logger *logging.Logger, cfg Config) *Supervisor {
	if len(cfg.Interfaces) > maxInterfaces {
		cfg.Interfaces = cfg.Interfaces[:maxInterfaces]
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.GracefulWindow <= 0 {
		cfg.GracefulWindow = 10 * time.Second
	}
	return &Supervisor{
		logger:      logger,
		cfg:         cfg,
		autoRestart: true,
		wakeCh:      make(chan struct{}, 1),
	}
}

// Start launches the monitor goroutine. It returns once the initial launch
// attempt has been made; the caller observes the outcome via State().
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateFailed {
		s.mu.Unlock()
		return vnidserr.New(vnidserr.KindSubprocess, fmt.Sprintf("already started (state=%s)", s.state))
	}
	s.state = StateStarting
	s.stopping = false
	s.restartCount = 0
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.launch(); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.logger.LogSupervisorEvent("spawn_failed", "error", err)
		close(s.doneCh)
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.lastStart = time.Now()
	s.mu.Unlock()
	s.logger.LogSupervisorEvent("started", "pid", s.pid)

	go s.monitorLoop()
	return nil
}

// launch constructs the subprocess argument vector and starts it. The
// caller must hold no lock; launch takes s.mu internally only to record
// cmd/pid.
func (s *Supervisor) launch() error {
	args := []string{"-c", s.cfg.ConfigPath, "--unix-socket", s.cfg.EventSocket}
	if s.cfg.RulesDir != "" {
		args = append(args, "-S", s.cfg.RulesDir)
	}
	if s.cfg.LogDir != "" {
		args = append(args, "-l", s.cfg.LogDir)
	}
	for _, iface := range s.cfg.Interfaces {
		args = append(args, "-i", iface)
	}
	args = append(args, "--runmode", "workers")

	cmd := exec.Command(s.cfg.Binary, args...)

	if s.cfg.LogDir != "" {
		f, err := os.OpenFile(s.cfg.LogDir+"/suricata.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return vnidserr.Wrap(vnidserr.KindIO, "open subprocess log", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		s.mu.Lock()
		s.logFile = f
		s.mu.Unlock()
	}

	if err := cmd.Start(); err != nil {
		return vnidserr.Wrap(vnidserr.KindSubprocess, "start subprocess", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// monitorLoop wakes every CheckInterval or on an explicit signal, probes
// liveness, and drives the restart/backoff state machine.
func (s *Supervisor) monitorLoop() {
	defer close(s.doneCh)
	for {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		select {
		case <-s.wakeCh:
		case <-time.After(s.cfg.CheckInterval):
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		if s.state == StateFailed {
			// Terminal until an explicit Start; nothing left to probe.
			s.mu.Unlock()
			continue
		}

		alive := s.probeLocked()
		if alive {
			if s.state == StateRestarting {
				s.state = StateRunning
				s.restartCount = 0
				s.logger.LogSupervisorEvent("recovered", "pid", s.pid)
			}
			s.mu.Unlock()
			continue
		}

		// Subprocess has exited.
		s.state = StateStopped
		s.lastStop = time.Now()
		if s.logFile != nil {
			_ = s.logFile.Close()
			s.logFile = nil
		}
		s.logger.LogSupervisorEvent("exited", "pid", s.pid)

		if !s.autoRestart {
			s.mu.Unlock()
			continue
		}
		if s.restartCount >= s.cfg.MaxRestarts {
			s.state = StateFailed
			s.logger.LogSupervisorEvent("restart_exhausted", "attempts", s.restartCount)
			s.mu.Unlock()
			continue
		}

		s.restartCount++
		backoff := backoffFor(s.restartCount)
		s.state = StateRestarting
		attempt := s.restartCount
		s.mu.Unlock()

		s.logger.LogSupervisorEvent("relaunching", "attempt", attempt, "backoff", backoff)
		time.Sleep(backoff)

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.launch(); err != nil {
			s.mu.Lock()
			s.state = StateFailed
			s.mu.Unlock()
			s.logger.LogSupervisorEvent("spawn_failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.lastStart = time.Now()
		s.mu.Unlock()
	}
}

// backoffFor computes min(1000*2^(n-1), 60000) ms for the n-th consecutive
// restart attempt, spec.md §4.5.
func backoffFor(attempt int) time.Duration {
	ms := int64(1000)
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= 60000 {
			return 60000 * time.Millisecond
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// probeLocked sends signal 0 to check liveness. Caller must hold s.mu.
func (s *Supervisor) probeLocked() bool {
	if s.pid == 0 {
		return false
	}
	err := unix.Kill(s.pid, 0)
	return err == nil
}

// IsRunning reports whether the subprocess is believed to be running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the last known subprocess pid, or 0 if never started.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// RestartCount returns the current consecutive-restart counter.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// SetAutoRestart toggles the auto-restart policy the monitor loop reads on
// its next exit observation. It does not cancel an in-flight backoff timer
// — see DESIGN.md's Open Question on the auto_restart pause/resume gap.
func (s *Supervisor) SetAutoRestart(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRestart = enabled
}

// ReloadRules sends SIGHUP to the subprocess, requesting a rule reload. It
// returns a status without waiting for the reload to complete, spec.md
// §4.5.
func (s *Supervisor) ReloadRules() error {
	s.mu.Lock()
	pid := s.pid
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || pid == 0 {
		return vnidserr.New(vnidserr.KindSubprocess, "subprocess not running")
	}
	if err := unix.Kill(pid, unix.SIGHUP); err != nil {
		return vnidserr.Wrap(vnidserr.KindSubprocess, "send reload signal", err)
	}
	s.logger.LogSupervisorEvent("rules_reload_requested", "pid", pid)
	return nil
}

// Stop requests graceful termination: SIGTERM, wait up to the configured
// graceful window, then SIGKILL and reap. Stop is idempotent and safe to
// call from multiple paths (orchestrator teardown, destructor-style
// cleanup).
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	pid := s.pid
	cmd := s.cmd
	wasRunning := s.state == StateRunning || s.state == StateRestarting || s.state == StateStarting
	done := s.doneCh
	s.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}

	if done != nil {
		<-done
	}

	if !wasRunning || pid == 0 || cmd == nil || cmd.Process == nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		s.logger.LogSupervisorEvent("graceful_stop", "pid", pid, "error", err)
	}

	deadline := time.Now().Add(s.cfg.GracefulWindow)
	for time.Now().Before(deadline) {
		if unix.Kill(pid, 0) != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if unix.Kill(pid, 0) == nil {
		s.logger.LogSupervisorEvent("force_kill", "pid", pid)
		_ = unix.Kill(pid, unix.SIGKILL)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.lastStop = time.Now()
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
	s.mu.Unlock()
	return nil
}
