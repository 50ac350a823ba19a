package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Outcome is how a process ended.
type Outcome struct {
	// ExitCode is the exit status, or 128+signal when killed by a signal.
	ExitCode int
	// Signal is the name of the terminating signal ("SIGTERM"), empty if none.
	Signal string
}

// Success reports whether the process exited normally with status 0.
func (o Outcome) Success() bool {
	return o.ExitCode == 0 && o.Signal == ""
}

func (o Outcome) String() string {
	if o.Signal != "" {
		return fmt.Sprintf("signal %s", o.Signal)
	}
	return fmt.Sprintf("exit code %d", o.ExitCode)
}

// SpawnError reports that an executable could not be started.
type SpawnError struct {
	LogName string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.LogName, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Options configure Spawn.
type Options struct {
	// LogName names the process in logs and log files.
	LogName string
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *slog.Logger
	// OnExit runs once, after the outcome resolved and before observers are released.
	OnExit func(Outcome, error)
}

// ManagedProcess is a spawned process whose outcome resolves exactly once.
// Every observer sees the same outcome regardless of when it asks.
type ManagedProcess struct {
	logName string
	command Command
	logger  *slog.Logger
	onExit  func(Outcome, error)

	cmd       *exec.Cmd
	pid       int
	startTime time.Time

	resolveOnce sync.Once
	done        chan struct{}
	outcome     Outcome
	err         error

	termOnce sync.Once
	signalMu sync.Mutex
	signals  []string
}

// Spawn starts cmd in its own process group. A start failure does not return
// an error: the handle resolves immediately with a *SpawnError instead.
func Spawn(cmd Command, opts Options) *ManagedProcess {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &ManagedProcess{
		logName: opts.LogName,
		command: cmd,
		logger:  logger,
		onExit:  opts.OnExit,
		done:    make(chan struct{}),
	}

	c := cmd.build()
	c.Stdout = opts.Stdout
	c.Stderr = opts.Stderr
	// Own process group so signals reach helpers the daemon forks.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p.startTime = time.Now()
	if err := c.Start(); err != nil {
		spawnErr := &SpawnError{LogName: p.logName, Command: cmd.String(), Err: err}
		p.logger.Error("process_spawn_failed",
			"log_name", p.logName,
			"command", cmd.String(),
			"error", err,
		)
		p.resolve(Outcome{}, spawnErr)
		return p
	}

	p.cmd = c
	p.pid = c.Process.Pid
	p.logger.Info("process_spawned",
		"log_name", p.logName,
		"pid", p.pid,
		"command", cmd.String(),
	)

	go p.wait()
	return p
}

// Failed returns a handle that is already resolved with a *SpawnError.
// Callers use it when a spawn is refused before reaching the OS.
func Failed(cmd Command, logName string, err error) *ManagedProcess {
	p := &ManagedProcess{
		logName: logName,
		command: cmd,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	p.resolve(Outcome{}, &SpawnError{LogName: logName, Command: cmd.String(), Err: err})
	return p
}

func (p *ManagedProcess) wait() {
	waitErr := p.cmd.Wait()
	outcome, err := extractOutcome(waitErr)
	p.logger.Info("process_exited",
		"log_name", p.logName,
		"pid", p.pid,
		"exit_code", outcome.ExitCode,
		"signal", outcome.Signal,
		"uptime", time.Since(p.startTime).String(),
	)
	p.resolve(outcome, err)
}

// resolve records the outcome. Later calls are ignored.
func (p *ManagedProcess) resolve(o Outcome, err error) {
	p.resolveOnce.Do(func() {
		p.outcome = o
		p.err = err
		if p.onExit != nil {
			p.onExit(o, err)
		}
		close(p.done)
	})
}

// LogName returns the logical name of the process.
func (p *ManagedProcess) LogName() string { return p.logName }

// Command returns the command the process was started with.
func (p *ManagedProcess) Command() Command { return p.command }

// Pid returns the OS process id, or 0 if the spawn failed.
func (p *ManagedProcess) Pid() int { return p.pid }

// Done is closed once the outcome resolved.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// Exited reports whether the outcome already resolved.
func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Outcome returns the resolved outcome without blocking.
// ok is false while the process is still running.
func (p *ManagedProcess) Outcome() (o Outcome, ok bool) {
	if !p.Exited() {
		return Outcome{}, false
	}
	return p.outcome, true
}

// Err returns the spawn error of a resolved process, or nil.
func (p *ManagedProcess) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.err
}

// Wait blocks until the outcome resolves or ctx is done.
// The returned error is the spawn error, if any, or ctx.Err().
func (p *ManagedProcess) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Terminate sends SIGTERM to the process group. It signals at most once per
// process and never after the outcome resolved; the result reports whether
// a signal was sent by this call.
func (p *ManagedProcess) Terminate() bool {
	sent := false
	p.termOnce.Do(func() {
		if p.Exited() || p.cmd == nil {
			return
		}
		sent = p.signal(syscall.SIGTERM)
	})
	return sent
}

// Kill sends SIGKILL to the process group if it is still running.
func (p *ManagedProcess) Kill() bool {
	if p.Exited() || p.cmd == nil {
		return false
	}
	p.logger.Warn("force_killing_process",
		"log_name", p.logName,
		"pid", p.pid,
	)
	return p.signal(syscall.SIGKILL)
}

// Signals returns the names of the signals sent to the process.
func (p *ManagedProcess) Signals() []string {
	p.signalMu.Lock()
	defer p.signalMu.Unlock()
	return append([]string(nil), p.signals...)
}

func (p *ManagedProcess) signal(sig syscall.Signal) bool {
	var err error
	if pgid, gerr := syscall.Getpgid(p.pid); gerr == nil {
		err = syscall.Kill(-pgid, sig)
	} else {
		err = p.cmd.Process.Signal(sig)
	}
	if err != nil {
		// Already reaped: the wait goroutine resolves the outcome.
		p.logger.Debug("process_signal_failed",
			"log_name", p.logName,
			"pid", p.pid,
			"signal", unix.SignalName(sig),
			"error", err,
		)
		return false
	}
	p.signalMu.Lock()
	p.signals = append(p.signals, unix.SignalName(sig))
	p.signalMu.Unlock()
	p.logger.Debug("process_signaled",
		"log_name", p.logName,
		"pid", p.pid,
		"signal", unix.SignalName(sig),
	)
	return true
}

// extractOutcome converts a Wait() error into an Outcome.
// Exit-status errors are part of the outcome, not an error.
func extractOutcome(err error) (Outcome, error) {
	if err == nil {
		return Outcome{}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return Outcome{
					ExitCode: 128 + int(status.Signal()),
					Signal:   unix.SignalName(status.Signal()),
				}, nil
			}
			return Outcome{ExitCode: status.ExitStatus()}, nil
		}
		return Outcome{ExitCode: exitErr.ExitCode()}, nil
	}

	// I/O copy failures and the like; the process itself is gone.
	return Outcome{ExitCode: 1}, err
}
