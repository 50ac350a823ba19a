// Package orchestrator owns the OS-level resources of one test run.
//
// Every process spawned and every listener opened for a run is registered
// with its Orchestrator, which guarantees that none of them outlives the run:
// on normal completion (Shutdown), on a termination signal (ShutdownSync via
// the process-wide signal registry) and on test failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
	"github.com/randomizedcoder/go-taler-harness/internal/process"
)

// DefaultShutdownTimeout bounds Shutdown when the caller's context has no deadline.
const DefaultShutdownTimeout = 10 * time.Second

// killGrace is how long Shutdown waits for processes after SIGKILL.
const killGrace = 5 * time.Second

// ErrShuttingDown is the spawn error of processes requested after teardown began.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// State is the teardown state of a run.
type State int

const (
	// StateActive accepts new processes and listeners.
	StateActive State = iota

	// StateShuttingDown means teardown has begun.
	StateShuttingDown

	// StateTerminated means every owned process resolved.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Listener is a network endpoint owned by a run.
// Close must detach any request callbacks before releasing the socket.
type Listener interface {
	Close() error
}

type listenerEntry struct {
	l    Listener
	once sync.Once
}

// Options configure an Orchestrator.
type Options struct {
	// ScratchDir holds config and log files. Created when empty.
	ScratchDir string
	Logger     *slog.Logger
	Metrics    *metrics.Collector

	// LingerAlways skips teardown on the signal path so the run can be inspected.
	LingerAlways bool

	ShutdownTimeout time.Duration

	// Exit ends the harness process on the signal path. Defaults to os.Exit.
	Exit func(int)

	// NoSignals keeps the orchestrator out of the process-wide signal registry.
	NoSignals bool
}

// Orchestrator is the resource owner of a single test run.
type Orchestrator struct {
	scratchDir      string
	logger          *slog.Logger
	metrics         *metrics.Collector
	lingerAlways    bool
	shutdownTimeout time.Duration
	exit            func(int)

	mu        sync.Mutex
	state     State
	procs     []*process.ManagedProcess
	listeners []*listenerEntry
}

// New creates an Orchestrator and registers it for signal-driven teardown.
func New(opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := opts.ScratchDir
	if dir == "" {
		var err error
		dir, err = NewScratchDir("", "taler-test-")
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}

	o := &Orchestrator{
		scratchDir:      dir,
		logger:          logger.With("scratch_dir", dir),
		metrics:         opts.Metrics,
		lingerAlways:    opts.LingerAlways,
		shutdownTimeout: timeout,
		exit:            exit,
	}

	if !opts.NoSignals {
		signalRegistry.add(o)
	}

	o.logger.Debug("orchestrator_created")
	return o, nil
}

// ScratchDir returns the run's scratch directory.
func (o *Orchestrator) ScratchDir() string { return o.scratchDir }

// Logger returns the run logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Metrics returns the run's collector, which may be nil.
func (o *Orchestrator) Metrics() *metrics.Collector { return o.metrics }

// LingerAlways reports whether signal-driven teardown is suppressed.
func (o *Orchestrator) LingerAlways() bool { return o.lingerAlways }

// State returns the current teardown state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Processes returns the registered processes in registration order.
func (o *Orchestrator) Processes() []*process.ManagedProcess {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.procs)
}

// RegisterProcess adds p to the set of processes torn down with the run.
// A process registered after teardown began is terminated right away.
func (o *Orchestrator) RegisterProcess(p *process.ManagedProcess) {
	o.mu.Lock()
	if o.state == StateActive {
		o.procs = append(o.procs, p)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.logger.Warn("late_process_registration", "log_name", p.LogName())
	o.terminate(p)
}

// RegisterListener adds l to the set of listeners closed with the run.
// A listener registered after teardown began is closed right away.
func (o *Orchestrator) RegisterListener(l Listener) {
	entry := &listenerEntry{l: l}

	o.mu.Lock()
	if o.state == StateActive {
		o.listeners = append(o.listeners, entry)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.logger.Warn("late_listener_registration")
	o.closeListener(entry)
}

// SpawnService starts a long-running daemon with stdout and stderr appended
// to <scratch>/<logName>-stdout.log and -stderr.log, and registers it.
// Spawn failures are reported through the returned handle's outcome.
func (o *Orchestrator) SpawnService(cmd process.Command, logName string) *process.ManagedProcess {
	// Held across the spawn so Shutdown cannot miss a process started concurrently.
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		o.logger.Warn("spawn_refused", "log_name", logName, "state", o.state.String())
		return process.Failed(cmd, logName, ErrShuttingDown)
	}

	stdout, err := o.openLog(logName + "-stdout.log")
	if err != nil {
		return process.Failed(cmd, logName, err)
	}
	stderr, err := o.openLog(logName + "-stderr.log")
	if err != nil {
		stdout.Close()
		return process.Failed(cmd, logName, err)
	}

	start := time.Now()
	p := process.Spawn(cmd, process.Options{
		LogName: logName,
		Stdout:  stdout,
		Stderr:  stderr,
		Logger:  o.logger,
		OnExit: func(outcome process.Outcome, err error) {
			stdout.Close()
			stderr.Close()
			if err == nil {
				o.metrics.ProcessExited(logName, outcome.ExitCode, time.Since(start))
			}
		},
	})

	if p.Err() != nil {
		o.metrics.SpawnFailed()
	} else {
		o.metrics.ProcessSpawned(logName)
	}

	o.procs = append(o.procs, p)
	return p
}

func (o *Orchestrator) openLog(name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(o.scratchDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", name, err)
	}
	return f, nil
}

// Shutdown tears the run down: it closes every listener, sends SIGTERM to
// every running process and waits for all of them. Processes still running
// when ctx (or the shutdown timeout) expires are killed and an error is
// returned. Only the first call has any effect.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateActive {
		o.mu.Unlock()
		return nil
	}
	o.state = StateShuttingDown
	procs := slices.Clone(o.procs)
	listeners := slices.Clone(o.listeners)
	o.mu.Unlock()

	defer signalRegistry.remove(o)

	o.logger.Info("shutdown_initiated",
		"processes", len(procs),
		"listeners", len(listeners),
	)

	for _, l := range listeners {
		o.closeListener(l)
	}
	for _, p := range procs {
		o.terminate(p)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.shutdownTimeout)
		defer cancel()
	}

	var remaining []*process.ManagedProcess
	for _, p := range procs {
		if _, err := p.Wait(ctx); err != nil && !p.Exited() {
			remaining = append(remaining, p)
		}
	}

	var err error
	if len(remaining) > 0 {
		o.logger.Warn("shutdown_timeout", "remaining", len(remaining))
		for _, p := range remaining {
			if p.Kill() {
				o.metrics.ProcessSignaled("SIGKILL")
			}
		}
		killCtx, cancel := context.WithTimeout(context.Background(), killGrace)
		defer cancel()
		for _, p := range remaining {
			p.Wait(killCtx)
		}
		err = fmt.Errorf("%d processes did not exit gracefully: %w", len(remaining), ctx.Err())
	}

	o.mu.Lock()
	o.state = StateTerminated
	o.mu.Unlock()

	o.logger.Info("shutdown_complete")
	return err
}

// ShutdownSync is the teardown used on the signal path. It never waits: with
// LingerAlways set it leaves everything running for inspection, otherwise it
// closes listeners, signals processes and exits the harness with status 1.
func (o *Orchestrator) ShutdownSync() {
	if o.teardownSync() {
		return
	}
	o.exit(1)
}

// teardownSync performs the non-blocking teardown and reports whether the
// run lingered instead.
func (o *Orchestrator) teardownSync() bool {
	if o.lingerAlways {
		o.logger.Warn("lingering")
		return true
	}

	o.mu.Lock()
	if o.state == StateActive {
		o.state = StateShuttingDown
	}
	procs := slices.Clone(o.procs)
	listeners := slices.Clone(o.listeners)
	o.mu.Unlock()

	o.logger.Info("shutdown_sync", "processes", len(procs), "listeners", len(listeners))

	for _, l := range listeners {
		o.closeListener(l)
	}
	for _, p := range procs {
		o.terminate(p)
	}
	return false
}

// Close removes the orchestrator from the signal registry.
// It does not tear anything down; call Shutdown first.
func (o *Orchestrator) Close() {
	signalRegistry.remove(o)
}

func (o *Orchestrator) closeListener(e *listenerEntry) {
	e.once.Do(func() {
		if err := e.l.Close(); err != nil {
			o.logger.Warn("listener_close_error", "error", err)
		}
		o.metrics.ListenerClosed()
	})
}

func (o *Orchestrator) terminate(p *process.ManagedProcess) {
	if p.Terminate() {
		o.metrics.ProcessSignaled("SIGTERM")
	}
}
