// Package service brings up the long-running Taler daemons of a test run.
//
// Every kind (bank, exchange, merchant) follows the same lifecycle: Create
// writes a typed configuration into the run's scratch directory and returns a
// handle whose URL is usable immediately, Start runs the one-shot preparatory
// commands and spawns the daemons through the run's orchestrator,
// PingUntilAvailable waits until the HTTP port answers and Stop terminates
// the daemons so that Start can be called again after a config change.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
	"github.com/randomizedcoder/go-taler-harness/internal/orchestrator"
	"github.com/randomizedcoder/go-taler-harness/internal/process"
	"github.com/randomizedcoder/go-taler-harness/internal/talerconfig"
)

// DefaultPingInterval is the readiness polling interval when Run leaves it unset.
const DefaultPingInterval = time.Second

var (
	// ErrRunning is returned by operations that are only legal while stopped.
	ErrRunning = errors.New("service is running")

	// ErrNotRunning is returned by operations that need a started service.
	ErrNotRunning = errors.New("service is not running")
)

// Run is the part of a test run that services are created in.
type Run struct {
	Orchestrator *orchestrator.Orchestrator
	Toolchain    process.Toolchain
	Logger       *slog.Logger
	PingInterval time.Duration

	// HTTPClient is used for readiness polling and management calls.
	HTTPClient *http.Client
}

// ScratchDir returns the directory holding configs and logs of the run.
func (r *Run) ScratchDir() string { return r.Orchestrator.ScratchDir() }

func (r *Run) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return r.Orchestrator.Logger()
}

func (r *Run) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Run) metrics() *metrics.Collector { return r.Orchestrator.Metrics() }

// talerHome is the TALER_HOME shared by every service config of the run.
func (r *Run) talerHome() string { return filepath.Join(r.ScratchDir(), "talerhome") }

// Handle addresses a service, whether or not it is running.
type Handle interface {
	Name() string
	BaseURL() string
	Port() int
}

// ExchangeHandle is an exchange as seen by merchants and wallets.
type ExchangeHandle interface {
	Handle
	MasterPub() string
}

// lifecycle is the state shared by every service kind.
type lifecycle struct {
	run          *Run
	kind         string
	name         string
	configFile   string
	port         int
	livenessPath string
	logger       *slog.Logger

	mu         sync.Mutex
	daemons    []*process.ManagedProcess
	httpd      *process.ManagedProcess
	timetravel time.Duration
}

func newLifecycle(run *Run, kind, name, configFile string, port int, livenessPath string) *lifecycle {
	return &lifecycle{
		run:          run,
		kind:         kind,
		name:         name,
		configFile:   configFile,
		port:         port,
		livenessPath: livenessPath,
		logger:       run.logger().With("service", kind, "name", name),
	}
}

// Name returns the logical name of the service.
func (l *lifecycle) Name() string { return l.name }

// Port returns the HTTP port the service listens on.
func (l *lifecycle) Port() int { return l.port }

// BaseURL returns the service's base URL, with a trailing slash.
func (l *lifecycle) BaseURL() string { return fmt.Sprintf("http://localhost:%d/", l.port) }

// ConfigFile returns the path of the service's configuration file.
func (l *lifecycle) ConfigFile() string { return l.configFile }

// IsRunning reports whether Start spawned daemons that Stop has not stopped.
func (l *lifecycle) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.daemons) > 0
}

// Daemons returns the processes spawned by the last Start.
func (l *lifecycle) Daemons() []*process.ManagedProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.daemons)
}

// SetTimetravel shifts the clock of every command started afterwards.
// It is only legal while the service is stopped.
func (l *lifecycle) SetTimetravel(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.daemons) > 0 {
		return fmt.Errorf("set timetravel on %s %s: %w", l.kind, l.name, ErrRunning)
	}
	l.timetravel = d
	return nil
}

// ChangeConfig loads the configuration file, applies f and writes it back.
// The daemons must not be running, as they read their config only once.
func (l *lifecycle) ChangeConfig(f func(*talerconfig.Config)) error {
	cfg, err := talerconfig.Load(l.configFile)
	if err != nil {
		return err
	}
	f(cfg)
	return cfg.WriteFile(l.configFile)
}

// command builds the invocation of tool with the config file and timetravel
// flags every Taler binary understands.
func (l *lifecycle) command(tool string, args ...string) process.Command {
	l.mu.Lock()
	tt := l.timetravel
	l.mu.Unlock()

	full := append([]string{"-c", l.configFile}, args...)
	if tt != 0 {
		full = append(full, fmt.Sprintf("--timetravel=%+d", tt.Microseconds()))
	}
	return l.run.Toolchain.Command(tool, full...)
}

// beginStart fails when daemons from an earlier Start are still up.
func (l *lifecycle) beginStart() error {
	if l.IsRunning() {
		return fmt.Errorf("start %s %s: %w", l.kind, l.name, ErrRunning)
	}
	return nil
}

// runPrep runs a preparatory command to completion. Failures are fatal.
func (l *lifecycle) runPrep(ctx context.Context, logName, tool string, args ...string) (string, error) {
	return process.RunCommand(ctx, l.command(tool, args...), l.run.ScratchDir(), logName, l.run.Orchestrator, l.logger)
}

// spawnDaemon starts a long-running process through the orchestrator.
func (l *lifecycle) spawnDaemon(logName, tool string, args ...string) (*process.ManagedProcess, error) {
	p := l.run.Orchestrator.SpawnService(l.command(tool, args...), logName)
	if err := p.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.daemons = append(l.daemons, p)
	l.mu.Unlock()
	return p, nil
}

// spawnHTTPD starts the daemon that PingUntilAvailable polls.
func (l *lifecycle) spawnHTTPD(logName, tool string, args ...string) error {
	p, err := l.spawnDaemon(logName, tool, args...)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.httpd = p
	l.mu.Unlock()
	return nil
}

// Stop terminates the daemons and waits for them to exit. They stay
// registered with the orchestrator, and Start may be called again. When ctx
// expires first, the daemons still alive stay tracked: the service keeps
// reporting running and a later Stop waits for them again.
func (l *lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	daemons := slices.Clone(l.daemons)
	l.httpd = nil
	l.mu.Unlock()

	if len(daemons) == 0 {
		return nil
	}

	// Reverse start order: the HTTP daemon goes first, its helpers last.
	slices.Reverse(daemons)
	for _, p := range daemons {
		if p.Terminate() {
			l.run.metrics().ProcessSignaled("SIGTERM")
		}
	}

	var waitErr error
	for _, p := range daemons {
		if _, err := p.Wait(ctx); err != nil && !p.Exited() {
			waitErr = err
			break
		}
	}

	l.mu.Lock()
	l.daemons = slices.DeleteFunc(l.daemons, (*process.ManagedProcess).Exited)
	left := len(l.daemons)
	l.mu.Unlock()

	if waitErr != nil {
		return fmt.Errorf("stop %s %s: %d daemons still running: %w", l.kind, l.name, left, waitErr)
	}

	l.logger.Info("service_stopped", "daemons", len(daemons))
	return nil
}

// PingUntilAvailable polls the liveness path until the HTTP daemon answers
// with any status. It has no timeout of its own: ctx bounds the wait.
func (l *lifecycle) PingUntilAvailable(ctx context.Context) error {
	l.mu.Lock()
	httpd := l.httpd
	l.mu.Unlock()

	if httpd == nil {
		return fmt.Errorf("ping %s %s: %w", l.kind, l.name, ErrNotRunning)
	}

	return PingURL(ctx, PingOptions{
		URL:      l.BaseURL() + l.livenessPath,
		Service:  l.kind,
		Process:  httpd,
		Interval: l.run.PingInterval,
		Client:   l.run.client(),
		Logger:   l.logger,
		Metrics:  l.run.metrics(),
	})
}

// writeConfig persists a freshly built config at path.
func writeConfig(cfg *talerconfig.Config, path string) error {
	if err := cfg.WriteFile(path); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// newServiceConfig returns a config with the sections every service shares.
func newServiceConfig(run *Run, currency string) (*talerconfig.Config, error) {
	runtimeDir, err := talerconfig.NewRuntimeDir()
	if err != nil {
		return nil, err
	}
	cfg := talerconfig.New()
	cfg.SetString("taler", "currency", currency)
	talerconfig.SetTalerPaths(cfg, run.talerHome(), runtimeDir)
	return cfg, nil
}
