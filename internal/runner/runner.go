// Package runner executes registered integration tests, each in its own
// scratch directory with its own orchestrator, and reports the results.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/config"
	"github.com/randomizedcoder/go-taler-harness/internal/logging"
	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
	"github.com/randomizedcoder/go-taler-harness/internal/orchestrator"
	"github.com/randomizedcoder/go-taler-harness/internal/process"
	"github.com/randomizedcoder/go-taler-harness/internal/service"
)

// Test statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusSkip = "skip"
)

// ResultsFile is written to the root directory of every run.
const ResultsFile = "results.json"

// Result is the outcome of one test case.
type Result struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	TimeSec float64 `json:"timeSec"`

	ScratchDir string `json:"-"`
	Lingering  bool   `json:"-"`
}

// Summary is the outcome of a run.
type Summary struct {
	Results     []Result `json:"testResults"`
	Interrupted bool     `json:"interrupted"`

	RootDir  string        `json:"-"`
	Duration time.Duration `json:"-"`
}

// Counts returns the number of passed, failed and skipped tests.
func (s Summary) Counts() (pass, fail, skip int) {
	for _, r := range s.Results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skip++
		}
	}
	return pass, fail, skip
}

// ExitCode maps a summary to the harness exit status: 3 when interrupted,
// 1 when a test did not pass, 0 otherwise.
func ExitCode(s Summary) int {
	if s.Interrupted {
		return 3
	}
	pass, _, skip := s.Counts()
	if pass < len(s.Results)-skip {
		return 1
	}
	return 0
}

// Options configure a Runner.
type Options struct {
	Config    *config.Config
	Toolchain process.Toolchain
	Logger    *slog.Logger
	Metrics   *metrics.Collector

	// Out receives progress lines. Defaults to io.Discard.
	Out io.Writer

	// LogWriter additionally receives every test's harness log.
	LogWriter io.Writer
}

// Runner runs test cases one after the other.
type Runner struct {
	cfg       *config.Config
	toolchain process.Toolchain
	logger    *slog.Logger
	metrics   *metrics.Collector
	out       io.Writer
	logWriter io.Writer

	mu        sync.Mutex
	lingering []*orchestrator.Orchestrator
}

// New returns a Runner. A nil Config means config.DefaultConfig().
func New(opts Options) *Runner {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		cfg:       cfg,
		toolchain: opts.Toolchain,
		logger:    logger,
		metrics:   opts.Metrics,
		out:       out,
		logWriter: opts.LogWriter,
	}
}

// Run executes cases in order under a fresh root directory and writes
// results.json there. Cancelling ctx interrupts the current test and skips
// the rest. A test that lingers ends the run, as its services keep their
// ports; Linger waits for it.
func (r *Runner) Run(ctx context.Context, cases []TestCase) (Summary, error) {
	start := time.Now()

	if r.cfg.DryRun {
		for _, tc := range cases {
			fmt.Fprintf(r.out, "dry run: would run test %s\n", tc.Name)
		}
		return Summary{}, nil
	}

	rootDir, err := orchestrator.NewScratchDir(r.cfg.RootDir, "taler-integrationtests-")
	if err != nil {
		return Summary{}, err
	}
	if _, err := orchestrator.UpdateCurrentSymlink(r.cfg.RootDir, rootDir); err != nil {
		r.logger.Warn("current_symlink_failed", "error", err)
	}
	fmt.Fprintf(r.out, "testsuite root directory: %s\n", rootDir)
	r.logger.Info("run_started", "root_dir", rootDir, "tests", len(cases))

	summary := Summary{RootDir: rootDir, Results: []Result{}}
	for _, tc := range cases {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}

		res := r.runOne(ctx, rootDir, tc)
		summary.Results = append(summary.Results, res)
		r.metrics.TestFinished(res.Status)
		fmt.Fprintf(r.out, "%s: %s (%.1fs)\n", res.Status, res.Name, res.TimeSec)

		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		if res.Lingering {
			fmt.Fprintf(r.out, "lingering, services of %s stay up in %s\n", res.Name, res.ScratchDir)
			break
		}
	}
	summary.Duration = time.Since(start)

	if err := writeResults(rootDir, summary); err != nil {
		return summary, err
	}
	if summary.Interrupted {
		fmt.Fprintln(r.out, "test suite was interrupted")
	}
	r.logger.Info("run_finished",
		"root_dir", rootDir,
		"duration", summary.Duration,
		"interrupted", summary.Interrupted,
	)
	return summary, nil
}

// Lingering reports whether a test left its services running.
func (r *Runner) Lingering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lingering) > 0
}

// Linger blocks until ctx is done, then tears down the services of tests
// that lingered.
func (r *Runner) Linger(ctx context.Context) error {
	r.mu.Lock()
	orchs := r.lingering
	r.lingering = nil
	r.mu.Unlock()

	if len(orchs) == 0 {
		return nil
	}
	r.logger.Info("lingering", "tests", len(orchs))
	<-ctx.Done()

	var errs []error
	for _, o := range orchs {
		errs = append(errs, o.Shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, rootDir string, tc TestCase) Result {
	start := time.Now()
	testDir := filepath.Join(rootDir, tc.Name)
	res := Result{Name: tc.Name, ScratchDir: testDir}

	finish := func(status, reason string) Result {
		res.Status = status
		res.Reason = reason
		res.TimeSec = time.Since(start).Seconds()
		return res
	}

	if err := os.MkdirAll(testDir, 0o755); err != nil {
		return finish(StatusFail, err.Error())
	}
	logFile, err := os.Create(filepath.Join(testDir, "harness.log"))
	if err != nil {
		return finish(StatusFail, err.Error())
	}
	defer logFile.Close()

	var logOut io.Writer = logFile
	if r.logWriter != nil {
		logOut = io.MultiWriter(logFile, r.logWriter)
	}
	level := r.cfg.LogLevel
	if r.cfg.Verbose {
		level = "debug"
	}
	logger := logging.NewLoggerWithWriter(logOut, r.cfg.LogFormat, level).With("test", tc.Name)

	orch, err := orchestrator.New(orchestrator.Options{
		ScratchDir:      testDir,
		Logger:          logger,
		Metrics:         r.metrics,
		LingerAlways:    r.cfg.LingerAlways,
		ShutdownTimeout: r.cfg.ShutdownTimeout,
		// Interrupts arrive through ctx.
		NoSignals: true,
	})
	if err != nil {
		return finish(StatusFail, err.Error())
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = r.cfg.TestTimeout
	}
	if timeout <= 0 {
		timeout = tc.timeout()
	}
	logger.Info("test_started", "timeout", timeout, "scratch_dir", testDir)

	testCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := &T{
		Name:         tc.Name,
		Orchestrator: orch,
		Config:       r.cfg,
		Toolchain:    r.toolchain,
		Logger:       logger,
		ScratchDir:   testDir,
		pingInterval: r.cfg.PingInterval,
	}

	err = r.setupDB(testCtx, t)
	if err == nil {
		err = r.invoke(testCtx, tc, t)
	}

	status, reason := StatusPass, ""
	switch {
	case err == nil:
	case errors.Is(err, ErrSkip):
		status, reason = StatusSkip, err.Error()
	case errors.Is(testCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		status, reason = StatusFail, "timeout"
	default:
		status, reason = StatusFail, err.Error()
	}
	if status == StatusFail {
		logger.Error("test_failed", "error", err)
	} else {
		logger.Info("test_finished", "status", status)
	}

	if r.cfg.LingerAlways || (status == StatusFail && r.cfg.LingerOnFailure) {
		logger.Warn("lingering", "scratch_dir", testDir)
		r.mu.Lock()
		r.lingering = append(r.lingering, orch)
		r.mu.Unlock()
		res.Lingering = true
		return finish(status, reason)
	}

	if err := orch.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown_incomplete", "error", err)
	}
	return finish(status, reason)
}

// setupDB gives the test a fresh database when the run asks for one.
func (r *Runner) setupDB(ctx context.Context, t *T) error {
	if !r.cfg.SetupDatabase {
		_, name, err := service.SplitDatabaseURL(r.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		t.DB = service.DBInfo{ConnStr: r.cfg.DatabaseURL, Name: name}
		return nil
	}

	adminURL, name, err := service.SplitDatabaseURL(r.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	db, err := service.SetupDB(ctx, adminURL, name, t.Logger)
	if err != nil {
		return err
	}
	t.DB = db
	return nil
}

// invoke runs the test body. It returns when the body does or when ctx is
// done, whichever comes first; a body ignoring ctx is abandoned and its
// processes are torn down with the orchestrator.
func (r *Runner) invoke(ctx context.Context, tc TestCase, t *T) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- fmt.Errorf("panic: %v\n%s", v, debug.Stack())
			}
		}()
		done <- tc.Main(ctx, t)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeResults(rootDir string, s Summary) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rootDir, ResultsFile), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}
