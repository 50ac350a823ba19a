package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-taler-harness/internal/config"
	"github.com/randomizedcoder/go-taler-harness/internal/logging"
	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
	"github.com/randomizedcoder/go-taler-harness/internal/orchestrator"
	"github.com/randomizedcoder/go-taler-harness/internal/process"
)

// =============================================================================
// Helpers
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newTestRunner(cfg *config.Config, out *bytes.Buffer) (*Runner, *metrics.Collector) {
	m := metrics.NewCollector()
	return New(Options{
		Config:  cfg,
		Logger:  logging.Discard(),
		Metrics: m,
		Out:     out,
	}), m
}

func readResults(t *testing.T, s Summary) map[string]any {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(s.RootDir, ResultsFile))
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func sleeper(t *T) *process.ManagedProcess {
	return t.Orchestrator.SpawnService(process.Command{Path: "/bin/sleep", Args: []string{"30"}}, "sleeper")
}

// =============================================================================
// Statuses
// =============================================================================

func TestRun_Statuses(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	r, m := newTestRunner(cfg, &out)

	cases := []TestCase{
		{Name: "passes", Main: func(ctx context.Context, t *T) error {
			return t.AssertTrue(true, "always")
		}},
		{Name: "asserts", Main: func(ctx context.Context, t *T) error {
			return t.AssertTrue(false, "one is two")
		}},
		{Name: "skips", Main: func(ctx context.Context, t *T) error {
			return t.Skip("needs %s", "postgres")
		}},
		{Name: "panics", Main: func(ctx context.Context, t *T) error {
			panic("boom")
		}},
		{Name: "times-out", Timeout: 100 * time.Millisecond, Main: func(ctx context.Context, t *T) error {
			time.Sleep(2 * time.Second)
			return nil
		}},
	}

	s, err := r.Run(context.Background(), cases)
	require.NoError(t, err)
	require.Len(t, s.Results, 5)

	byName := map[string]Result{}
	for _, res := range s.Results {
		byName[res.Name] = res
	}
	assert.Equal(t, StatusPass, byName["passes"].Status)
	assert.Equal(t, StatusFail, byName["asserts"].Status)
	assert.Equal(t, "assertion failed: one is two", byName["asserts"].Reason)
	assert.Equal(t, StatusSkip, byName["skips"].Status)
	assert.Contains(t, byName["skips"].Reason, "needs postgres")
	assert.Equal(t, StatusFail, byName["panics"].Status)
	assert.Contains(t, byName["panics"].Reason, "panic: boom")
	assert.Equal(t, StatusFail, byName["times-out"].Status)
	assert.Equal(t, "timeout", byName["times-out"].Reason)
	assert.Less(t, byName["times-out"].TimeSec, 2.0)

	pass, fail, skip := s.Counts()
	assert.Equal(t, []int{1, 3, 1}, []int{pass, fail, skip})
	assert.Equal(t, 1, ExitCode(s))
	assert.False(t, s.Interrupted)

	n, err := testutil.GatherAndCount(m.Registry(), "taler_harness_tests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Contains(t, out.String(), "testsuite root directory: "+s.RootDir)
	assert.Contains(t, out.String(), "fail: asserts")
}

func TestRun_Layout(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRunner(cfg, &bytes.Buffer{})

	var seen *T
	s, err := r.Run(context.Background(), []TestCase{{Name: "layout", Main: func(ctx context.Context, t *T) error {
		seen = t
		t.Logger.Info("hello_from_test")
		return nil
	}}})
	require.NoError(t, err)

	assert.Equal(t, cfg.RootDir, filepath.Dir(s.RootDir))
	assert.Equal(t, filepath.Join(s.RootDir, "layout"), seen.ScratchDir)
	assert.Equal(t, seen.ScratchDir, seen.Orchestrator.ScratchDir())
	assert.Equal(t, "taler-integrationtest", seen.DB.Name)
	assert.Equal(t, cfg.DatabaseURL, seen.DB.ConnStr)
	assert.Equal(t, cfg.PingInterval, seen.Services().PingInterval)

	link, err := os.Readlink(filepath.Join(cfg.RootDir, orchestrator.CurrentLinkName))
	require.NoError(t, err)
	assert.Equal(t, s.RootDir, link)

	log, err := os.ReadFile(filepath.Join(seen.ScratchDir, "harness.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "hello_from_test")
	assert.Contains(t, string(log), "test_started")

	results := readResults(t, s)
	assert.Equal(t, false, results["interrupted"])
	tests := results["testResults"].([]any)
	require.Len(t, tests, 1)
	first := tests[0].(map[string]any)
	assert.Equal(t, "layout", first["name"])
	assert.Equal(t, "pass", first["status"])
	assert.Contains(t, first, "timeSec")
	assert.NotContains(t, first, "reason")
}

func TestRun_TearsDownProcesses(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRunner(cfg, &bytes.Buffer{})

	var p *process.ManagedProcess
	s, err := r.Run(context.Background(), []TestCase{{Name: "spawns", Main: func(ctx context.Context, t *T) error {
		p = sleeper(t)
		return p.Err()
	}}})
	require.NoError(t, err)
	assert.Equal(t, 0, ExitCode(s))

	require.NotNil(t, p)
	assert.True(t, p.Exited())
	assert.Equal(t, []string{"SIGTERM"}, p.Signals())
	assert.False(t, r.Lingering())
}

// =============================================================================
// Interrupts and lingering
// =============================================================================

func TestRun_Interrupted(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	r, _ := newTestRunner(cfg, &out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secondRan := false
	s, err := r.Run(ctx, []TestCase{
		{Name: "first", Main: func(ctx context.Context, t *T) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}},
		{Name: "second", Main: func(ctx context.Context, t *T) error {
			secondRan = true
			return nil
		}},
	})
	require.NoError(t, err)

	assert.True(t, s.Interrupted)
	assert.False(t, secondRan)
	require.Len(t, s.Results, 1)
	assert.Equal(t, StatusFail, s.Results[0].Status)
	assert.Equal(t, 3, ExitCode(s))
	assert.Equal(t, true, readResults(t, s)["interrupted"])
	assert.Contains(t, out.String(), "test suite was interrupted")
}

func TestRun_LingerOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.LingerOnFailure = true
	var out bytes.Buffer
	r, _ := newTestRunner(cfg, &out)

	var p *process.ManagedProcess
	s, err := r.Run(context.Background(), []TestCase{
		{Name: "fails", Main: func(ctx context.Context, t *T) error {
			p = sleeper(t)
			return errors.New("exchange refused")
		}},
		{Name: "never", Main: noop},
	})
	require.NoError(t, err)

	require.Len(t, s.Results, 1)
	assert.True(t, s.Results[0].Lingering)
	assert.True(t, r.Lingering())
	assert.False(t, p.Exited())
	assert.Contains(t, out.String(), "lingering")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Linger(ctx))
	assert.True(t, p.Exited())
	assert.False(t, r.Lingering())
}

func TestRun_PassingTestDoesNotLingerOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.LingerOnFailure = true
	r, _ := newTestRunner(cfg, &bytes.Buffer{})

	s, err := r.Run(context.Background(), []TestCase{{Name: "ok", Main: noop}, {Name: "ok2", Main: noop}})
	require.NoError(t, err)
	assert.Len(t, s.Results, 2)
	assert.False(t, r.Lingering())
	require.NoError(t, r.Linger(context.Background()))
}

func TestRun_DryRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun = true
	var out bytes.Buffer
	r, _ := newTestRunner(cfg, &out)

	ran := false
	s, err := r.Run(context.Background(), []TestCase{{Name: "would", Main: func(context.Context, *T) error {
		ran = true
		return nil
	}}})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, s.Results)
	assert.Equal(t, "dry run: would run test would\n", out.String())
	assert.Equal(t, 0, ExitCode(s))
}

func TestRun_BadDatabaseURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseURL = "postgres://localhost"
	r, _ := newTestRunner(cfg, &bytes.Buffer{})

	s, err := r.Run(context.Background(), []TestCase{{Name: "db", Main: noop}})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, s.Results[0].Status)
	assert.Contains(t, s.Results[0].Reason, "names no database")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(Summary{}))
	assert.Equal(t, 0, ExitCode(Summary{Results: []Result{{Status: StatusPass}, {Status: StatusSkip}}}))
	assert.Equal(t, 1, ExitCode(Summary{Results: []Result{{Status: StatusPass}, {Status: StatusFail}}}))
	assert.Equal(t, 3, ExitCode(Summary{Interrupted: true, Results: []Result{{Status: StatusPass}}}))
}
