package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-taler-harness/internal/runner"
	"github.com/randomizedcoder/go-taler-harness/internal/testutil/fakeservice"
)

func TestMain(m *testing.M) {
	if fakeservice.Enabled() {
		os.Exit(fakeservice.Main(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// =============================================================================
// Helpers
// =============================================================================

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

// executeFake runs the CLI with fake Taler binaries and returns the exit
// status and stdout.
func executeFake(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := fakeCommand(t, &stdout, &stderr, args...)
	return exitCode(t, cmd.Execute(), stderr.String()), stdout.String()
}

// fakeCommand returns the root command wired to fake Taler binaries.
func fakeCommand(t *testing.T, stdout, stderr io.Writer, args ...string) *cobra.Command {
	t.Helper()
	tc, err := fakeservice.NewToolchain()
	require.NoError(t, err)

	a := newApp(stdout, stderr)
	a.toolchain = tc

	cmd := a.rootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func exitCode(t *testing.T, err error, stderr string) int {
	if err == nil {
		return 0
	}
	t.Logf("execute: %v\nstderr:\n%s", err, stderr)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func portFlags(t *testing.T) []string {
	return []string{
		"--bank-port", freePort(t),
		"--exchange-port", freePort(t),
		"--merchant-port", freePort(t),
		"--proxy-port", freePort(t),
		"--ping-interval", "20ms",
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, "taler-harness dev\n", stdout.String())
}

func TestList(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"list"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "three-services")
	assert.Contains(t, stdout.String(), "fault-drop-responses")
	assert.Contains(t, stdout.String(), "faults")
}

func TestInvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"list", "--currency", "kudos"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "currency")
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("TALER_HARNESS_CURRENCY", "lower")
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"list"}, &stdout, &stderr)
	assert.Equal(t, 1, code, "invalid currency from the environment is rejected")
}

func TestRun_DryRun(t *testing.T) {
	code, out := executeFake(t, "run", "fault-*", "--dry-run", "--root-dir", t.TempDir())
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "dry run: would run test fault-keys-malformed")
	assert.Contains(t, out, "dry run: would run test fault-drop-responses")
	assert.NotContains(t, out, "three-services")
}

func TestRun_FakeServices(t *testing.T) {
	root := t.TempDir()
	args := append([]string{"run", "three-services", "--skip-preflight", "--root-dir", root}, portFlags(t)...)
	code, out := executeFake(t, args...)
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "pass: three-services")
	assert.Contains(t, out, "taler-harness Run Report")

	b, err := os.ReadFile(filepath.Join(root, "taler-integrationtest-current", runner.ResultsFile))
	require.NoError(t, err)
	var results struct {
		TestResults []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"testResults"`
	}
	require.NoError(t, json.Unmarshal(b, &results))
	require.Len(t, results.TestResults, 1)
	assert.Equal(t, "pass", results.TestResults[0].Status)
}

func TestRun_Preflight(t *testing.T) {
	args := append([]string{"run", "three-services", "--root-dir", t.TempDir()}, portFlags(t)...)
	code, out := executeFake(t, args...)
	assert.Contains(t, out, "Preflight checks:")
	assert.Contains(t, out, "taler-exchange-httpd")
	// Resource limits of the test machine decide the outcome.
	if code == 0 {
		assert.Contains(t, out, "pass: three-services")
	}
}

func TestEnv_ShutsDownWhenCancelled(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr syncBuffer
	args := append([]string{"env", "--root-dir", root}, portFlags(t)...)
	cmd := fakeCommand(t, &stdout, &stderr, args...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Press Ctrl+C to stop.")
	}, 30*time.Second, 20*time.Millisecond, stderr.String())
	assert.Contains(t, stdout.String(), "Bank:")
	assert.Contains(t, stdout.String(), "Merchant:")

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, 0, exitCode(t, err, stderr.String()))
	case <-time.After(30 * time.Second):
		t.Fatal("env did not return after cancellation")
	}

	dirs, err := filepath.Glob(filepath.Join(root, "taler-harness-env-*"))
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	wirewatch, err := os.ReadFile(filepath.Join(dirs[0], "exchange-wirewatch-testexchange-1-stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(wirewatch), "taler-exchange-wirewatch: terminated")
}
