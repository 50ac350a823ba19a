package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-taler-harness/internal/logging"
)

func shell(script string) Command {
	return Command{Path: "sh", Args: []string{"-c", script}}
}

func waitResolved(t *testing.T, p *ManagedProcess) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, err := p.Wait(ctx)
	require.NoError(t, err)
	return o
}

func TestCommand_String(t *testing.T) {
	cmd := Command{Path: "taler-exchange-httpd", Args: []string{"-c", "/tmp/my dir/exchange.conf"}}
	assert.Equal(t, "taler-exchange-httpd -c '/tmp/my dir/exchange.conf'", cmd.String())
}

func TestCommand_WithArgsDoesNotAlias(t *testing.T) {
	base := Command{Path: "x", Args: make([]string, 1, 4)}
	base.Args[0] = "-c"
	a := base.WithArgs("a")
	b := base.WithArgs("b")

	assert.Equal(t, []string{"-c", "a"}, a.Args)
	assert.Equal(t, []string{"-c", "b"}, b.Args)
	assert.Equal(t, []string{"-c"}, base.Args)
}

func TestBinDirToolchain(t *testing.T) {
	assert.Equal(t, "taler-bank-manage", BinDirToolchain{}.Command("taler-bank-manage").Path)

	tc := BinDirToolchain{Dir: "/opt/taler/bin"}
	cmd := tc.Command("taler-merchant-httpd", "-c", "m.conf")
	assert.Equal(t, "/opt/taler/bin/taler-merchant-httpd", cmd.Path)
	assert.Equal(t, []string{"-c", "m.conf"}, cmd.Args)

	_, err := BinDirToolchain{Dir: t.TempDir()}.Lookup("missing-tool")
	assert.Error(t, err)
}

func TestExtractOutcome(t *testing.T) {
	o, err := extractOutcome(nil)
	require.NoError(t, err)
	assert.True(t, o.Success())

	o, err = extractOutcome(errors.New("copy failed"))
	assert.Error(t, err)
	assert.Equal(t, 1, o.ExitCode)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "exit code 3", Outcome{ExitCode: 3}.String())
	assert.Equal(t, "signal SIGTERM", Outcome{ExitCode: 143, Signal: "SIGTERM"}.String())
}

func TestSpawn_ExitCode(t *testing.T) {
	p := Spawn(shell("exit 3"), Options{LogName: "exit3", Logger: logging.Discard()})
	o := waitResolved(t, p)

	assert.Equal(t, 3, o.ExitCode)
	assert.Empty(t, o.Signal)
	assert.False(t, o.Success())
	assert.NoError(t, p.Err())
}

func TestSpawn_Output(t *testing.T) {
	var stdout, stderr bytes.Buffer
	p := Spawn(shell("echo out; echo err >&2"), Options{
		LogName: "echo",
		Stdout:  &stdout,
		Stderr:  &stderr,
		Logger:  logging.Discard(),
	})
	o := waitResolved(t, p)

	assert.True(t, o.Success())
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestSpawn_MissingExecutable(t *testing.T) {
	var exits atomic.Int32
	p := Spawn(Command{Path: "/nonexistent/taler-exchange-httpd"}, Options{
		LogName: "exchange-httpd",
		Logger:  logging.Discard(),
		OnExit:  func(Outcome, error) { exits.Add(1) },
	})

	require.True(t, p.Exited(), "spawn failure resolves immediately")
	assert.Equal(t, 0, p.Pid())

	_, err := p.Wait(context.Background())
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "exchange-httpd", spawnErr.LogName)
	assert.ErrorIs(t, p.Err(), spawnErr.Err)
	assert.False(t, p.Terminate(), "nothing to signal")
	assert.EqualValues(t, 1, exits.Load())
}

func TestManagedProcess_OutcomeObservedByAll(t *testing.T) {
	p := Spawn(shell("exit 7"), Options{LogName: "seven", Logger: logging.Discard()})

	var wg sync.WaitGroup
	results := make([]Outcome, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = waitResolved(t, p)
		}(i)
	}
	wg.Wait()

	for _, o := range results {
		assert.Equal(t, 7, o.ExitCode)
	}

	// Observing after the fact returns the cached value.
	o, ok := p.Outcome()
	require.True(t, ok)
	assert.Equal(t, 7, o.ExitCode)
}

func TestManagedProcess_OutcomeBeforeExit(t *testing.T) {
	p := Spawn(Command{Path: "sleep", Args: []string{"10"}}, Options{LogName: "sleeper", Logger: logging.Discard()})
	defer p.Kill()

	_, ok := p.Outcome()
	assert.False(t, ok)
	assert.False(t, p.Exited())
	assert.Greater(t, p.Pid(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagedProcess_TerminateOnce(t *testing.T) {
	var exits atomic.Int32
	p := Spawn(Command{Path: "sleep", Args: []string{"10"}}, Options{
		LogName: "sleeper",
		Logger:  logging.Discard(),
		OnExit:  func(Outcome, error) { exits.Add(1) },
	})

	assert.True(t, p.Terminate())
	assert.False(t, p.Terminate())
	o := waitResolved(t, p)

	assert.Equal(t, "SIGTERM", o.Signal)
	assert.Equal(t, 128+15, o.ExitCode)
	assert.Equal(t, []string{"SIGTERM"}, p.Signals())
	assert.False(t, p.Terminate())
	assert.False(t, p.Kill())
	assert.EqualValues(t, 1, exits.Load())
}

func TestManagedProcess_TerminateAfterExit(t *testing.T) {
	p := Spawn(Command{Path: "true"}, Options{LogName: "true", Logger: logging.Discard()})
	waitResolved(t, p)

	assert.False(t, p.Terminate())
	assert.Empty(t, p.Signals())
}

func TestManagedProcess_Kill(t *testing.T) {
	p := Spawn(shell("trap '' TERM; sleep 10"), Options{LogName: "stubborn", Logger: logging.Discard()})

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)
	p.Terminate()
	select {
	case <-p.Done():
		t.Fatal("process should ignore SIGTERM")
	case <-time.After(200 * time.Millisecond):
	}

	assert.True(t, p.Kill())
	o := waitResolved(t, p)
	assert.Equal(t, "SIGKILL", o.Signal)
}

func TestRunCommand_Success(t *testing.T) {
	dir := t.TempDir()
	out, err := RunCommand(context.Background(), shell("echo hello; echo note >&2"), dir, "dbinit", nil, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	data, err := os.ReadFile(filepath.Join(dir, "dbinit-stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "note\n", string(data))
}

func TestRunCommand_AppendsStderrLog(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		_, err := RunCommand(context.Background(), shell("echo run >&2"), dir, "dbinit", nil, logging.Discard())
		require.NoError(t, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "dbinit-stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data))
}

func TestRunCommand_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	_, err := RunCommand(context.Background(), shell("echo 'database missing' >&2; exit 2"), dir, "exchange-dbinit", nil, logging.Discard())

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 2, cmdErr.Outcome.ExitCode)
	assert.Equal(t, []string{"database missing"}, cmdErr.StderrTail)
	assert.True(t, strings.Contains(err.Error(), "exchange-dbinit"))
}

func TestRunCommand_SpawnFailure(t *testing.T) {
	_, err := RunCommand(context.Background(), Command{Path: "/nonexistent/tool"}, t.TempDir(), "tool", nil, logging.Discard())

	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)
}

func TestRunCommand_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := RunCommand(ctx, Command{Path: "sleep", Args: []string{"10"}}, t.TempDir(), "slow", nil, logging.Discard())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type registrarFunc func(*ManagedProcess)

func (f registrarFunc) RegisterProcess(p *ManagedProcess) { f(p) }

func TestRunCommand_RegistersProcess(t *testing.T) {
	var registered []*ManagedProcess
	reg := registrarFunc(func(p *ManagedProcess) {
		registered = append(registered, p)
	})

	_, err := RunCommand(context.Background(), shell("true"), t.TempDir(), "exchange-offline", reg, logging.Discard())
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, "exchange-offline", registered[0].LogName())
	assert.True(t, registered[0].Exited())

	// Nothing ran, so there is nothing to own.
	_, err = RunCommand(context.Background(), Command{Path: "/nonexistent/tool"}, t.TempDir(), "tool", reg, logging.Discard())
	assert.Error(t, err)
	assert.Len(t, registered, 1)
}

func TestRunCommand_MissingLogDir(t *testing.T) {
	_, err := RunCommand(context.Background(), Command{Path: "true"}, "/nonexistent/dir", "x", nil, logging.Discard())
	assert.Error(t, err)
}
