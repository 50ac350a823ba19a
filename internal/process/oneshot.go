package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/randomizedcoder/go-taler-harness/internal/logging"
)

// CommandError reports a one-shot command that exited unsuccessfully.
type CommandError struct {
	LogName string
	Command string
	Outcome Outcome

	// StderrTail holds the last lines the command wrote to stderr.
	StderrTail []string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s (%s) failed with %s", e.LogName, e.Command, e.Outcome)
	if len(e.StderrTail) > 0 {
		msg += ": " + strings.Join(e.StderrTail, "\n")
	}
	return msg
}

// Registrar takes ownership of a spawned process so that it is torn down
// with the run.
type Registrar interface {
	RegisterProcess(p *ManagedProcess)
}

// RunCommand runs a preparatory command to completion and returns its stdout.
// Stderr is appended to <logDir>/<logName>-stderr.log. A non-zero exit is a
// *CommandError and a start failure a *SpawnError; neither is retried.
// When reg is not nil the running command is registered with it.
func RunCommand(ctx context.Context, cmd Command, logDir, logName string, reg Registrar, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stderrFile, err := os.OpenFile(filepath.Join(logDir, logName+"-stderr.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open stderr log for %s: %w", logName, err)
	}
	defer stderrFile.Close()

	tail := logging.NewLogTail(logging.DefaultTailLines)
	var stdout bytes.Buffer

	logger.Debug("command_running", "log_name", logName, "command", cmd.String())

	p := Spawn(cmd, Options{
		LogName: logName,
		Stdout:  &stdout,
		Stderr:  io.MultiWriter(stderrFile, tail),
		Logger:  logger,
	})
	if reg != nil && p.Err() == nil {
		reg.RegisterProcess(p)
	}

	outcome, err := p.Wait(ctx)
	if err != nil {
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			return "", err
		}
		// Context ended first: do not leave the command behind.
		if !p.Exited() {
			p.Kill()
			<-p.Done()
		}
		return "", fmt.Errorf("command %s: %w", logName, err)
	}

	if !outcome.Success() {
		cmdErr := &CommandError{
			LogName:    logName,
			Command:    cmd.String(),
			Outcome:    outcome,
			StderrTail: tail.Lines(),
		}
		logger.Error("command_failed",
			"log_name", logName,
			"exit_code", outcome.ExitCode,
			"signal", outcome.Signal,
		)
		return stdout.String(), cmdErr
	}

	return stdout.String(), nil
}
