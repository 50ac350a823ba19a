package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/config"
	"github.com/randomizedcoder/go-taler-harness/internal/orchestrator"
	"github.com/randomizedcoder/go-taler-harness/internal/process"
	"github.com/randomizedcoder/go-taler-harness/internal/service"
)

// ErrSkip marks a test that decided not to run.
var ErrSkip = errors.New("test skipped")

// AssertionError is returned by T.AssertTrue.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Message
}

// T is the state a test case runs with.
type T struct {
	Name         string
	Orchestrator *orchestrator.Orchestrator
	Config       *config.Config
	Toolchain    process.Toolchain
	Logger       *slog.Logger
	ScratchDir   string
	DB           service.DBInfo

	pingInterval time.Duration
}

// Services returns the run in which the test creates its services.
func (t *T) Services() *service.Run {
	return &service.Run{
		Orchestrator: t.Orchestrator,
		Toolchain:    t.Toolchain,
		Logger:       t.Logger,
		PingInterval: t.pingInterval,
	}
}

// AssertTrue returns an *AssertionError unless cond holds.
func (t *T) AssertTrue(cond bool, msg string) error {
	if cond {
		return nil
	}
	t.Logger.Error("assertion_failed", "message", msg)
	return &AssertionError{Message: msg}
}

// Skip returns an error that makes the runner record the test as skipped.
func (t *T) Skip(format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	t.Logger.Info("test_skipped", "reason", reason)
	return fmt.Errorf("%w: %s", ErrSkip, reason)
}
