package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
	"github.com/randomizedcoder/go-taler-harness/internal/process"
)

// ErrProcessExited is returned by readiness polling when the polled daemon
// ended before it became reachable.
var ErrProcessExited = errors.New("service process exited")

// PingOptions configure PingURL.
type PingOptions struct {
	URL     string
	Service string // metric label and log attribute

	// Process, when set, aborts polling once its outcome resolves.
	Process *process.ManagedProcess

	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// PingURL issues GET requests against opts.URL every opts.Interval until any
// HTTP response arrives. Error statuses count as available: the probe only
// proves that the port is bound and accepting connections. Connection
// errors are logged and retried until ctx is done.
func PingURL(ctx context.Context, opts PingOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("ping %s: %w", opts.Service, err)
	}

	var procDone <-chan struct{}
	if opts.Process != nil {
		procDone = opts.Process.Done()
	}

	for attempt := 1; ; attempt++ {
		if opts.Process != nil && opts.Process.Exited() {
			return fmt.Errorf("%s at %s: %w (%s)", opts.Service, opts.URL, ErrProcessExited, describeExit(opts.Process))
		}

		status, err := pingOnce(client, req)
		if err == nil {
			opts.Metrics.ReadinessPoll(opts.Service, true)
			logger.Info("service_available",
				"url", opts.URL,
				"status", status,
				"attempts", attempt,
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		opts.Metrics.ReadinessPoll(opts.Service, false)
		logger.Info("service_not_ready",
			"url", opts.URL,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-procDone:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func pingOnce(client *http.Client, req *http.Request) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func describeExit(p *process.ManagedProcess) string {
	if err := p.Err(); err != nil {
		return err.Error()
	}
	outcome, _ := p.Outcome()
	return outcome.String()
}
