package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
	"github.com/randomizedcoder/go-taler-harness/internal/preflight"
	"github.com/randomizedcoder/go-taler-harness/internal/runner"
	"github.com/randomizedcoder/go-taler-harness/internal/service"
)

// servicesPerTest bounds the daemons one scenario keeps running: bank,
// exchange httpd plus four helpers, merchant.
const servicesPerTest = 7

func (a *app) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [pattern]",
		Short: "Run the selected tests",
		Long: `Run every registered test whose name matches pattern (a glob, default
--include) and that belongs to one of --suites. Tests excluded by default only
run when a suite names them.

Exit status is 0 when every test passed or was skipped, 1 when a test
failed and 3 when the run was interrupted.`,
		Example: `  taler-harness run
  taler-harness run 'fault-*' --log-format text
  taler-harness run --suites faults --linger`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.Include = args[0]
			}
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(parent context.Context) error {
	reg, err := registry()
	if err != nil {
		return err
	}
	cases, err := reg.Select(a.cfg.Include, a.cfg.Suites)
	if err != nil {
		return err
	}

	if !a.cfg.DryRun && !a.cfg.SkipPreflight {
		loc, _ := a.toolchain.(preflight.Locator)
		result := preflight.RunAll(preflight.Options{
			Locator:  loc,
			Tools:    service.Tools,
			Ports:    a.cfg.Ports(),
			Services: servicesPerTest,
		})
		preflight.PrintResults(a.stdout, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use --skip-preflight to bypass)")
		}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	if a.cfg.MetricsAddr != "" && !a.cfg.DryRun {
		srv := metrics.NewServer(a.cfg.MetricsAddr, collector.Registry(), a.logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Shutdown(context.Background())
	}

	a.logger.Info("starting",
		"version", version,
		"tests", len(cases),
		"root_dir", a.cfg.RootDir,
		"metrics_addr", a.cfg.MetricsAddr,
	)

	var logWriter io.Writer
	if a.cfg.Verbose {
		logWriter = a.stderr
	}
	r := runner.New(runner.Options{
		Config:    a.cfg,
		Toolchain: a.toolchain,
		Logger:    a.logger,
		Metrics:   collector,
		Out:       a.stdout,
		LogWriter: logWriter,
	})

	summary, err := r.Run(ctx, cases)
	if err != nil {
		return err
	}
	if a.cfg.DryRun {
		return nil
	}

	runner.Report(a.stdout, summary, runner.ReportConfig{
		Processes:   collector.GenerateSummary(),
		MetricsAddr: a.cfg.MetricsAddr,
	})

	if r.Lingering() {
		fmt.Fprintln(a.stdout, "Services are lingering. Press Ctrl+C to tear them down.")
		if err := r.Linger(ctx); err != nil {
			a.logger.Warn("linger_teardown_incomplete", "error", err)
		}
	}

	if code := runner.ExitCode(summary); code != 0 {
		return &exitError{code: code}
	}
	return nil
}
