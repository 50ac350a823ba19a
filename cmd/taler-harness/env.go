package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
	"github.com/randomizedcoder/go-taler-harness/internal/orchestrator"
	"github.com/randomizedcoder/go-taler-harness/internal/scenarios"
	"github.com/randomizedcoder/go-taler-harness/internal/service"
)

func (a *app) newEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Bring up a bank, exchange and merchant and keep them running",
		Long: `Start a bank, an exchange and a merchant on the configured ports and keep
them running until interrupted. SIGINT or SIGTERM tears every process down
and exits with status 1. With --linger-always the services are left running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.env(cmd.Context())
		},
	}
}

func (a *app) env(ctx context.Context) error {
	dir, err := orchestrator.NewScratchDir(a.cfg.RootDir, "taler-harness-env-")
	if err != nil {
		return err
	}

	// Signals reach the orchestrator's own handler, which tears the
	// services down and exits 1. Cancelling ctx shuts down and returns.
	orch, err := orchestrator.New(orchestrator.Options{
		ScratchDir:      dir,
		Logger:          a.logger,
		Metrics:         metrics.NewCollector(),
		LingerAlways:    a.cfg.LingerAlways,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	db, err := a.database(ctx)
	if err != nil {
		orch.Shutdown(context.Background())
		return err
	}

	run := &service.Run{
		Orchestrator: orch,
		Toolchain:    a.toolchain,
		Logger:       a.logger,
		PingInterval: a.cfg.PingInterval,
	}
	env, err := scenarios.SetupEnvironment(ctx, run, scenarios.EnvironmentOptions{
		Currency:     a.cfg.Currency,
		BankPort:     a.cfg.BankPort,
		ExchangePort: a.cfg.ExchangePort,
		MerchantPort: a.cfg.MerchantPort,
		Database:     db.ConnStr,
	})
	if err != nil {
		orch.Shutdown(context.Background())
		return err
	}

	fmt.Fprintf(a.stdout, "  Scratch:     %s\n", dir)
	fmt.Fprintf(a.stdout, "  Bank:        %s\n", env.Bank.BaseURL())
	fmt.Fprintf(a.stdout, "  Exchange:    %s (master key %s)\n", env.Exchange.BaseURL(), env.Exchange.MasterPub())
	fmt.Fprintf(a.stdout, "  Merchant:    %s\n", env.Merchant.BaseURL())
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, "Press Ctrl+C to stop.")

	<-ctx.Done()
	return orch.Shutdown(context.Background())
}

// database returns the connection info the services share, recreating the
// database first when --setup-database is set.
func (a *app) database(ctx context.Context) (service.DBInfo, error) {
	adminURL, name, err := service.SplitDatabaseURL(a.cfg.DatabaseURL)
	if err != nil {
		return service.DBInfo{}, err
	}
	if !a.cfg.SetupDatabase {
		return service.DBInfo{ConnStr: a.cfg.DatabaseURL, Name: name}, nil
	}
	return service.SetupDB(ctx, adminURL, name, a.logger)
}
