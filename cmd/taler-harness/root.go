package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-taler-harness/internal/config"
	"github.com/randomizedcoder/go-taler-harness/internal/logging"
	"github.com/randomizedcoder/go-taler-harness/internal/process"
	"github.com/randomizedcoder/go-taler-harness/internal/runner"
	"github.com/randomizedcoder/go-taler-harness/internal/scenarios"
)

// app is the state shared by every subcommand.
type app struct {
	cfg        *config.Config
	configFile string
	logger     *slog.Logger
	stdout     io.Writer
	stderr     io.Writer

	// toolchain overrides the binaries resolved from --bin-dir.
	toolchain process.Toolchain
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		cfg:    config.DefaultConfig(),
		stdout: stdout,
		stderr: stderr,
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newApp(stdout, stderr).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taler-harness",
		Short: "Taler payment network integration test harness",
		Long: `taler-harness runs Taler banks, exchanges and merchants as child processes
and drives integration scenarios against them.

Every test gets its own scratch directory holding the generated configs and
one log file per process. results.json in the run's root directory records
the outcome of each test.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	config.BindFlags(cmd.PersistentFlags(), a.cfg)
	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML or TOML file with harness settings")

	cmd.AddCommand(a.newRunCommand())
	cmd.AddCommand(a.newListCommand())
	cmd.AddCommand(a.newEnvCommand())
	cmd.AddCommand(a.newVersionCommand())

	return cmd
}

// load merges environment and config file into the parsed flags and sets up
// logging.
func (a *app) load(cmd *cobra.Command, args []string) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	if err := config.BindViper(v, cmd.Root().PersistentFlags()); err != nil {
		return err
	}
	if err := config.Load(v, a.cfg); err != nil {
		return err
	}
	if err := config.Validate(a.cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	level := a.cfg.LogLevel
	if a.cfg.Verbose {
		level = "debug"
	}
	a.logger = logging.NewLoggerWithWriter(a.stderr, a.cfg.LogFormat, level)
	logging.SetDefault(a.logger)

	if a.toolchain == nil {
		a.toolchain = process.BinDirToolchain{Dir: a.cfg.BinDir}
	}
	return nil
}

// registry returns every scenario the harness ships with.
func registry() (*runner.Registry, error) {
	reg := runner.NewRegistry()
	if err := scenarios.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (a *app) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registered tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry()
			if err != nil {
				return err
			}
			for _, tc := range reg.All() {
				line := fmt.Sprintf("%-28s %s", tc.Name, strings.Join(tc.Suites, ","))
				if tc.ExcludeByDefault {
					line += " (excluded by default)"
				}
				fmt.Fprintln(a.stdout, strings.TrimRight(line, " "))
			}
			return nil
		},
	}
}

func (a *app) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the harness version",
		Args:  cobra.NoArgs,
		// Skips config loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "taler-harness %s\n", version)
		},
	}
}
