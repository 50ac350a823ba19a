package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Environment variables that keep a run's processes and scratch directory
// alive for inspection.
const (
	EnvLinger       = "TALER_TEST_LINGER"
	EnvLingerAlways = "TALER_TEST_LINGER_ALWAYS"

	envPrefix = "TALER_HARNESS"
)

// flagKeys maps every flag registered by BindFlags to its viper key.
var flagKeys = map[string]string{
	"root-dir":         "root_dir",
	"bin-dir":          "bin_dir",
	"currency":         "currency",
	"bank-port":        "bank_port",
	"exchange-port":    "exchange_port",
	"merchant-port":    "merchant_port",
	"proxy-port":       "proxy_port",
	"database-url":     "database_url",
	"setup-database":   "setup_database",
	"ping-interval":    "ping_interval",
	"shutdown-timeout": "shutdown_timeout",
	"test-timeout":     "test_timeout",
	"linger":           "linger_on_failure",
	"linger-always":    "linger_always",
	"log-format":       "log_format",
	"log-level":        "log_level",
	"verbose":          "verbose",
	"metrics":          "metrics_addr",
	"include":          "include",
	"suites":           "suites",
	"dry-run":          "dry_run",
	"skip-preflight":   "skip_preflight",
}

// BindFlags registers the harness flags on fs, using the current values of
// cfg as defaults and writing parsed values back into cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	// Run layout
	fs.StringVar(&cfg.RootDir, "root-dir", cfg.RootDir, "Directory that holds per-run scratch directories")
	fs.StringVar(&cfg.BinDir, "bin-dir", cfg.BinDir, "Directory containing the Taler binaries (default: PATH)")

	// Services
	fs.StringVar(&cfg.Currency, "currency", cfg.Currency, "Currency used by every service")
	fs.IntVar(&cfg.BankPort, "bank-port", cfg.BankPort, "Bank HTTP port")
	fs.IntVar(&cfg.ExchangePort, "exchange-port", cfg.ExchangePort, "Exchange HTTP port")
	fs.IntVar(&cfg.MerchantPort, "merchant-port", cfg.MerchantPort, "Merchant HTTP port")
	fs.IntVar(&cfg.ProxyPort, "proxy-port", cfg.ProxyPort, "Fault-injection proxy port")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string shared by the services")
	fs.BoolVar(&cfg.SetupDatabase, "setup-database", cfg.SetupDatabase, "Drop and recreate the database before each test")

	// Timing
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Readiness polling interval")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Grace period before SIGKILL on teardown")
	fs.DurationVar(&cfg.TestTimeout, "test-timeout", cfg.TestTimeout, "Default per-test timeout")

	// Post-mortem
	fs.BoolVar(&cfg.LingerOnFailure, "linger", cfg.LingerOnFailure, "Keep processes and scratch dir after a failed test (env "+EnvLinger+")")
	fs.BoolVar(&cfg.LingerAlways, "linger-always", cfg.LingerAlways, "Never tear down processes (env "+EnvLingerAlways+")")

	// Observability
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")

	// Selection
	fs.StringVar(&cfg.Include, "include", cfg.Include, "Glob selecting tests by name")
	fs.StringSliceVar(&cfg.Suites, "suites", cfg.Suites, "Comma-separated suites to run")

	// Diagnostic modes
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "List selected tests without running them")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
}

// NewViper returns a viper instance reading TALER_HARNESS_* variables, the
// linger controls and, when configFile is not empty, a YAML or TOML file.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("linger_on_failure", EnvLinger); err != nil {
		return nil, err
	}
	if err := v.BindEnv("linger_always", EnvLingerAlways); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

// BindViper binds every flag in fs registered by BindFlags to its viper key.
func BindViper(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load applies every value v knows about on top of cfg. Precedence is the
// viper one: explicit flag, environment, config file, then whatever cfg
// already holds.
func Load(v *viper.Viper, cfg *Config) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("root_dir", &cfg.RootDir)
	str("bin_dir", &cfg.BinDir)
	str("currency", &cfg.Currency)
	num("bank_port", &cfg.BankPort)
	num("exchange_port", &cfg.ExchangePort)
	num("merchant_port", &cfg.MerchantPort)
	num("proxy_port", &cfg.ProxyPort)
	str("database_url", &cfg.DatabaseURL)
	flag("setup_database", &cfg.SetupDatabase)
	flag("linger_on_failure", &cfg.LingerOnFailure)
	flag("linger_always", &cfg.LingerAlways)
	str("log_format", &cfg.LogFormat)
	str("log_level", &cfg.LogLevel)
	flag("verbose", &cfg.Verbose)
	str("metrics_addr", &cfg.MetricsAddr)
	str("include", &cfg.Include)
	flag("dry_run", &cfg.DryRun)
	flag("skip_preflight", &cfg.SkipPreflight)

	for key, dst := range map[string]*time.Duration{
		"ping_interval":    &cfg.PingInterval,
		"shutdown_timeout": &cfg.ShutdownTimeout,
		"test_timeout":     &cfg.TestTimeout,
	} {
		if !v.IsSet(key) {
			continue
		}
		d, err := cast.ToDurationE(v.Get(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v.IsSet("suites") {
		cfg.Suites = v.GetStringSlice("suites")
	}
	return nil
}
