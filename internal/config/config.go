// Package config provides configuration management for taler-harness.
package config

import (
	"os"
	"time"
)

// Config holds all configuration options for a harness run.
type Config struct {
	// Run layout
	RootDir string `json:"root_dir"` // scratch root, each run gets a subdirectory
	BinDir  string `json:"bin_dir"`  // empty = resolve Taler binaries on PATH

	// Services
	Currency      string `json:"currency"`
	BankPort      int    `json:"bank_port"`
	ExchangePort  int    `json:"exchange_port"`
	MerchantPort  int    `json:"merchant_port"`
	ProxyPort     int    `json:"proxy_port"`
	DatabaseURL   string `json:"database_url"`
	SetupDatabase bool   `json:"setup_database"`

	// Timing
	PingInterval    time.Duration `json:"ping_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	TestTimeout     time.Duration `json:"test_timeout"`

	// Post-mortem
	LingerOnFailure bool `json:"linger_on_failure"`
	LingerAlways    bool `json:"linger_always"`

	// Observability
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`
	Verbose     bool   `json:"verbose"`
	MetricsAddr string `json:"metrics_addr"` // empty = disabled

	// Selection
	Include string   `json:"include"` // glob over test names
	Suites  []string `json:"suites"`

	// Diagnostic modes
	DryRun        bool `json:"dry_run"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir: os.TempDir(),

		Currency:     "TESTKUDOS",
		BankPort:     8082,
		ExchangePort: 8081,
		MerchantPort: 8083,
		ProxyPort:    8091,
		DatabaseURL:  "postgres:///taler-integrationtest",

		PingInterval:    time.Second,
		ShutdownTimeout: 10 * time.Second,
		TestTimeout:     60 * time.Second,

		LogFormat: "text",
		LogLevel:  "info",
	}
}

// Ports returns the configured service ports keyed by field name.
func (c *Config) Ports() map[string]int {
	return map[string]int{
		"bank_port":     c.BankPort,
		"exchange_port": c.ExchangePort,
		"merchant_port": c.MerchantPort,
		"proxy_port":    c.ProxyPort,
	}
}
