// Package fakeservice stands in for the Taler binaries in tests.
//
// A test package re-executes its own test binary as every Taler tool:
//
//	func TestMain(m *testing.M) {
//		if fakeservice.Enabled() {
//			os.Exit(fakeservice.Main(os.Args[1:]))
//		}
//		os.Exit(m.Run())
//	}
//
// and hands the services a Toolchain from NewToolchain.
package fakeservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-taler-harness/internal/process"
	"github.com/randomizedcoder/go-taler-harness/internal/talerconfig"
)

// Environment understood by the fake tools.
const (
	EnvEnable = "TALER_HARNESS_FAKE_SERVICE"

	// EnvFail lists tools, comma separated, that exit 1 right away.
	EnvFail = "TALER_HARNESS_FAKE_FAIL"

	// EnvStartupDelay delays binding the HTTP port of the fake daemons.
	EnvStartupDelay = "TALER_HARNESS_FAKE_STARTUP_DELAY"
)

// Version is what the fake daemons report in /config and /keys.
const Version = "0:0:0"

// Tools lists every binary the fake implements.
var Tools = []string{
	"taler-bank-manage",
	"taler-exchange-dbinit",
	"taler-exchange-httpd",
	"taler-exchange-offline",
	"taler-exchange-secmod-cs",
	"taler-exchange-secmod-eddsa",
	"taler-exchange-secmod-rsa",
	"taler-exchange-wirewatch",
	"taler-merchant-dbinit",
	"taler-merchant-httpd",
}

// Enabled reports whether the current process was started as a fake tool.
func Enabled() bool {
	return os.Getenv(EnvEnable) == "1"
}

// Toolchain runs Binary as every Taler tool, the tool name being the first
// argument.
type Toolchain struct {
	Binary string
	Env    []string
}

// NewToolchain returns a toolchain re-executing the running binary. env is
// passed to every tool in addition to EnvEnable.
func NewToolchain(env ...string) (Toolchain, error) {
	bin, err := os.Executable()
	if err != nil {
		return Toolchain{}, fmt.Errorf("locate test binary: %w", err)
	}
	return Toolchain{
		Binary: bin,
		Env:    append([]string{EnvEnable + "=1"}, env...),
	}, nil
}

// Command implements process.Toolchain.
func (t Toolchain) Command(tool string, args ...string) process.Command {
	return process.Command{
		Path: t.Binary,
		Args: append([]string{tool}, args...),
		Env:  slices.Clone(t.Env),
	}
}

// Lookup resolves tool to the test binary when the fake implements it.
func (t Toolchain) Lookup(tool string) (string, error) {
	if !slices.Contains(Tools, tool) {
		return "", fmt.Errorf("%s: no fake implementation", tool)
	}
	return t.Binary, nil
}

// Main runs the fake tool named by args[0] and returns its exit status.
func Main(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "fakeservice: missing tool name")
		return 2
	}
	tool := filepath.Base(args[0])
	fmt.Fprintf(os.Stderr, "%s: started with %s\n", tool, strings.Join(args[1:], " "))

	if failing(tool) {
		fmt.Fprintf(os.Stderr, "%s: simulated failure\n", tool)
		return 1
	}

	var cfg *talerconfig.Config
	if path := configFile(args[1:]); path != "" {
		var err error
		if cfg, err = talerconfig.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", tool, err)
			return 1
		}
	}

	switch tool {
	case "taler-exchange-dbinit", "taler-merchant-dbinit", "taler-exchange-offline":
		fmt.Printf("%s: ok\n", tool)
		return 0
	case "taler-exchange-secmod-cs", "taler-exchange-secmod-eddsa", "taler-exchange-secmod-rsa", "taler-exchange-wirewatch":
		return idle(tool)
	case "taler-bank-manage":
		return serveDaemon(tool, cfg, "bank", "http_port", newBank(cfg))
	case "taler-exchange-httpd":
		return serveDaemon(tool, cfg, "exchange", "port", newExchange(cfg))
	case "taler-merchant-httpd":
		return serveDaemon(tool, cfg, "merchant", "port", newMerchant(cfg))
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown tool\n", tool)
		return 127
	}
}

func failing(tool string) bool {
	for _, t := range strings.Split(os.Getenv(EnvFail), ",") {
		if strings.TrimSpace(t) == tool {
			return true
		}
	}
	return false
}

// configFile returns the value of -c.
func configFile(args []string) string {
	for i, a := range args {
		if a == "-c" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func terminated() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// idle runs until terminated, like a helper daemon without a port.
func idle(tool string) int {
	ctx, stop := terminated()
	defer stop()
	<-ctx.Done()
	fmt.Fprintf(os.Stderr, "%s: terminated\n", tool)
	return 0
}

func serveDaemon(tool string, cfg *talerconfig.Config, section, option string, h http.Handler) int {
	if cfg == nil {
		fmt.Fprintf(os.Stderr, "%s: -c is required\n", tool)
		return 1
	}
	port, err := cfg.GetNumber(section, option)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", tool, err)
		return 1
	}

	ctx, stop := terminated()
	defer stop()

	if d, err := time.ParseDuration(os.Getenv(EnvStartupDelay)); err == nil && d > 0 {
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(d):
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.FormatInt(port, 10)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", tool, err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s: listening on %s\n", tool, ln.Addr())

	srv := &http.Server{Handler: h}
	go srv.Serve(ln)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	fmt.Fprintf(os.Stderr, "%s: terminated\n", tool)
	return 0
}
