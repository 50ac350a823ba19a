// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// Paths read by the Linux-only checks; tests point them at fixtures.
var (
	procLimitsPath = "/proc/self/limits"
	portRangePath  = "/proc/sys/net/ipv4/ip_local_port_range"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Locator resolves a Taler tool name to an executable path.
type Locator interface {
	Lookup(tool string) (string, error)
}

// Options selects what RunAll verifies.
type Options struct {
	Locator  Locator
	Tools    []string       // binaries every selected test needs
	Ports    map[string]int // ports the services will bind, keyed by name
	Services int            // long-running processes expected per test
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4+len(opts.Tools)+len(opts.Ports)),
		Passed: true,
	}

	result.add(checkFileDescriptors(opts.Services))
	result.add(checkProcessLimit(opts.Services))

	if opts.Locator != nil {
		for _, tool := range opts.Tools {
			result.add(checkTool(opts.Locator, tool))
		}
	}

	// Port checks are warnings only
	result.add(checkEphemeralPorts())

	names := make([]string, 0, len(opts.Ports))
	for name := range opts.Ports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result.add(checkPortFree(name, opts.Ports[name]))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(services int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Each daemon holds two log files plus its sockets on our side, and every
	// proxied request holds two connections.
	required := services*16 + 128
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d services)", actual, required, services),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(services int) Check {
	required := services + 50

	data, err := os.ReadFile(procLimitsPath)
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses extracts the soft "Max processes" limit from the
// contents of /proc/self/limits. Returns 0 when it cannot be determined.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// checkTool verifies a Taler binary resolves through the toolchain.
func checkTool(loc Locator, tool string) Check {
	path, err := loc.Lookup(tool)
	if err != nil {
		return Check{
			Name:    tool,
			Passed:  false,
			Message: fmt.Sprintf("not found: %v", err),
		}
	}
	return Check{
		Name:    tool,
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkEphemeralPorts checks if enough ephemeral ports are available.
func checkEphemeralPorts() Check {
	data, err := os.ReadFile(portRangePath)
	if err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: "unable to read port range (non-Linux?)",
		}
	}

	var low, high int
	fmt.Sscanf(string(data), "%d %d", &low, &high)
	available := high - low

	// Readiness polling and the proxy's upstream connections leave sockets
	// in TIME_WAIT.
	const recommended = 1024

	return Check{
		Name:     "ephemeral_ports",
		Required: recommended,
		Actual:   available,
		Passed:   true, // Don't fail on this
		Warning:  available < recommended,
		Message:  fmt.Sprintf("%d-%d (%d available, recommend %d)", low, high, available, recommended),
	}
}

// checkPortFree warns when a service port is already bound by something else.
func checkPortFree(name string, port int) Check {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s already in use: %v", addr, err),
		}
	}
	ln.Close()
	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("%s free", addr),
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case name == "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case strings.HasPrefix(name, "taler-"):
		return "install the Taler exchange, merchant and bank packages, or pass --bin-dir"
	default:
		return "see documentation"
	}
}
