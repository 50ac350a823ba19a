// Package metrics provides Prometheus metrics for taler-harness.
//
// A Collector owns its own registry so that several runs in one process do
// not collide. A nil *Collector is valid and records nothing, which keeps the
// call sites in the process, service and proxy layers unconditional.
package metrics

import (
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taler_harness"

// Collector records harness events as Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// --- Processes ---
	processesSpawned *prometheus.CounterVec
	processExits     *prometheus.CounterVec
	processSignals   *prometheus.CounterVec
	spawnFailures    prometheus.Counter
	processUptime    prometheus.Histogram
	listenersClosed  prometheus.Counter

	// --- Services ---
	readinessPolls *prometheus.CounterVec

	// --- Fault proxy ---
	proxyRequests         *prometheus.CounterVec
	proxyDroppedRequests  *prometheus.CounterVec
	proxyDroppedResponses *prometheus.CounterVec
	proxyUpstreamErrors   *prometheus.CounterVec
	proxyUpstreamSeconds  *prometheus.HistogramVec

	// --- Runner ---
	tests *prometheus.CounterVec

	mu        sync.Mutex
	startTime time.Time
	exitCodes map[int]int64
	uptimes   []time.Duration
	spawned   int64
}

// NewCollector creates a Collector with a private registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a Collector registering into registry.
func NewCollectorWithRegistry(registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry:  registry,
		startTime: time.Now(),
		exitCodes: make(map[int]int64),
	}

	c.processesSpawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_spawned_total",
			Help:      "Processes successfully spawned, by log name",
		},
		[]string{"log_name"},
	)

	c.processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Process exits by log name and outcome (success, error, signal)",
		},
		[]string{"log_name", "outcome"},
	)

	c.processSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_signals_total",
			Help:      "Signals sent to managed processes",
		},
		[]string{"signal"},
	)

	c.spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Executables that could not be started",
		},
	)

	c.processUptime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_uptime_seconds",
			Help:      "Time between spawn and exit of managed processes",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	c.listenersClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listeners_closed_total",
			Help:      "Listeners closed during teardown",
		},
	)

	c.readinessPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_polls_total",
			Help:      "Readiness probes by service and result (available, unreachable)",
		},
		[]string{"service", "result"},
	)

	c.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Requests received by a fault proxy",
		},
		[]string{"proxy"},
	)

	c.proxyDroppedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_dropped_requests_total",
			Help:      "Requests dropped before reaching the upstream",
		},
		[]string{"proxy"},
	)

	c.proxyDroppedResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_dropped_responses_total",
			Help:      "Upstream responses dropped before reaching the client",
		},
		[]string{"proxy"},
	)

	c.proxyUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_upstream_errors_total",
			Help:      "Forwarding attempts that failed to reach the upstream",
		},
		[]string{"proxy"},
	)

	c.proxyUpstreamSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_upstream_seconds",
			Help:      "Upstream round trip time seen by a fault proxy",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"proxy"},
	)

	c.tests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Finished test cases by status",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		c.processesSpawned,
		c.processExits,
		c.processSignals,
		c.spawnFailures,
		c.processUptime,
		c.listenersClosed,
		c.readinessPolls,
		c.proxyRequests,
		c.proxyDroppedRequests,
		c.proxyDroppedResponses,
		c.proxyUpstreamErrors,
		c.proxyUpstreamSeconds,
		c.tests,
	)

	return c
}

// Registry returns the registry the collector registers into.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// =============================================================================
// Process events
// =============================================================================

// ProcessSpawned records a successful spawn.
func (c *Collector) ProcessSpawned(logName string) {
	if c == nil {
		return
	}
	c.processesSpawned.WithLabelValues(logName).Inc()

	c.mu.Lock()
	c.spawned++
	c.mu.Unlock()
}

// SpawnFailed records an executable that could not be started.
func (c *Collector) SpawnFailed() {
	if c == nil {
		return
	}
	c.spawnFailures.Inc()
}

// ProcessExited records a process exit.
func (c *Collector) ProcessExited(logName string, exitCode int, uptime time.Duration) {
	if c == nil {
		return
	}
	c.processExits.WithLabelValues(logName, exitCategory(exitCode)).Inc()
	c.processUptime.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.uptimes = append(c.uptimes, uptime)
	c.mu.Unlock()
}

// ProcessSignaled records a signal sent to a process group.
func (c *Collector) ProcessSignaled(signal string) {
	if c == nil {
		return
	}
	c.processSignals.WithLabelValues(signal).Inc()
}

// ListenerClosed records a listener closed during teardown.
func (c *Collector) ListenerClosed() {
	if c == nil {
		return
	}
	c.listenersClosed.Inc()
}

// exitCategory groups exit codes the same way the exit summary does.
func exitCategory(exitCode int) string {
	switch {
	case exitCode == 0:
		return "success"
	case exitCode > 128:
		return "signal"
	default:
		return "error"
	}
}

// =============================================================================
// Service and proxy events
// =============================================================================

// ReadinessPoll records one readiness probe. available is true when any
// HTTP response was received.
func (c *Collector) ReadinessPoll(service string, available bool) {
	if c == nil {
		return
	}
	result := "unreachable"
	if available {
		result = "available"
	}
	c.readinessPolls.WithLabelValues(service, result).Inc()
}

// ProxyRequest records a request received by a fault proxy.
func (c *Collector) ProxyRequest(proxy string) {
	if c == nil {
		return
	}
	c.proxyRequests.WithLabelValues(proxy).Inc()
}

// ProxyDroppedRequest records a request dropped by a rule.
func (c *Collector) ProxyDroppedRequest(proxy string) {
	if c == nil {
		return
	}
	c.proxyDroppedRequests.WithLabelValues(proxy).Inc()
}

// ProxyDroppedResponse records a response dropped by a rule.
func (c *Collector) ProxyDroppedResponse(proxy string) {
	if c == nil {
		return
	}
	c.proxyDroppedResponses.WithLabelValues(proxy).Inc()
}

// ProxyUpstreamError records a failed forwarding attempt.
func (c *Collector) ProxyUpstreamError(proxy string) {
	if c == nil {
		return
	}
	c.proxyUpstreamErrors.WithLabelValues(proxy).Inc()
}

// ProxyUpstreamLatency records an upstream round trip.
func (c *Collector) ProxyUpstreamLatency(proxy string, d time.Duration) {
	if c == nil {
		return
	}
	c.proxyUpstreamSeconds.WithLabelValues(proxy).Observe(d.Seconds())
}

// TestFinished records a finished test case ("pass", "fail" or "skip").
func (c *Collector) TestFinished(status string) {
	if c == nil {
		return
	}
	c.tests.WithLabelValues(status).Inc()
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds process statistics for the run report.
type Summary struct {
	Duration  time.Duration
	Spawned   int64
	ExitCodes map[int]int64
	UptimeP50 time.Duration
	UptimeP95 time.Duration
	UptimeMax time.Duration
}

// GenerateSummary creates a summary of the processes seen so far.
func (c *Collector) GenerateSummary() *Summary {
	if c == nil {
		return &Summary{ExitCodes: map[int]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:  time.Since(c.startTime),
		Spawned:   c.spawned,
		ExitCodes: make(map[int]int64, len(c.exitCodes)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if len(c.uptimes) > 0 {
		sorted := slices.Clone(c.uptimes)
		slices.Sort(sorted)
		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeP95 = percentile(sorted, 0.95)
		s.UptimeMax = sorted[len(sorted)-1]
	}

	return s
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
