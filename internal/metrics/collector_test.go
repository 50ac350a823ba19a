package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-taler-harness/internal/logging"
)

// =============================================================================
// Test Helpers
// =============================================================================

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// =============================================================================
// Tests: Collector
// =============================================================================

func TestNewCollector_SeparateRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.ProcessSpawned("bank")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.processesSpawned.WithLabelValues("bank")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.processesSpawned.WithLabelValues("bank")))
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.ProcessSpawned("bank")
		c.SpawnFailed()
		c.ProcessExited("bank", 0, time.Second)
		c.ProcessSignaled("SIGTERM")
		c.ListenerClosed()
		c.ReadinessPoll("bank", true)
		c.ProxyRequest("p")
		c.ProxyDroppedRequest("p")
		c.ProxyDroppedResponse("p")
		c.ProxyUpstreamError("p")
		c.ProxyUpstreamLatency("p", time.Millisecond)
		c.TestFinished("pass")
	})
	assert.Nil(t, c.Registry())
	assert.NotNil(t, c.GenerateSummary())
}

func TestCollector_ProcessExited(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		outcome  string
	}{
		{"clean", 0, "success"},
		{"error", 1, "error"},
		{"sigterm", 143, "signal"},
		{"sigkill", 137, "signal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector()
			c.ProcessExited("exchange-httpd", tt.exitCode, time.Second)
			assert.Equal(t, 1.0, testutil.ToFloat64(c.processExits.WithLabelValues("exchange-httpd", tt.outcome)))
		})
	}
}

func TestCollector_ReadinessPoll(t *testing.T) {
	c := NewCollector()
	c.ReadinessPoll("merchant", false)
	c.ReadinessPoll("merchant", false)
	c.ReadinessPoll("merchant", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.readinessPolls.WithLabelValues("merchant", "unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.readinessPolls.WithLabelValues("merchant", "available")))
}

func TestCollector_ProxyMetrics(t *testing.T) {
	c := NewCollector()
	c.ProxyRequest("exchange")
	c.ProxyRequest("exchange")
	c.ProxyDroppedResponse("exchange")
	c.ProxyUpstreamLatency("exchange", 20*time.Millisecond)

	count, err := testutil.GatherAndCount(c.Registry(), "taler_harness_proxy_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
# HELP taler_harness_proxy_dropped_responses_total Upstream responses dropped before reaching the client
# TYPE taler_harness_proxy_dropped_responses_total counter
taler_harness_proxy_dropped_responses_total{proxy="exchange"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"taler_harness_proxy_dropped_responses_total"))

	fam := findFamily(t, c.Registry(), "taler_harness_proxy_upstream_seconds")
	require.NotNil(t, fam)
	assert.Equal(t, dto.MetricType_HISTOGRAM, fam.GetType())
	assert.EqualValues(t, 1, fam.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestCollector_TestFinished(t *testing.T) {
	c := NewCollector()
	c.TestFinished("pass")
	c.TestFinished("fail")
	c.TestFinished("pass")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tests.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tests.WithLabelValues("fail")))
}

// =============================================================================
// Tests: Summary
// =============================================================================

func TestCollector_GenerateSummary(t *testing.T) {
	c := NewCollector()
	c.ProcessSpawned("bank")
	c.ProcessSpawned("exchange-httpd")
	c.ProcessSpawned("merchant-httpd")
	c.ProcessExited("bank", 143, 1*time.Second)
	c.ProcessExited("exchange-httpd", 143, 2*time.Second)
	c.ProcessExited("merchant-httpd", 1, 3*time.Second)

	s := c.GenerateSummary()
	assert.EqualValues(t, 3, s.Spawned)
	assert.Equal(t, map[int]int64{143: 2, 1: 1}, s.ExitCodes)
	assert.Equal(t, 2*time.Second, s.UptimeP50)
	assert.Equal(t, 3*time.Second, s.UptimeMax)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))

	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(10), percentile(sorted, 1.0))
}

// =============================================================================
// Tests: Server
// =============================================================================

func TestServer_Endpoints(t *testing.T) {
	c := NewCollector()
	c.ProcessSpawned("bank")

	s := NewServer("127.0.0.1:0", c.Registry(), logging.Discard())
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `taler_harness_processes_spawned_total{log_name="bank"} 1`)
}

func TestServer_MetricsDecode(t *testing.T) {
	c := NewCollector()
	c.ProcessSpawned("exchange-httpd-testexchange-1")
	c.ReadinessPoll("exchange", false)
	c.ReadinessPoll("exchange", true)

	s := NewServer("127.0.0.1:0", c.Registry(), logging.Discard())
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	families := make(map[string]*dto.MetricFamily)
	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
		}
		families[mf.GetName()] = &mf
	}

	polls := families["taler_harness_readiness_polls_total"]
	require.NotNil(t, polls)
	assert.Len(t, polls.GetMetric(), 2)
	spawned := families["taler_harness_processes_spawned_total"]
	require.NotNil(t, spawned)
	assert.Equal(t, 1.0, spawned.GetMetric()[0].GetCounter().GetValue())
}

func TestServer_StartPortInUse(t *testing.T) {
	first := NewServer("127.0.0.1:0", prometheus.NewRegistry(), logging.Discard())
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())

	second := NewServer(first.Addr(), prometheus.NewRegistry(), logging.Discard())
	assert.Error(t, second.Start())
}
