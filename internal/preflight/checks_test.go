package preflight

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocator map[string]string

func (f fakeLocator) Lookup(tool string) (string, error) {
	if p, ok := f[tool]; ok {
		return p, nil
	}
	return "", errors.New("executable file not found in $PATH")
}

func TestCheck_String(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  []string
	}{
		{"passed_with_required", Check{Name: "c", Required: 100, Actual: 200, Passed: true}, []string{"✓", "200", "100"}},
		{"failed_check", Check{Name: "c", Required: 100, Actual: 50}, []string{"✗"}},
		{"warning_check", Check{Name: "c", Passed: true, Warning: true, Message: "warning message"}, []string{"⚠", "warning message"}},
		{"passed_with_message_only", Check{Name: "c", Passed: true, Message: "all good"}, []string{"✓", "all good"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.check.String()
			for _, w := range tt.want {
				assert.Contains(t, s, w)
			}
		})
	}
}

func TestRunAll_Tools(t *testing.T) {
	loc := fakeLocator{"taler-exchange-httpd": "/opt/taler/bin/taler-exchange-httpd"}

	result := RunAll(Options{
		Locator: loc,
		Tools:   []string{"taler-exchange-httpd", "taler-merchant-httpd"},
	})

	assert.False(t, result.Passed)
	byName := map[string]Check{}
	for _, c := range result.Checks {
		byName[c.Name] = c
	}
	assert.True(t, byName["taler-exchange-httpd"].Passed)
	assert.Contains(t, byName["taler-exchange-httpd"].Message, "/opt/taler/bin")
	assert.False(t, byName["taler-merchant-httpd"].Passed)
	assert.Contains(t, byName, "file_descriptors")
	assert.Contains(t, byName, "ephemeral_ports")
}

func TestRunAll_NoLocatorSkipsTools(t *testing.T) {
	result := RunAll(Options{Tools: []string{"taler-exchange-httpd"}})
	for _, c := range result.Checks {
		assert.NotEqual(t, "taler-exchange-httpd", c.Name)
	}
}

func TestCheckPortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	c := checkPortFree("exchange_port", busy)
	assert.True(t, c.Passed, "a busy port is only a warning")
	assert.True(t, c.Warning)
	assert.Contains(t, c.Message, "already in use")

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := free.Addr().(*net.TCPAddr).Port
	free.Close()

	c = checkPortFree("bank_port", port)
	assert.True(t, c.Passed)
	assert.False(t, c.Warning)
}

func TestParseMaxProcesses(t *testing.T) {
	limits := `Limit                     Soft Limit           Hard Limit           Units
Max cpu time              unlimited            unlimited            seconds
Max processes             23959                30000                processes
Max open files            20000                20000                files
`
	assert.Equal(t, 23959, parseMaxProcesses(limits))
	assert.Equal(t, 1000000, parseMaxProcesses("Max processes             unlimited            unlimited            processes\n"))
	assert.Equal(t, 0, parseMaxProcesses("Max open files 1 1 files\n"))
	assert.Equal(t, 0, parseMaxProcesses("Max processes\n"))
}

func TestCheckProcessLimit_Fixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits")
	require.NoError(t, os.WriteFile(path, []byte("Max processes             10                10                processes\n"), 0o644))

	orig := procLimitsPath
	procLimitsPath = path
	defer func() { procLimitsPath = orig }()

	c := checkProcessLimit(4)
	assert.False(t, c.Passed)
	assert.Equal(t, 10, c.Actual)
	assert.Equal(t, 54, c.Required)

	procLimitsPath = filepath.Join(dir, "missing")
	c = checkProcessLimit(4)
	assert.True(t, c.Passed)
	assert.True(t, c.Warning)
}

func TestCheckEphemeralPorts_Fixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "range")
	require.NoError(t, os.WriteFile(path, []byte("60000\t60500\n"), 0o644))

	orig := portRangePath
	portRangePath = path
	defer func() { portRangePath = orig }()

	c := checkEphemeralPorts()
	assert.True(t, c.Passed)
	assert.True(t, c.Warning)
	assert.Equal(t, 500, c.Actual)
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	PrintResults(&buf, &Result{Checks: []Check{
		{Name: "taler-exchange-httpd", Message: "not found"},
		{Name: "file_descriptors", Required: 10, Actual: 1},
	}})

	out := buf.String()
	assert.Contains(t, out, "Preflight checks:")
	assert.Contains(t, out, "--bin-dir")
	assert.Contains(t, out, "ulimit -n")
}
