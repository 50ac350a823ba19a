package runner

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
)

// =============================================================================
// Styles
// =============================================================================

var (
	colorPrimary = lipgloss.Color("#7C3AED") // Purple
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorTextDim = lipgloss.Color("#6B7280") // Dark gray
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(colorTextDim)

	statusStyles = map[string]lipgloss.Style{
		StatusPass: lipgloss.NewStyle().Foreground(colorSuccess).Bold(true),
		StatusFail: lipgloss.NewStyle().Foreground(colorError).Bold(true),
		StatusSkip: lipgloss.NewStyle().Foreground(colorWarning),
	}
)

const (
	rule       = "═══════════════════════════════════════════════════════════════════════════════"
	sectionBar = "───────────────────────────────────────────────────────────────────────────────"
)

// ReportConfig holds what the report shows besides the test results.
type ReportConfig struct {
	// Processes summarises the daemons the run spawned; nil omits the section.
	Processes *metrics.Summary

	// MetricsAddr is the Prometheus endpoint address, empty when disabled.
	MetricsAddr string
}

// Report writes the run report to w.
func Report(w io.Writer, s Summary, cfg ReportConfig) {
	var b strings.Builder

	b.WriteString("\n" + rule + "\n")
	b.WriteString(titleStyle.Render(center("taler-harness Run Report")) + "\n")
	b.WriteString(rule + "\n\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(s.Duration))
	if s.RootDir != "" {
		fmt.Fprintf(&b, "Root Directory:         %s\n", s.RootDir)
	}
	if s.Interrupted {
		b.WriteString(statusStyles[StatusFail].Render("Interrupted:            yes") + "\n")
	}
	b.WriteString("\n")

	section(&b, "Test Results")
	if len(s.Results) == 0 {
		b.WriteString(dimStyle.Render("  (no tests ran)") + "\n")
	}
	for _, r := range s.Results {
		badge := statusStyles[r.Status].Render(fmt.Sprintf("%-4s", strings.ToUpper(r.Status)))
		fmt.Fprintf(&b, "  %s  %-40s %8.1fs\n", badge, r.Name, r.TimeSec)
		if r.Reason != "" {
			fmt.Fprintf(&b, "        %s\n", dimStyle.Render(firstLine(r.Reason)))
		}
		if r.Lingering {
			fmt.Fprintf(&b, "        lingering in %s\n", r.ScratchDir)
		}
	}
	b.WriteString("\n")

	pass, fail, skip := s.Counts()
	total := len(s.Results)
	fmt.Fprintf(&b, "  Skipped:              %d/%d\n", skip, total)
	fmt.Fprintf(&b, "  Failed:               %d/%d\n", fail, total)
	fmt.Fprintf(&b, "  Passed:               %d/%d\n\n", pass, total)

	if p := cfg.Processes; p != nil && p.Spawned > 0 {
		section(&b, "Processes")
		fmt.Fprintf(&b, "  Spawned:              %d\n", p.Spawned)
		if p.UptimeP50 > 0 || p.UptimeMax > 0 {
			fmt.Fprintf(&b, "  Uptime P50:           %s\n", FormatDuration(p.UptimeP50))
			fmt.Fprintf(&b, "  Uptime P95:           %s\n", FormatDuration(p.UptimeP95))
			fmt.Fprintf(&b, "  Uptime Max:           %s\n", FormatDuration(p.UptimeMax))
		}
		if len(p.ExitCodes) > 0 {
			b.WriteString("\n  Exit Codes:\n")
			codes := make([]int, 0, len(p.ExitCodes))
			for code := range p.ExitCodes {
				codes = append(codes, code)
			}
			sort.Ints(codes)
			for _, code := range codes {
				fmt.Fprintf(&b, "  %5d %-16s %d\n", code, exitCodeLabel(code), p.ExitCodes[code])
			}
		}
		b.WriteString("\n")
	}

	if s.RootDir != "" {
		fmt.Fprintf(&b, "See %s for details\n", filepath.Join(s.RootDir, ResultsFile))
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(rule + "\n")

	io.WriteString(w, b.String())
}

func section(b *strings.Builder, title string) {
	b.WriteString(sectionBar + "\n")
	b.WriteString(center(title) + "\n")
	b.WriteString(sectionBar + "\n\n")
}

func center(s string) string {
	pad := (len([]rune(rule)) - len(s)) / 2
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat(" ", pad) + s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
