package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cortexuvula/wsbench/internal/report"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	statusColors = map[report.Status]lipgloss.Color{
		report.Green:  lipgloss.Color("42"),
		report.Yellow: lipgloss.Color("214"),
		report.Red:    lipgloss.Color("196"),
	}
)

func statusText(s report.Status) string {
	return lipgloss.NewStyle().Foreground(statusColors[s]).Bold(true).Render(s.String())
}

// renderSummary draws the end-of-run table: one line per phase followed by
// the outcome.
func renderSummary(rep *report.Report) string {
	if rep == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("wsbench %s  %s/%s", rep.RunID, rep.Library, rep.Pattern)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "%-6s %8s %8s %10s %10s %8s  %s\n", "phase", "clients", "conn%", "p95 ms", "p99 ms", "loss%", "verdict")
	for _, p := range rep.Phases {
		w := p.Window
		fmt.Fprintf(&b, "%-6d %8d %8.1f %10.2f %10.2f %8.2f  %s\n",
			w.Phase, w.ActiveClients, w.ConnectionSuccessRate, w.Latency.P95, w.Latency.P99, w.LossRate,
			statusText(p.Verdict.Status))
	}
	b.WriteString("\n")

	outcome := statusText(report.Green)
	if rep.Outcome == report.OutcomeFailed {
		outcome = statusText(report.Red)
	}
	fmt.Fprintf(&b, "outcome:      %s %s\n", outcome, rep.Outcome)
	if rep.Category != report.CategoryNone {
		fmt.Fprintf(&b, "stopped by:   %s\n", rep.Category)
	}
	if rep.Reason != "" {
		fmt.Fprintf(&b, "reason:       %s\n", rep.Reason)
	}
	fmt.Fprintf(&b, "last healthy: %d clients\n", rep.LastHealthyClients)
	fmt.Fprintf(&b, "max tried:    %d clients in %d phases over %s",
		rep.MaxClientsAttempted, rep.TotalPhases, rep.Duration().Round(time.Second))

	return boxStyle.Render(b.String())
}
