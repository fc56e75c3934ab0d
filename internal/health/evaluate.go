package health

import (
	"fmt"
	"time"

	"github.com/cortexuvula/wsbench/internal/config"
	"github.com/cortexuvula/wsbench/internal/report"
	"github.com/cortexuvula/wsbench/internal/stats"
)

// Evaluate classifies one window. RED checks run before YELLOW checks and
// the first match wins.
func Evaluate(w *report.WindowResult, th config.ThresholdsConfig) report.Verdict {
	red := th.Red
	p95RedMs := stats.Millis(red.P95RTT)
	p99RedMs := stats.Millis(red.P99RTT)

	switch {
	case w.ConnectionSuccessRate < red.ConnectionSuccessRate:
		return redVerdict(report.CategoryConnectionFailure,
			"connection success rate %.1f%% below %.1f%%", w.ConnectionSuccessRate, red.ConnectionSuccessRate)
	case w.LossRate > red.MessageLossRate:
		return redVerdict(report.CategoryMessageLoss,
			"message loss %.2f%% above %.2f%%", w.LossRate, red.MessageLossRate)
	case w.Latency.P95 > p95RedMs:
		return redVerdict(report.CategoryLatencyP95,
			"p95 latency %.1fms above %s", w.Latency.P95, red.P95RTT)
	case w.Latency.P99 > p99RedMs:
		return redVerdict(report.CategoryLatencyP99,
			"p99 latency %.1fms above %s", w.Latency.P99, red.P99RTT)
	case w.CPUPercent != nil && *w.CPUPercent > red.CPUPercent:
		return redVerdict(report.CategoryCPU,
			"cpu %.1f%% above %.1f%%", *w.CPUPercent, red.CPUPercent)
	case abs(w.MemoryGrowthRate) > red.MemoryGrowthRate:
		return redVerdict(report.CategoryMemoryGrowth,
			"memory growing %.1fMB/min, limit %.1fMB/min", w.MemoryGrowthRate, red.MemoryGrowthRate)
	}

	yellow := th.Yellow
	switch {
	case w.ConnectionSuccessRate < yellow.ConnectionSuccessRate:
		return yellowVerdict("connection success rate %.1f%% below %.1f%%", w.ConnectionSuccessRate, yellow.ConnectionSuccessRate)
	case w.LossRate > yellow.MessageLossRate:
		return yellowVerdict("message loss %.2f%% above %.2f%%", w.LossRate, yellow.MessageLossRate)
	case w.Latency.P95 > stats.Millis(yellow.P95RTT):
		return yellowVerdict("p95 latency %.1fms above %s", w.Latency.P95, yellow.P95RTT)
	case w.CPUPercent != nil && *w.CPUPercent > yellow.CPUPercent:
		return yellowVerdict("cpu %.1f%% above %.1f%%", *w.CPUPercent, yellow.CPUPercent)
	}

	return report.Verdict{Status: report.Green, Reason: "all metrics within thresholds"}
}

// Degraded builds the RED verdict that ends a run after too many
// consecutive YELLOW windows.
func Degraded(count int, last report.Verdict) report.Verdict {
	return redVerdict(report.CategoryConsecutiveDegradation,
		"%d consecutive degraded windows, last: %s", count, last.Reason)
}

// Crashed builds the RED verdict for a server that exited during the run.
func Crashed(err error, at time.Duration) report.Verdict {
	reason := fmt.Sprintf("server exited after %s", at.Round(time.Millisecond))
	if err != nil {
		reason += ": " + err.Error()
	}
	return report.Verdict{Status: report.Red, Reason: reason, Category: report.CategoryServerCrashed}
}

func redVerdict(cat report.Category, format string, args ...any) report.Verdict {
	return report.Verdict{Status: report.Red, Reason: fmt.Sprintf(format, args...), Category: cat}
}

func yellowVerdict(format string, args ...any) report.Verdict {
	return report.Verdict{Status: report.Yellow, Reason: fmt.Sprintf(format, args...)}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
