package stats

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.Count != 0 || s.Mean != 0 || s.P95 != 0 {
		t.Errorf("Summarize(nil) = %+v, want zero", s)
	}
}

func TestSummarizeSingle(t *testing.T) {
	s := Summarize([]float64{4})
	if s.Count != 1 || s.Mean != 4 || s.Median != 4 || s.P99 != 4 || s.StdDev != 0 {
		t.Errorf("Summarize([4]) = %+v", s)
	}
}

func TestSummarize(t *testing.T) {
	samples := []float64{5, 1, 4, 2, 3}
	s := Summarize(samples)

	if s.Count != 5 {
		t.Errorf("count = %d, want 5", s.Count)
	}
	if !almostEqual(s.Mean, 3) {
		t.Errorf("mean = %v, want 3", s.Mean)
	}
	if !almostEqual(s.Median, 3) {
		t.Errorf("median = %v, want 3", s.Median)
	}
	if s.Min != 1 || s.Max != 5 {
		t.Errorf("min/max = %v/%v, want 1/5", s.Min, s.Max)
	}
	// sample standard deviation of 1..5
	if !almostEqual(s.StdDev, math.Sqrt(2.5)) {
		t.Errorf("std = %v, want %v", s.StdDev, math.Sqrt(2.5))
	}
	// |1-5|+|4-1|+|2-4|+|3-2| = 4+3+2+1 = 10 over 4 diffs
	if !almostEqual(s.Jitter, 2.5) {
		t.Errorf("jitter = %v, want 2.5", s.Jitter)
	}
	if samples[0] != 5 {
		t.Error("Summarize must not reorder its input")
	}
}

func TestPercentileInterpolates(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{25, 17.5},
		{50, 25},
		{95, 38.5},
		{100, 40},
	}
	for _, tt := range tests {
		if got := Percentile(sorted, tt.p); !almostEqual(got, tt.want) {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestPercentileUniform(t *testing.T) {
	sorted := make([]float64, 100)
	for i := range sorted {
		sorted[i] = 600
	}
	if got := Percentile(sorted, 95); got != 600 {
		t.Errorf("p95 = %v, want 600", got)
	}
}

func TestLossRate(t *testing.T) {
	tests := []struct {
		sent, received int64
		want           float64
	}{
		{0, 0, 0},
		{50, 50, 0},
		{100, 90, 10},
		{4, 1, 75},
		{10, 12, 0},
	}
	for _, tt := range tests {
		if got := LossRate(tt.sent, tt.received); !almostEqual(got, tt.want) {
			t.Errorf("LossRate(%d, %d) = %v, want %v", tt.sent, tt.received, got, tt.want)
		}
	}
}

func TestGrowthPerMinute(t *testing.T) {
	if got := GrowthPerMinute(100, 130, 30*time.Second); !almostEqual(got, 60) {
		t.Errorf("growth = %v, want 60", got)
	}
	if got := GrowthPerMinute(100, 130, 0); got != 0 {
		t.Errorf("growth with zero elapsed = %v, want 0", got)
	}
}

func TestMillis(t *testing.T) {
	if got := Millis(1500 * time.Microsecond); !almostEqual(got, 1.5) {
		t.Errorf("Millis = %v, want 1.5", got)
	}
}
