// Package health evaluates measurement windows against thresholds and
// serves the live run status.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Snapshot is the live view of a run.
type Snapshot struct {
	RunID             string        `json:"run_id"`
	Library           string        `json:"library"`
	State             string        `json:"state"`
	Phase             int           `json:"phase"`
	TargetClients     int           `json:"target_clients"`
	ActiveClients     int           `json:"active_clients"`
	ConsecutiveYellow int           `json:"consecutive_yellow"`
	LastVerdict       string        `json:"last_verdict,omitempty"`
	LastReason        string        `json:"last_reason,omitempty"`
	LastHealthy       int           `json:"last_healthy_clients"`
	Elapsed           time.Duration `json:"-"`
	Terminal          bool          `json:"terminal"`
}

// StatusSource supplies snapshots; the ramp controller implements it.
type StatusSource interface {
	Status() Snapshot
}

// Response is the JSON body of the status endpoint.
type Response struct {
	Snapshot
	Uptime    string   `json:"uptime"`
	Elapsed   string   `json:"elapsed"`
	Version   string   `json:"version"`
	Timestamp string   `json:"timestamp"`
	Details   *Details `json:"details,omitempty"`
}

// Details contains process information about the harness itself.
type Details struct {
	Goroutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memory_mb"`
}

// StatusHandler serves the status endpoint.
type StatusHandler struct {
	startTime time.Time
	source    StatusSource
	version   string
	detailed  bool
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(src StatusSource, version string, detailed bool) *StatusHandler {
	return &StatusHandler{
		startTime: time.Now(),
		source:    src,
		version:   version,
		detailed:  detailed,
	}
}

// ServeHTTP reports 200 while the run is live and 503 once it is terminal,
// so process supervisors can watch a single URL.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Status()

	resp := Response{
		Snapshot:  snap,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Elapsed:   snap.Elapsed.Round(time.Second).String(),
		Version:   h.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Details = &Details{
			Goroutines: runtime.NumGoroutine(),
			MemoryMB:   float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	httpCode := http.StatusOK
	if snap.Terminal {
		httpCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
