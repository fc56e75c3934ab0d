// Package report holds the value objects produced by a ramp run: one
// WindowResult per measurement window, its Verdict, and the final Report.
package report

import (
	"time"

	"github.com/cortexuvula/wsbench/internal/stats"
)

// Status is the health classification of one measurement window.
type Status int

const (
	Green Status = iota
	Yellow
	Red
)

func (s Status) String() string {
	switch s {
	case Green:
		return "GREEN"
	case Yellow:
		return "YELLOW"
	default:
		return "RED"
	}
}

// MarshalText renders the status by name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Category tags why a run stopped.
type Category string

const (
	CategoryNone                   Category = ""
	CategoryConnectionFailure      Category = "connection_failure"
	CategoryMessageLoss            Category = "message_loss"
	CategoryLatencyP95             Category = "latency_threshold_p95"
	CategoryLatencyP99             Category = "latency_threshold_p99"
	CategoryCPU                    Category = "cpu_threshold"
	CategoryMemoryGrowth           Category = "memory_growth"
	CategoryConsecutiveDegradation Category = "consecutive_degradation"
	CategoryServerCrashed          Category = "server_crashed"

	CategoryMaxClients  Category = "max_clients_reached"
	CategoryMaxDuration Category = "max_duration_reached"
	CategoryInterrupted Category = "interrupted"
)

// IsSafetyStop reports whether the category means the harness stopped
// testing rather than the server failing.
func (c Category) IsSafetyStop() bool {
	switch c {
	case CategoryMaxClients, CategoryMaxDuration, CategoryInterrupted:
		return true
	}
	return false
}

// Verdict is the evaluated health of one window.
type Verdict struct {
	Status   Status   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Category Category `json:"category,omitempty"`
}

// ResourceSample is one poll of the server under test. CPUPercent is nil
// when the collaborator cannot measure CPU.
type ResourceSample struct {
	At         time.Time `json:"at"`
	CPUPercent *float64  `json:"cpu_percent,omitempty"`
	MemoryMB   float64   `json:"memory_mb"`
}

// ThroughputSample is the frame rate the clients pushed at the server over
// one interval of a window.
type ThroughputSample struct {
	At                time.Time `json:"timestamp"`
	MessagesPerSecond int       `json:"messages_per_second"`
	ActiveConnections int       `json:"active_connections"`
}

// RTTSample is one matched ping/pong pair.
type RTTSample struct {
	ClientID int       `json:"client_id"`
	RTT      float64   `json:"rtt_ms"`
	At       time.Time `json:"timestamp"`
}

// BroadcastSample is one broadcast observed by one receiver.
type BroadcastSample struct {
	ClientID    int       `json:"client_id"`
	BroadcastID int64     `json:"broadcast_id"`
	Latency     float64   `json:"latency_ms"`
	At          time.Time `json:"timestamp"`
}

// ClientReliability is the per-connection send/receive tally of a window.
type ClientReliability struct {
	ClientID int     `json:"client_id"`
	Sent     int64   `json:"messages_sent"`
	Received int64   `json:"messages_received"`
	Lost     int64   `json:"messages_lost"`
	LossRate float64 `json:"loss_rate_percent"`
}

// ConnectionTime is the measured handshake duration of one client.
type ConnectionTime struct {
	ClientID int     `json:"client_id"`
	Millis   float64 `json:"connection_time_ms"`
}

// DisconnectRecord is one unexpected connection loss.
type DisconnectRecord struct {
	At         time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	Unexpected bool      `json:"was_unexpected"`
}

// ClientStability is the disconnect history of one client.
type ClientStability struct {
	ClientID    int `json:"client_id"`
	Disconnects int `json:"disconnect_count"`
}

// EventKind names a connection lifecycle event.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventConnectFailed EventKind = "connect_failed"
	EventDisconnected  EventKind = "disconnected"
	EventClosed        EventKind = "closed"
)

// ConnectionEvent is one pool lifecycle event handed to the sink.
type ConnectionEvent struct {
	ClientID int       `json:"client_id"`
	Kind     EventKind `json:"kind"`
	At       time.Time `json:"timestamp"`
	Millis   float64   `json:"connection_time_ms,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// WindowResult is everything measured in one window. It is built once and
// never modified afterwards.
type WindowResult struct {
	Phase          int           `json:"phase"`
	Baseline       bool          `json:"baseline"`
	Pattern        string        `json:"pattern"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	TargetClients  int           `json:"target_clients"`
	ActiveClients  int           `json:"active_clients"`
	ConnectedAtEnd int           `json:"connected_at_end"`

	ConnectionSuccessRate float64          `json:"connection_success_rate"`
	ConnectionTimes       []ConnectionTime `json:"-"`
	ConnectionTime        stats.Summary    `json:"connection_time"`

	Latency     stats.Summary         `json:"latency"`
	RTTs        []RTTSample           `json:"-"`
	Broadcasts  []BroadcastSample     `json:"-"`
	PerReceiver map[int]stats.Summary `json:"-"`

	MessagesSent     int64               `json:"messages_sent"`
	MessagesReceived int64               `json:"messages_received"`
	MessagesLost     int64               `json:"messages_lost"`
	LossRate         float64             `json:"loss_rate"`
	PerClient        []ClientReliability `json:"-"`
	Stability        []ClientStability   `json:"-"`
	Disconnects      int                 `json:"disconnects"`

	Resources        []ResourceSample `json:"-"`
	CPUPercent       *float64         `json:"cpu_percent,omitempty"`
	MemoryMB         float64          `json:"memory_mb"`
	MemoryGrowthRate float64          `json:"memory_growth_mb_per_min"`
	Throughput       float64          `json:"throughput_msg_per_sec"`

	// Raw frame counts from the connections, including frames the drivers
	// ignore, so they can exceed MessagesSent/MessagesReceived.
	FramesSent        int64              `json:"frames_sent"`
	FramesReceived    int64              `json:"frames_received"`
	ThroughputSamples []ThroughputSample `json:"-"`
}

// PhaseResult pairs a window with its verdict.
type PhaseResult struct {
	Window  *WindowResult `json:"window"`
	Verdict Verdict       `json:"verdict"`
}

// Outcome is how the run terminated.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Report is the structured summary every run ends with.
type Report struct {
	RunID               string        `json:"run_id"`
	Library             string        `json:"library"`
	Pattern             string        `json:"pattern"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
	Outcome             Outcome       `json:"outcome"`
	Category            Category      `json:"category,omitempty"`
	Reason              string        `json:"reason,omitempty"`
	TotalPhases         int           `json:"total_phases"`
	MaxClientsAttempted int           `json:"max_clients_attempted"`
	LastHealthyClients  int           `json:"last_healthy_clients"`
	Phases              []PhaseResult `json:"phases"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
