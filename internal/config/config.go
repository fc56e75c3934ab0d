package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a wsbench run.
type Config struct {
	Target     TargetConfig     `yaml:"target"`
	Server     ServerConfig     `yaml:"server"`
	Ramp       RampConfig       `yaml:"ramp"`
	Workload   WorkloadConfig   `yaml:"workload"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Output     OutputConfig     `yaml:"output"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// TargetConfig describes the WebSocket endpoint under test and how clients
// reach it.
type TargetConfig struct {
	URL                string        `yaml:"url"`
	Library            string        `yaml:"library"`   // label used in output file names
	Transport          string        `yaml:"transport"` // client library: coder or gorilla
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	MaxMessageSize     int64         `yaml:"max_message_size"`
	ConnectConcurrency int           `yaml:"connect_concurrency"`
	ConnectRate        int           `yaml:"connect_rate"` // connects per second, 0 = unpaced
}

// ServerConfig selects how the server under test is managed. A non-empty
// Command spawns it; otherwise it is assumed to be running already.
type ServerConfig struct {
	Command        []string      `yaml:"command"`
	Dir            string        `yaml:"dir"`
	Env            []string      `yaml:"env"`
	PID            int32         `yaml:"pid"`
	Embedded       bool          `yaml:"embedded"`
	EmbeddedLib    string        `yaml:"embedded_library"`
	Warmup         time.Duration `yaml:"warmup"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	RequireMetrics bool          `yaml:"require_metrics"`
}

// RampConfig controls the progressive load phases.
type RampConfig struct {
	BaselineClients        int           `yaml:"baseline_clients"`
	IncrementSize          int           `yaml:"increment_size"`
	StabilizationTime      time.Duration `yaml:"stabilization_time"`
	MeasurementWindow      time.Duration `yaml:"measurement_window"`
	MaxClients             int           `yaml:"max_clients"`
	MaxDuration            time.Duration `yaml:"max_duration"`
	ConsecutiveYellowLimit int           `yaml:"consecutive_yellow_limit"`
}

// WorkloadConfig selects the traffic pattern driven during each window.
type WorkloadConfig struct {
	Pattern              string        `yaml:"pattern"` // ping or broadcast
	RTTInterval          time.Duration `yaml:"rtt_interval"`
	BroadcastInterval    time.Duration `yaml:"broadcast_interval"`
	DrainGrace           time.Duration `yaml:"drain_grace"`
	ResourcePollInterval time.Duration `yaml:"resource_poll_interval"`
}

// ThresholdsConfig holds the RED (terminal) and YELLOW (degraded) limits.
type ThresholdsConfig struct {
	Red    RedThresholds    `yaml:"red"`
	Yellow YellowThresholds `yaml:"yellow"`
}

// RedThresholds end the run when crossed.
type RedThresholds struct {
	ConnectionSuccessRate float64       `yaml:"connection_success_rate"` // percent, minimum
	MessageLossRate       float64       `yaml:"message_loss_rate"`       // percent, maximum
	P95RTT                time.Duration `yaml:"p95_rtt"`
	P99RTT                time.Duration `yaml:"p99_rtt"`
	CPUPercent            float64       `yaml:"cpu_percent"`
	MemoryGrowthRate      float64       `yaml:"memory_growth_rate"` // MB per minute, absolute
}

// YellowThresholds mark a window as degraded.
type YellowThresholds struct {
	ConnectionSuccessRate float64       `yaml:"connection_success_rate"`
	MessageLossRate       float64       `yaml:"message_loss_rate"`
	P95RTT                time.Duration `yaml:"p95_rtt"`
	CPUPercent            float64       `yaml:"cpu_percent"`
}

// OutputConfig controls where measurement files are written.
type OutputConfig struct {
	Directory  string `yaml:"directory"`
	CSVEnabled bool   `yaml:"csv_enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MonitoringConfig contains the live status listener settings.
type MonitoringConfig struct {
	ListenAddress   string `yaml:"listen_address"`
	StatusEndpoint  string `yaml:"status_endpoint"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	LogsEndpoint    string `yaml:"logs_endpoint"`
	LogBufferSize   int    `yaml:"log_buffer_size"`
	AuthToken       string `yaml:"auth_token"` // bearer token, empty = open
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			URL:                "ws://127.0.0.1:8080",
			Library:            "unknown",
			Transport:          "coder",
			ConnectTimeout:     5 * time.Second,
			WriteTimeout:       5 * time.Second,
			MaxMessageSize:     65536,
			ConnectConcurrency: 256,
		},
		Server: ServerConfig{
			EmbeddedLib: "coder",
			Warmup:      2 * time.Second,
			StopTimeout: 5 * time.Second,
		},
		Ramp: RampConfig{
			BaselineClients:        50,
			IncrementSize:          100,
			StabilizationTime:      10 * time.Second,
			MeasurementWindow:      30 * time.Second,
			MaxClients:             5000,
			MaxDuration:            30 * time.Minute,
			ConsecutiveYellowLimit: 3,
		},
		Workload: WorkloadConfig{
			Pattern:              "ping",
			RTTInterval:          100 * time.Millisecond,
			BroadcastInterval:    1 * time.Second,
			DrainGrace:           500 * time.Millisecond,
			ResourcePollInterval: 1 * time.Second,
		},
		Thresholds: ThresholdsConfig{
			Red: RedThresholds{
				ConnectionSuccessRate: 95,
				MessageLossRate:       5,
				P95RTT:                500 * time.Millisecond,
				P99RTT:                1 * time.Second,
				CPUPercent:            90,
				MemoryGrowthRate:      50,
			},
			Yellow: YellowThresholds{
				ConnectionSuccessRate: 99,
				MessageLossRate:       1,
				P95RTT:                100 * time.Millisecond,
				CPUPercent:            70,
			},
		},
		Output: OutputConfig{
			Directory:  "data/raw",
			CSVEnabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			StatusEndpoint:  "/status",
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
			LogsEndpoint:    "/logs",
			LogBufferSize:   500,
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'wsbench init' to create one)", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Target
	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required")
	}
	if u, err := url.Parse(c.Target.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("target.url must use ws:// or wss:// scheme")
	}
	if c.Target.Library == "" {
		return fmt.Errorf("target.library is required")
	}
	if strings.ContainsAny(c.Target.Library, `/\ `) {
		return fmt.Errorf("target.library must not contain path separators or spaces")
	}
	switch c.Target.Transport {
	case "coder", "gorilla":
	default:
		return fmt.Errorf("target.transport must be one of: coder, gorilla")
	}
	if c.Target.ConnectTimeout <= 0 {
		return fmt.Errorf("target.connect_timeout must be positive")
	}
	if c.Target.WriteTimeout <= 0 {
		return fmt.Errorf("target.write_timeout must be positive")
	}
	if c.Target.MaxMessageSize <= 0 {
		return fmt.Errorf("target.max_message_size must be positive")
	}
	if c.Target.ConnectConcurrency <= 0 {
		return fmt.Errorf("target.connect_concurrency must be positive")
	}
	if c.Target.ConnectRate < 0 {
		return fmt.Errorf("target.connect_rate must not be negative")
	}

	// Server
	if c.Server.Embedded && len(c.Server.Command) > 0 {
		return fmt.Errorf("server.embedded and server.command are mutually exclusive")
	}
	if c.Server.Embedded {
		switch c.Server.EmbeddedLib {
		case "coder", "gorilla":
		default:
			return fmt.Errorf("server.embedded_library must be one of: coder, gorilla")
		}
	}
	if c.Server.Warmup < 0 {
		return fmt.Errorf("server.warmup must not be negative")
	}
	if c.Server.StopTimeout <= 0 {
		return fmt.Errorf("server.stop_timeout must be positive")
	}

	// Ramp
	if c.Ramp.BaselineClients <= 0 {
		return fmt.Errorf("ramp.baseline_clients must be positive")
	}
	if c.Ramp.IncrementSize <= 0 {
		return fmt.Errorf("ramp.increment_size must be positive")
	}
	if c.Ramp.MaxClients < c.Ramp.BaselineClients {
		return fmt.Errorf("ramp.max_clients must be at least ramp.baseline_clients")
	}
	if c.Ramp.StabilizationTime < 0 {
		return fmt.Errorf("ramp.stabilization_time must not be negative")
	}
	if c.Ramp.MeasurementWindow <= 0 {
		return fmt.Errorf("ramp.measurement_window must be positive")
	}
	if c.Ramp.MaxDuration <= 0 {
		return fmt.Errorf("ramp.max_duration must be positive")
	}
	if c.Ramp.ConsecutiveYellowLimit <= 0 {
		return fmt.Errorf("ramp.consecutive_yellow_limit must be positive")
	}

	// Workload
	switch c.Workload.Pattern {
	case "ping":
		if c.Workload.RTTInterval <= 0 {
			return fmt.Errorf("workload.rtt_interval must be positive")
		}
	case "broadcast":
		if c.Workload.BroadcastInterval <= 0 {
			return fmt.Errorf("workload.broadcast_interval must be positive")
		}
		if c.Ramp.BaselineClients < 2 {
			return fmt.Errorf("ramp.baseline_clients must be at least 2 for the broadcast pattern")
		}
	default:
		return fmt.Errorf("workload.pattern must be one of: ping, broadcast")
	}
	if c.Workload.DrainGrace < 0 {
		return fmt.Errorf("workload.drain_grace must not be negative")
	}
	if c.Workload.ResourcePollInterval <= 0 {
		return fmt.Errorf("workload.resource_poll_interval must be positive")
	}

	// Thresholds
	if err := validatePercent("thresholds.red.connection_success_rate", c.Thresholds.Red.ConnectionSuccessRate); err != nil {
		return err
	}
	if err := validatePercent("thresholds.red.message_loss_rate", c.Thresholds.Red.MessageLossRate); err != nil {
		return err
	}
	if err := validatePercent("thresholds.yellow.connection_success_rate", c.Thresholds.Yellow.ConnectionSuccessRate); err != nil {
		return err
	}
	if err := validatePercent("thresholds.yellow.message_loss_rate", c.Thresholds.Yellow.MessageLossRate); err != nil {
		return err
	}
	if c.Thresholds.Red.P95RTT <= 0 || c.Thresholds.Red.P99RTT <= 0 {
		return fmt.Errorf("thresholds.red.p95_rtt and thresholds.red.p99_rtt must be positive")
	}
	if c.Thresholds.Yellow.P95RTT <= 0 {
		return fmt.Errorf("thresholds.yellow.p95_rtt must be positive")
	}
	if c.Thresholds.Red.CPUPercent <= 0 || c.Thresholds.Yellow.CPUPercent <= 0 {
		return fmt.Errorf("thresholds cpu_percent values must be positive")
	}
	if c.Thresholds.Red.MemoryGrowthRate <= 0 {
		return fmt.Errorf("thresholds.red.memory_growth_rate must be positive")
	}

	// Output
	if c.Output.CSVEnabled && c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required when output.csv_enabled is true")
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Monitoring
	if c.Monitoring.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(c.Monitoring.ListenAddress); err != nil {
			return fmt.Errorf("monitoring.listen_address is invalid: %w", err)
		}
		if c.Monitoring.StatusEndpoint == "" {
			return fmt.Errorf("monitoring.status_endpoint is required when monitoring.listen_address is set")
		}
		if c.Monitoring.MetricsEnabled && c.Monitoring.MetricsEndpoint == c.Monitoring.StatusEndpoint {
			return fmt.Errorf("monitoring.metrics_endpoint and monitoring.status_endpoint must be different")
		}
		if c.Monitoring.LogsEndpoint != "" && c.Monitoring.LogBufferSize <= 0 {
			return fmt.Errorf("monitoring.log_buffer_size must be positive when monitoring.logs_endpoint is set")
		}
	}

	return nil
}

func validatePercent(name string, v float64) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s must be between 0 and 100", name)
	}
	return nil
}

// applyEnvOverrides applies WSBENCH_ prefixed environment variables.
// Convention: WSBENCH_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"WSBENCH_TARGET_URL":                func(v string) { cfg.Target.URL = v },
		"WSBENCH_TARGET_LIBRARY":            func(v string) { cfg.Target.Library = v },
		"WSBENCH_TARGET_TRANSPORT":          func(v string) { cfg.Target.Transport = v },
		"WSBENCH_TARGET_CONNECT_TIMEOUT":    func(v string) { cfg.Target.ConnectTimeout = parseDuration(v, cfg.Target.ConnectTimeout) },
		"WSBENCH_TARGET_CONNECT_RATE":       func(v string) { cfg.Target.ConnectRate = parseInt(v, cfg.Target.ConnectRate) },
		"WSBENCH_SERVER_PID":                func(v string) { cfg.Server.PID = int32(parseInt(v, int(cfg.Server.PID))) },
		"WSBENCH_SERVER_EMBEDDED":           func(v string) { cfg.Server.Embedded = parseBool(v, cfg.Server.Embedded) },
		"WSBENCH_SERVER_WARMUP":             func(v string) { cfg.Server.Warmup = parseDuration(v, cfg.Server.Warmup) },
		"WSBENCH_RAMP_BASELINE_CLIENTS":     func(v string) { cfg.Ramp.BaselineClients = parseInt(v, cfg.Ramp.BaselineClients) },
		"WSBENCH_RAMP_INCREMENT_SIZE":       func(v string) { cfg.Ramp.IncrementSize = parseInt(v, cfg.Ramp.IncrementSize) },
		"WSBENCH_RAMP_STABILIZATION_TIME":   func(v string) { cfg.Ramp.StabilizationTime = parseDuration(v, cfg.Ramp.StabilizationTime) },
		"WSBENCH_RAMP_MEASUREMENT_WINDOW":   func(v string) { cfg.Ramp.MeasurementWindow = parseDuration(v, cfg.Ramp.MeasurementWindow) },
		"WSBENCH_RAMP_MAX_CLIENTS":          func(v string) { cfg.Ramp.MaxClients = parseInt(v, cfg.Ramp.MaxClients) },
		"WSBENCH_RAMP_MAX_DURATION":         func(v string) { cfg.Ramp.MaxDuration = parseDuration(v, cfg.Ramp.MaxDuration) },
		"WSBENCH_WORKLOAD_PATTERN":          func(v string) { cfg.Workload.Pattern = v },
		"WSBENCH_WORKLOAD_RTT_INTERVAL":     func(v string) { cfg.Workload.RTTInterval = parseDuration(v, cfg.Workload.RTTInterval) },
		"WSBENCH_OUTPUT_DIRECTORY":          func(v string) { cfg.Output.Directory = v },
		"WSBENCH_LOGGING_LEVEL":             func(v string) { cfg.Logging.Level = v },
		"WSBENCH_LOGGING_FORMAT":            func(v string) { cfg.Logging.Format = v },
		"WSBENCH_LOGGING_FILE":              func(v string) { cfg.Logging.File = v },
		"WSBENCH_MONITORING_LISTEN_ADDRESS": func(v string) { cfg.Monitoring.ListenAddress = v },
		"WSBENCH_MONITORING_AUTH_TOKEN":     func(v string) { cfg.Monitoring.AuthToken = v },
		"WSBENCH_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
