package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/wsbench/internal/config"
	"github.com/cortexuvula/wsbench/internal/conn"
	"github.com/cortexuvula/wsbench/internal/echoserver"
	"github.com/cortexuvula/wsbench/internal/health"
	"github.com/cortexuvula/wsbench/internal/logging"
	"github.com/cortexuvula/wsbench/internal/logring"
	"github.com/cortexuvula/wsbench/internal/metrics"
	"github.com/cortexuvula/wsbench/internal/pool"
	"github.com/cortexuvula/wsbench/internal/ramp"
	"github.com/cortexuvula/wsbench/internal/server"
	"github.com/cortexuvula/wsbench/internal/setup"
	"github.com/cortexuvula/wsbench/internal/sink"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// runFlags override config values for a single run.
type runFlags struct {
	url      string
	library  string
	pattern  string
	embedded bool
	verbose  bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsbench",
		Short: "Progressive load-ramp benchmark for WebSocket servers",
	}

	var configPath string
	var flags runFlags

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Ramp clients against the target until it degrades",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(configPath, flags)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	runCmd.Flags().StringVar(&flags.url, "url", "", "Target WebSocket URL")
	runCmd.Flags().StringVar(&flags.library, "library", "", "Server label used in output file names")
	runCmd.Flags().StringVar(&flags.pattern, "pattern", "", "Workload pattern: ping or broadcast")
	runCmd.Flags().BoolVar(&flags.embedded, "embedded", false, "Benchmark the built-in reference server")
	runCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	var serveAddr, serveLibrary string
	var serveVerbose bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference echo/broadcast server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveAddr, serveLibrary, serveVerbose)
		},
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "Listen address")
	serveCmd.Flags().StringVar(&serveLibrary, "library", "coder", "WebSocket library: coder or gorilla")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Enable debug logging")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Target:    %s (%s via %s)\n", cfg.Target.URL, cfg.Target.Library, cfg.Target.Transport)
			fmt.Printf("  Pattern:   %s\n", cfg.Workload.Pattern)
			fmt.Printf("  Ramp:      %d + %d per phase, max %d clients, max %s\n",
				cfg.Ramp.BaselineClients, cfg.Ramp.IncrementSize, cfg.Ramp.MaxClients, cfg.Ramp.MaxDuration)
			fmt.Printf("  Window:    %s after %s stabilization\n", cfg.Ramp.MeasurementWindow, cfg.Ramp.StabilizationTime)
			fmt.Printf("  Output:    %s\n", cfg.Output.Directory)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	var initOpts setup.WizardOptions
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starting config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, initOpts)
		},
	}
	initCmd.Flags().StringVar(&initOpts.ConfigPath, "config-path", "", "Config file to write (default: ./wsbench.yaml)")
	initCmd.Flags().BoolVarP(&initOpts.Interactive, "interactive", "i", false, "Prompt for the main settings")
	initCmd.Flags().BoolVar(&initOpts.Force, "force", false, "Overwrite an existing file")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running benchmark (exit 0 while running, 1 once finished)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = os.Getenv("WSBENCH_MONITORING_AUTH_TOKEN")
			}
			return checkStatus(url, token)
		},
	}
	statusCmd.Flags().String("url", "http://127.0.0.1:9090/status", "Status endpoint URL")
	statusCmd.Flags().String("token", "", "Bearer token for the status listener")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wsbench %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate a systemd unit for the reference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(runCmd, serveCmd, validateCmd, initCmd, statusCmd, versionCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBench(configPath string, flags runFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := applyRunFlags(cfg, flags); err != nil {
		return err
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	var recent *logring.Buffer
	if cfg.Monitoring.ListenAddress != "" && cfg.Monitoring.LogsEndpoint != "" {
		recent = logring.New(cfg.Monitoring.LogBufferSize)
		slog.SetDefault(slog.New(logring.NewCapture(slog.Default().Handler(), recent, slog.LevelInfo)))
	}

	runID := uuid.NewString()
	log := logging.ForRun(runID, cfg.Target.Library)
	log.Info("starting wsbench", "version", Version, "target", cfg.Target.URL, "transport", cfg.Target.Transport)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	lifecycle, err := server.New(cfg)
	if err != nil {
		return err
	}
	dialer, err := conn.NewDialer(cfg.Target.Transport, cfg.Target.MaxMessageSize)
	if err != nil {
		return err
	}
	clients := pool.New(pool.Options{
		URL:    cfg.Target.URL,
		Dialer: dialer,
		Conn: conn.Options{
			ConnectTimeout: cfg.Target.ConnectTimeout,
			WriteTimeout:   cfg.Target.WriteTimeout,
		},
		Concurrency: cfg.Target.ConnectConcurrency,
		Rate:        cfg.Target.ConnectRate,
	})

	var out sink.Sink = sink.Nop{}
	if cfg.Output.CSVEnabled {
		csvSink, err := sink.NewCSV(cfg.Output.Directory, cfg.Target.Library, runID)
		if err != nil {
			return err
		}
		out = csvSink
		log.Info("writing measurements", "directory", csvSink.Dir())
	}
	defer out.Close()

	ctrl := ramp.New(cfg, ramp.Deps{
		RunID:    runID,
		Pool:     clients,
		Workload: ramp.NewWorkloadFactory(cfg.Workload),
		Server:   lifecycle,
		Sink:     out,
		Metrics:  m,
		OnStatus: notifyStatus,
	})

	var statusServer *http.Server
	if cfg.Monitoring.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Monitoring.StatusEndpoint, health.NewStatusHandler(ctrl, Version, true))
		if cfg.Monitoring.MetricsEnabled {
			mux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		}
		if recent != nil {
			mux.Handle(cfg.Monitoring.LogsEndpoint, recent)
		}
		statusServer = &http.Server{
			Addr:              cfg.Monitoring.ListenAddress,
			Handler:           health.RequireToken(cfg.Monitoring.AuthToken, mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("status endpoint listening", "address", cfg.Monitoring.ListenAddress)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server error", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon.SdNotify(false, daemon.SdNotifyReady)
	rep, runErr := ctrl.Run(ctx)
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		statusServer.Shutdown(shutdownCtx)
		cancel()
	}

	fmt.Println(renderSummary(rep))
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

func applyRunFlags(cfg *config.Config, f runFlags) error {
	if f.url != "" {
		cfg.Target.URL = f.url
	}
	if f.library != "" {
		cfg.Target.Library = f.library
	}
	if f.pattern != "" {
		cfg.Workload.Pattern = f.pattern
	}
	if f.embedded {
		cfg.Server.Embedded = true
		cfg.Server.Command = nil
	}
	if f.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// notifyStatus mirrors run progress into the systemd status line. It is a
// no-op outside systemd.
func notifyStatus(s health.Snapshot) {
	line := fmt.Sprintf("STATUS=%s phase %d, %d/%d clients", s.State, s.Phase, s.ActiveClients, s.TargetClients)
	if s.LastVerdict != "" {
		line += ", last " + s.LastVerdict
	}
	daemon.SdNotify(false, line)
}

func runServe(addr, library string, verbose bool) error {
	level := "info"
	if verbose {
		level = "debug"
	}
	logging.Setup(config.LoggingConfig{Level: level, Format: "text"})

	srv, err := echoserver.New(echoserver.Options{Library: library})
	if err != nil {
		return err
	}
	bound, err := srv.Start(addr)
	if err != nil {
		return err
	}
	slog.Info("reference server ready", "url", "ws://"+bound, "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.LogThroughput(ctx, 10*time.Second)
	daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	slog.Info("received shutdown signal, closing connections", "active", srv.ConnectionCount())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	slog.Info("shutdown complete", "total_connections", srv.TotalConnections(), "total_messages", srv.TotalMessages())
	return nil
}

func checkStatus(url, token string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
	default:
		fmt.Fprintf(os.Stderr, "Status check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	var st health.Response
	if err := jsoniter.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %s, phase %d, %d/%d clients, last healthy %d, elapsed %s\n",
		st.RunID, st.State, st.Phase, st.ActiveClients, st.TargetClients, st.LastHealthy, st.Elapsed)
	if st.LastVerdict != "" {
		fmt.Printf("  last verdict: %s %s\n", st.LastVerdict, st.LastReason)
	}
	if st.Terminal {
		os.Exit(1)
	}
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=wsbench reference WebSocket server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
ExecStart=/usr/local/bin/wsbench serve --addr 0.0.0.0:8080
Restart=on-failure
RestartSec=5s

NoNewPrivileges=true
PrivateTmp=true
LimitNOFILE=1048576

StandardOutput=journal
StandardError=journal
SyslogIdentifier=wsbench

[Install]
WantedBy=multi-user.target
`)
}
