package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/dsmd/internal/diffcodec"
	"github.com/marmos91/dsmd/internal/hostfake"
	"github.com/marmos91/dsmd/internal/logger"
	"github.com/marmos91/dsmd/internal/telemetry"
	"github.com/marmos91/dsmd/internal/transport"
	"github.com/marmos91/dsmd/pkg/config"
	"github.com/marmos91/dsmd/pkg/dsm"
	"github.com/spf13/cobra"

	"github.com/marmos91/dsmd/internal/cli/health"
	"github.com/marmos91/dsmd/pkg/metrics"
	// Import the prometheus recorder so its init() registers against
	// pkg/metrics's facade.
	_ "github.com/marmos91/dsmd/pkg/metrics/prometheus"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a dsmd node",
	Long: `Start a dsmd node with the specified configuration.

By default, the node runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process
supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/dsmd/config.yaml.

Examples:
  # Start in background (default)
  dsmd start

  # Start in foreground
  dsmd start --foreground

  # Start with custom config file
  dsmd start --config /etc/dsmd/config.yaml

  # Start with environment variable overrides
  DSMD_LOGGING_LEVEL=DEBUG dsmd start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dsmd/dsmd.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/dsmd/dsmd.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dsmd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "dsmd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	fmt.Println("dsmd - distributed shared memory coherence engine")
	logger.Info("log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("profiling disabled")
	}

	var recorder dsm.Recorder
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		recorder = metrics.NewDSMRecorder()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics collection disabled")
	}

	mem, pt, err := buildDemoHypervisor(cfg.Demo)
	if err != nil {
		return fmt.Errorf("failed to build demo hypervisor: %w", err)
	}
	diffStore := diffcodec.New()

	hyp := dsm.Hypervisor{
		Memory:     mem,
		PageTable:  pt,
		GuestMem:   mem,
		Diff:       diffStore,
		Scheduling: &hostfake.Scheduling{},
	}

	self := dsm.NodeID(cfg.Node.Self)
	table := dsm.NewTable()
	node := dsm.NewNode(self, table, hyp, nil, recorder)
	node.TwinStore = diffStore
	node.SetJitter(cfg.Jitter)
	if telemetry.IsEnabled() {
		node.SetTracer(telemetryTracer{self: self})
	}

	dialer := make(transport.StaticDialer, len(cfg.Node.Peers))
	for _, peer := range cfg.Node.Peers {
		dialer[dsm.NodeID(peer.ID)] = peer.Address
	}

	handler := func(req dsm.OutgoingRequest) (*dsm.IncomingResponse, error) {
		slot, ok := mem.LookupMemslot(req.Key.GFN, req.Key.IsSMM)
		if !ok {
			return nil, fmt.Errorf("dsmd: no memslot installed for gfn %d (smm=%v)", req.Key.GFN, req.Key.IsSMM)
		}
		return node.HandleRequest(slot, req)
	}

	transportCfg := transport.Config{
		BindAddress:     cfg.Transport.BindAddress,
		Port:            cfg.Transport.Port,
		DialTimeout:     cfg.Transport.DialTimeout,
		RequestTimeout:  cfg.Transport.RequestTimeout,
		ShutdownTimeout: cfg.Transport.ShutdownTimeout,
	}
	tp := transport.New(transportCfg, self, dialer, handler, recorder)
	node.Transport = tp

	startedAt := time.Now()

	httpSrv := newStatusServer(cfg, table, startedAt)

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- tp.Serve(ctx)
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("status server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("node is running", "self", self, "bind", cfg.Transport.BindAddress, "port", cfg.Transport.Port)
	logger.Info("press ctrl+c to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serveDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("transport error", "error", err)
		}
	}

	cancel()
	node.Stop()
	tp.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown error", "error", err)
	}

	if err := <-serveDone; err != nil {
		logger.Error("transport shutdown error", "error", err)
	}

	logger.Info("node stopped")
	return nil
}

// telemetryTracer adapts internal/telemetry's span helpers to dsm.Tracer.
type telemetryTracer struct {
	self dsm.NodeID
}

func (t telemetryTracer) StartFault(gfn dsm.GFN, isSMM, write bool) func(error) {
	ctx, span := telemetry.StartFaultSpan(int32(t.self), uint64(gfn), isSMM, write)
	return func(err error) {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}
}

func (t telemetryTracer) StartTransaction(reqType dsm.ReqKind, gfn dsm.GFN, isSMM bool) func(error) {
	ctx, span := telemetry.StartTransactionSpan(int32(t.self), reqType.String(), uint64(gfn), isSMM)
	return func(err error) {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}
}

// buildDemoHypervisor constructs the in-memory hostfake memory manager and
// page table from the configured demo slots. dsmd has no real hypervisor
// integration (out of scope, per pkg/dsm.MemoryManager's doc comment); the
// fake stands in so the node has guest pages to fault on.
func buildDemoHypervisor(cfg config.DemoConfig) (*hostfake.Memory, *hostfake.PageTable, error) {
	mem := hostfake.New()
	for _, slot := range cfg.Slots {
		mem.RegisterSlot(hostfake.Slot{
			Base:  dsm.GFN(slot.Base),
			Pages: slot.Pages,
			SMM:   slot.SMM,
		})
	}
	return mem, hostfake.NewPageTable(), nil
}

// newStatusServer builds the HTTP server exposing /health, /dsm/pages, and,
// if enabled, /metrics. /dsm/pages is what "dsmd pages" polls to render the
// local page table (gfn, state, version, probable owner, copyset) for
// operator debugging.
func newStatusServer(cfg *config.Config, table *dsm.Table, startedAt time.Time) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := health.Response{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		resp.Data.Service = "dsmd"
		resp.Data.StartedAt = startedAt.UTC().Format(time.RFC3339)
		resp.Data.Uptime = time.Since(startedAt).String()
		resp.Data.UptimeSec = int64(time.Since(startedAt).Seconds())

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/dsm/pages", func(w http.ResponseWriter, r *http.Request) {
		snapshot := table.Snapshot()
		rows := make([]PageStatus, len(snapshot))
		for i, p := range snapshot {
			rows[i] = pageStatusFromSnapshot(p)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	})

	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
}

// startDaemon starts the node as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("dsmd is already running (PID %d)", pid)
					}
				}
			}
		}
		_ = os.Remove(pidPath)
	}

	logPath := logFile
	if logPath == "" {
		logPath = GetDefaultLogFile()
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	cmd := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	_ = logFileHandle.Close()

	fmt.Printf("dsmd started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'dsmd status' to check node status")

	return nil
}
