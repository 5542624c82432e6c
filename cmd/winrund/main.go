package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/winrun/winrun/internal/config"
	"github.com/winrun/winrun/internal/control"
	"github.com/winrun/winrun/internal/ipc"
	"github.com/winrun/winrun/internal/iso"
	"github.com/winrun/winrun/internal/protocol"
	"github.com/winrun/winrun/internal/provision"
	"github.com/winrun/winrun/internal/ratelimit"
	"github.com/winrun/winrun/internal/router"
	"github.com/winrun/winrun/internal/shmem"
	"github.com/winrun/winrun/internal/vm"
)

var version = "0.3.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "start":
		serve()
	case "version":
		fmt.Printf("winrund v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// daemonDelegate fans control-channel callbacks out to the router, the
// provisioning event source, and the heartbeat tracker.
type daemonDelegate struct {
	control.NopDelegate
	router  *router.Router
	events  *provision.ChannelEventSource
	backend *ipc.ControlBackend
	logger  *slog.Logger
}

func (d *daemonDelegate) DidConnect(caps *protocol.CapabilityFlags) {
	d.logger.Info("guest agent connected",
		"agentVersion", caps.AgentVersion,
		"protocolVersion", protocol.FormatVersion(caps.ProtocolVersion),
		"capabilities", fmt.Sprintf("0x%02x", caps.Capabilities),
	)
}

func (d *daemonDelegate) DidDisconnect(err error) {
	d.logger.Warn("guest agent disconnected", "error", err)
}

func (d *daemonDelegate) DidReceiveFrameReady(n *protocol.FrameReady) {
	d.router.DidReceiveFrameReady(n)
}

func (d *daemonDelegate) DidReceiveBufferAllocation(desc *protocol.WindowBufferAllocated) {
	d.router.DidReceiveBufferAllocation(desc)
}

func (d *daemonDelegate) DidReceiveMessage(msg protocol.Message, t protocol.MessageType) {
	if _, ok := msg.(*protocol.Heartbeat); ok {
		d.backend.NoteHeartbeat()
		return
	}
	d.events.HandleMessage(msg, t)
}

func serve() {
	cfgPath := "winrund.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	logger, startupCloser := setupLogger("info", "json", "stdout")
	if startupCloser != nil {
		defer startupCloser.Close()
	}
	logger.Info("winrund starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if startupCloser != nil {
		_ = startupCloser.Close()
		startupCloser = nil
	}
	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}

	// Shared frame region, owned by the router.
	region, err := shmem.NewFileRegion(cfg.SharedMemory.RegionPath, cfg.SharedMemory.RegionSize)
	if err != nil {
		logger.Error("failed to create shared frame region", "error", err)
		os.Exit(1)
	}
	defer region.Close()

	frameRouter := router.New(logger)
	frameRouter.SetSharedMemoryRegion(region.Bytes())

	// Control channel to the guest agent.
	dialer, err := control.DialEndpoint(cfg.Transport.Endpoint)
	if err != nil {
		logger.Error("invalid transport endpoint", "endpoint", cfg.Transport.Endpoint, "error", err)
		os.Exit(1)
	}

	events := provision.NewChannelEventSource(logger)
	delegate := &daemonDelegate{router: frameRouter, events: events, logger: logger}

	channel := control.NewChannel(dialer, delegate, logger,
		control.WithRequestTimeout(cfg.Transport.RequestTimeout.Duration()),
		control.WithCapabilities(protocol.CapWindowTracking|protocol.CapClipboardSync|
			protocol.CapDragDrop|protocol.CapIconExtraction|protocol.CapShortcutDetection|
			protocol.CapHighDpiSupport),
	)

	// Provisioning pipeline.
	attacher := &iso.ExecAttacher{
		AttachCommand: []string{"hdiutil", "attach", "-readonly", "-nobrowse"},
		DetachCommand: []string{"hdiutil", "detach"},
	}
	validator := iso.NewValidator(attacher, logger)
	disks := provision.NewDiskManager(logger)

	// The hypervisor façade is an external collaborator; until its
	// binding attaches, lifecycle operations fail typed.
	facade := vm.UnavailableFacade{}

	backend := ipc.NewControlBackend(channel, nil, facade,
		cfg.Provisioning.DataDir, cfg.Provisioning.DiskSizeGB,
		cfg.Provisioning.GuestTimeout.Duration())
	delegate.backend = backend

	coordinator := provision.NewCoordinator(validator, disks, facade, backend, logger,
		provision.WithGuestEventSource(events))
	backend.SetCoordinator(coordinator)

	// Privileged IPC surface.
	metrics := ipc.NewMetrics(frameRouter.Metrics, nil)
	server := ipc.NewServer(ipcOptions(cfg), backend, ipc.UnixPeerInspector{}, metrics, logger)
	if err := server.Start(); err != nil {
		logger.Error("failed to start IPC server", "error", err)
		os.Exit(1)
	}

	// Guest transport comes and goes with the VM; connect best-effort
	// once now. A failed attempt or a later disconnect is only logged;
	// the control channel is not redialed.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := channel.Connect(ctx); err != nil {
			logger.Warn("guest control channel not yet available", "error", err)
		}
	}()

	logger.Info("winrund ready", "socket", cfg.IPC.SocketPath, "endpoint", cfg.Transport.Endpoint)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR1)
	go func() {
		for range dump {
			logger.Info("metrics dump requested")
			fmt.Fprintln(os.Stderr, metrics.Prometheus())
		}
	}()

	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error("IPC shutdown error", "error", err)
	}
	channel.Disconnect()
	frameRouter.UnregisterAllStreams()

	logger.Info("winrund stopped")
}

// ipcOptions maps daemon config onto IPC server options.
func ipcOptions(cfg *config.Config) ipc.Options {
	rl := ratelimit.Config{
		MaxRequestsPerWindow: cfg.IPC.RateLimit.MaxRequestsPerWindow,
		Window:               cfg.IPC.RateLimit.Window.Duration(),
		BurstAllowance:       cfg.IPC.RateLimit.BurstAllowance,
		Cooldown:             cfg.IPC.RateLimit.Cooldown.Duration(),
	}

	var auth ipc.AuthConfig
	if cfg.IPC.AuthPreset == config.PresetDevelopment {
		auth = ipc.DevelopmentAuth(cfg.IPC.AllowedGroupName)
	} else {
		auth = ipc.ProductionAuth(cfg.IPC.AllowedGroupName, nil, []string{"app.winrun."})
	}

	return ipc.Options{
		SocketPath:     cfg.IPC.SocketPath,
		Auth:           auth,
		RateLimit:      rl,
		PruneInterval:  cfg.IPC.PruneInterval.Duration(),
		StaleClientAge: cfg.IPC.StaleClientAge.Duration(),
	}
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func printUsage() {
	fmt.Println(`winrund - WinRun privileged VM and streaming daemon

Usage:
  winrund <command> [options]

Commands:
  serve [config]   Start the daemon (default config: winrund.yaml)
  start [config]   Alias for serve
  version          Show version
  help             Show this help

Signals:
  SIGUSR1          Dump metrics to stderr
  SIGINT/SIGTERM   Graceful shutdown`)
}
