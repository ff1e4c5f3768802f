// Package main implements the entry point for the RuleK streaming gateway.
// The gateway manages WebSocket client connections for the RuleK horror game
// backend: heartbeat supervision, offline message queueing with reconnect
// replay, and paced narrative streaming, with optional NATS game-event fanout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cssius111/RuleK-sub001/config"
	"github.com/cssius111/RuleK-sub001/gateway"
	"github.com/cssius111/RuleK-sub001/health"
	"github.com/cssius111/RuleK-sub001/metric"
	"github.com/cssius111/RuleK-sub001/natsclient"
	"github.com/cssius111/RuleK-sub001/pkg/retry"
	"github.com/cssius111/RuleK-sub001/stream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rulek-stream"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	// Metrics registry backs both the Prometheus endpoint and the
	// per-component instrument registration.
	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	// Connect to NATS unless fanout is disabled
	natsClient, err := setupNATS(ctx, cfg, cliCfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() {
			if cerr := natsClient.Close(ctx); cerr != nil {
				slog.Warn("NATS close failed", "error", cerr)
			}
		}()
	}

	// Core streaming service: registry, sequencing, queues, heartbeats
	streamService := stream.NewService(stream.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Stream.HeartbeatTimeout,
		MaxQueueSize:      cfg.Stream.MaxQueueSize,
		ReconnectWindow:   cfg.Stream.ReconnectWindow,
		ChunkDelay:        cfg.Stream.ChunkDelay,
		Logger:            logger,
		MetricsRegistry:   metricsRegistry,
	})

	// WebSocket ingress
	gw, err := setupGateway(cfg, logger, streamService, natsClient)
	if err != nil {
		return err
	}

	// Metrics + health endpoint
	metricsServer := startMetricsServer(cfg, metricsRegistry, monitor)

	// Periodic health snapshots for /health aggregation
	healthCtx, healthCancel := context.WithCancel(ctx)
	defer healthCancel()
	go pollHealth(healthCtx, monitor, streamService, gw, natsClient)

	// Run application with signal handling
	return runWithSignalHandling(ctx, cliCfg.ShutdownTimeout, gw, streamService, metricsServer)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting RuleK streaming gateway",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupNATS creates and connects the NATS client. Returns nil when fanout
// is disabled or no URLs are configured.
func setupNATS(
	ctx context.Context,
	cfg *config.Config,
	cliCfg *CLIConfig,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	if cliCfg.NoNATS || len(cfg.NATS.URLs) == 0 {
		slog.Info("NATS fanout disabled")
		return nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(&natsLogger{logger: logger.With("component", "natsclient")}),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(metricsRegistry.CoreMetrics()),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	// The broker may come up after us, so the initial connect retries with
	// backoff before giving up.
	slog.Info("Connecting to NATS", "url", cfg.NATS.URLs[0])
	err = retry.Do(ctx, retry.Quick(), func() error {
		if err := natsClient.Connect(ctx); err != nil {
			return err
		}

		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return natsClient.WaitForConnection(connCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return natsClient, nil
}

// natsLogger adapts slog to the natsclient Logger interface
type natsLogger struct {
	logger *slog.Logger
}

func (l *natsLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *natsLogger) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l *natsLogger) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

// setupGateway builds and validates the WebSocket server
func setupGateway(
	cfg *config.Config,
	logger *slog.Logger,
	streamService *stream.Service,
	natsClient *natsclient.Client,
) (*gateway.Server, error) {
	gwCfg := gateway.DefaultConfig()
	gwCfg.Host = cfg.Server.Host
	gwCfg.Port = cfg.Server.Port
	gwCfg.Path = cfg.Server.Path
	if cfg.Server.ReadBufferSize > 0 {
		gwCfg.ReadBufferSize = cfg.Server.ReadBufferSize
	}
	if cfg.Server.WriteBufferSize > 0 {
		gwCfg.WriteBufferSize = cfg.Server.WriteBufferSize
	}
	if cfg.Server.WriteTimeout > 0 {
		gwCfg.WriteTimeout = cfg.Server.WriteTimeout
	}
	gwCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	gwCfg.Stream = streamService
	gwCfg.NATSClient = natsClient
	gwCfg.Subjects = cfg.NATS.Subjects
	gwCfg.PublishSubject = cfg.NATS.PublishSubject
	gwCfg.Logger = logger

	gw, err := gateway.NewServer(gwCfg)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	if err := gw.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize gateway: %w", err)
	}
	return gw, nil
}

// startMetricsServer serves Prometheus metrics and the aggregated /health
// endpoint. Returns nil when metrics are disabled.
func startMetricsServer(
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
) *metric.Server {
	if !cfg.Metrics.Enabled {
		slog.Info("Metrics endpoint disabled")
		return nil
	}

	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
	metricsServer.SetHealthHandler(monitor.Handler(appName))

	go func() {
		slog.Info("Metrics server listening", "addr", metricsServer.Address(), "path", cfg.Metrics.Path)
		if err := metricsServer.Start(); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return metricsServer
}

// pollHealth periodically refreshes component statuses for the aggregated
// health endpoint.
func pollHealth(
	ctx context.Context,
	monitor *health.Monitor,
	streamService *stream.Service,
	gw *gateway.Server,
	natsClient *natsclient.Client,
) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	refresh := func() {
		monitor.Update("stream", streamService.Health())
		monitor.Update("gateway", gw.Health())
		if natsClient != nil {
			if natsClient.IsHealthy() {
				monitor.UpdateHealthy("nats", "connected")
			} else {
				monitor.UpdateUnhealthy("nats", natsClient.Status().String())
			}
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// runWithSignalHandling starts the gateway and handles shutdown signals
func runWithSignalHandling(
	ctx context.Context,
	shutdownTimeout time.Duration,
	gw *gateway.Server,
	streamService *stream.Service,
	metricsServer *metric.Server,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := gw.Start(signalCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	slog.Info("RuleK streaming gateway started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(shutdownTimeout, gw, streamService, metricsServer)
}

// shutdown stops the gateway first so no new connections land on a closing
// service, then the streaming core, then the metrics endpoint.
func shutdown(timeout time.Duration, gw *gateway.Server, streamService *stream.Service, metricsServer *metric.Server) error {
	if err := gw.Stop(timeout); err != nil {
		slog.Error("Gateway stop failed", "error", err)
		return fmt.Errorf("stop gateway: %w", err)
	}

	if err := streamService.Close(); err != nil {
		slog.Warn("Stream service close", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			slog.Warn("Metrics server stop", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}
