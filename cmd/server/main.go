package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxmeet/voice-session-service/internal/auth"
	"github.com/voxmeet/voice-session-service/internal/broadcast"
	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/connection"
	"github.com/voxmeet/voice-session-service/internal/metrics"
	"github.com/voxmeet/voice-session-service/internal/persistence"
	"github.com/voxmeet/voice-session-service/internal/server"
	"github.com/voxmeet/voice-session-service/internal/session"
	"github.com/voxmeet/voice-session-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-session-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("bind_address", cfg.HTTP.Address),
		slog.Int("max_connections_per_user", cfg.Connection.MaxPerUser),
		slog.Int("max_connections_per_session", cfg.Connection.MaxPerSession),
		slog.Float64("latency_window", cfg.Audio.LatencyWindow),
		slog.Float64("flush_min", cfg.Transcription.FlushMin),
		slog.Float64("flush_max", cfg.Transcription.FlushMax),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize collaborators
	verifier := auth.FromConfig(cfg.Auth)
	store := persistence.NewMemoryStore()

	var transcriber transcription.Transcriber
	if cfg.Transcription.Endpoint != "" {
		client, err := transcription.NewClient(transcription.ClientConfig{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Timeout:       cfg.Transcription.GetTimeout(),
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			Metrics:       appMetrics,
		})
		if err != nil {
			logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer client.Close()
		transcriber = client
		logger.Info("Transcription client initialized",
			slog.String("endpoint", cfg.Transcription.Endpoint),
			slog.Int("max_concurrent", cfg.Transcription.MaxConcurrent),
		)
	} else {
		transcriber = transcription.Disabled{}
		logger.Warn("Transcription endpoint not configured, transcription disabled")
	}

	// Initialize connection registry
	registry := connection.NewRegistry(cfg.Connection, appMetrics, logger)
	logger.Info("Connection registry initialized",
		slog.Duration("heartbeat_timeout", cfg.Connection.GetHeartbeatTimeout()),
		slog.Duration("sweep_interval", cfg.Connection.GetSweepInterval()),
	)

	// Initialize session manager
	sessionMgr := session.NewManager(cfg.Audio, cfg.Transcription, cfg.Session, transcriber, store, appMetrics, logger)
	logger.Info("Session manager initialized",
		slog.Duration("max_duration", cfg.Session.GetMaxDuration()),
		slog.Duration("cleanup_interval", cfg.Session.GetCleanupInterval()),
	)

	// Initialize broadcast router and wire the event paths
	router := broadcast.NewRouter(registry, logger)
	sessionMgr.OnStateChange(func(sessionID string, from, to session.State, duration float64) {
		if to == session.StateCompleted {
			appMetrics.SessionsEnded.Inc()
			appMetrics.SessionDuration.Observe(duration)
		}
		router.StateChanged(sessionID, from, to, duration)
	})
	registry.OnDisconnect(func(conn *connection.Conn, sessionID string) {
		if sessionID == "" {
			return
		}
		if left, ok := sessionMgr.Leave(sessionID, conn.UserID); ok {
			router.ParticipantLeft(sessionID, left.UserID, conn.ID)
		}
	})

	// Initialize the WebSocket handler and HTTP server
	wsHandler := server.NewWSHandler(cfg, verifier, registry, sessionMgr, router, appMetrics, logger)
	httpServer := server.NewHTTPServer(cfg, logger, registry, sessionMgr, wsHandler, appMetrics)
	logger.Info("HTTP API server initialized",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	// Start background sweeps
	registry.Start()
	sessionMgr.Start()

	// Start HTTP server
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_endpoint", fmt.Sprintf("ws://%s:%d/ws", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// End live sessions (flushes transcription tails) and stop sweeps
	sessionMgr.Stop(shutdownCtx)
	registry.Stop()

	// Get final statistics
	regStats := registry.GetStats()
	mgrStats := sessionMgr.GetStats()
	logger.Info("Final server statistics",
		slog.Uint64("connections_registered", regStats.TotalRegistered),
		slog.Uint64("connections_swept", regStats.TotalSwept),
		slog.Uint64("sessions_created", mgrStats.TotalCreated),
		slog.Uint64("sessions_ended", mgrStats.TotalEnded),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
