package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quayside/stevedore/internal/announce"
	"github.com/quayside/stevedore/internal/api"
	"github.com/quayside/stevedore/internal/config"
	"github.com/quayside/stevedore/internal/coordstore"
	"github.com/quayside/stevedore/internal/loaddrop"
	"github.com/quayside/stevedore/internal/loadqueue"
	"github.com/quayside/stevedore/internal/metrics"
	"github.com/quayside/stevedore/internal/storage"
	"github.com/quayside/stevedore/pkg"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Parse command-line flags
	serverName := flag.String("server-name", "", "Unique server name (defaults to host:http-port)")
	host := flag.String("host", "127.0.0.1", "Host address to advertise")
	httpPort := flag.Int("http-port", 8083, "Port for HTTP API server")
	serverType := flag.String("server-type", "historical", "Server type (historical, broker)")
	tier := flag.String("tier", "_default_tier", "Tier this server belongs to")
	priority := flag.Int("priority", 0, "Query priority relative to other servers")
	endpoints := flag.String("etcd-endpoints", "127.0.0.1:2379", "Comma-separated etcd endpoints")
	basePath := flag.String("base-path", "/stevedore", "Root path for coordination keys")
	sessionTTL := flag.Duration("session-ttl", 30*time.Second, "Coordination session TTL")
	loadingThreads := flag.Int("loading-threads", 4, "Max concurrent segment loads")
	announceInterval := flag.Duration("announce-interval", 50*time.Millisecond, "Batch interval for startup announcements")
	dropDelay := flag.Duration("drop-delay", 30*time.Second, "Grace period before drops execute")
	segmentDir := flag.String("segment-dir", "segment-cache/data", "Directory for cached segment data")
	maxSize := flag.Int64("max-size", 10<<30, "Byte budget for the segment directory")
	freeSpacePercent := flag.Float64("free-space-percent", 0, "Percent of the byte budget to keep unused")
	infoDir := flag.String("info-dir", "segment-cache/info_dir", "Directory for cached segment descriptors")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "Log format (json, console)")
	flag.Parse()

	// Create configuration
	cfg := config.DefaultConfig()
	cfg.ServerName = *serverName
	cfg.Host = *host
	cfg.HTTPPort = *httpPort
	cfg.ServerType = config.ServerType(*serverType)
	cfg.Tier = *tier
	cfg.Priority = *priority
	cfg.Endpoints = strings.Split(*endpoints, ",")
	cfg.BasePath = *basePath
	cfg.SessionTTL = *sessionTTL
	cfg.NumLoadingThreads = *loadingThreads
	cfg.AnnounceInterval = *announceInterval
	cfg.DropDelay = *dropDelay
	cfg.InfoDir = *infoDir
	cfg.Locations = []config.LocationConfig{{Path: *segmentDir, MaxSize: *maxSize, FreeSpacePercent: *freeSpacePercent}}
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat

	if cfg.ServerName == "" {
		cfg.ServerName = fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultLogConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info().
		Str("server", cfg.ServerName).
		Str("tier", cfg.Tier).
		Int("http_port", cfg.HTTPPort).
		Msg("Starting stevedore segment server")

	// Connect to the coordination store
	store, err := coordstore.NewEtcdStore(coordstore.EtcdConfig{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		SessionTTL:  cfg.SessionTTL,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to coordination store")
		os.Exit(1)
	}

	// Create local segment storage
	manager, err := storage.NewManager(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create segment storage")
		store.Close()
		os.Exit(1)
	}

	// Create the announcer
	announcer := announce.NewStoreAnnouncer(store, announce.ServerMetadata{
		Name:      cfg.ServerName,
		HostPort:  fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort),
		Type:      string(cfg.ServerType),
		Tier:      cfg.Tier,
		Priority:  cfg.Priority,
		MaxSize:   cfg.MaxStorageSize(),
		StartedAt: time.Now().UTC(),
	}, cfg.SegmentsPath(), cfg.AnnouncementsPath(), logger)

	// Create the change executor
	handler := loaddrop.NewHandler(cfg, manager, announcer, announcer, logger)

	// Wire metrics and the HTTP API as event listeners
	collector := metrics.New(manager, handler)
	handler.AddListener(collector.Observe)

	httpServer, err := api.NewServer(cfg, manager, handler, collector.Handler(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create HTTP API server")
		store.Close()
		os.Exit(1)
	}
	handler.AddListener(httpServer.OnSegmentEvent)

	// Create the queue watcher. Only segment-serving node types watch a
	// load queue; other roles run the API surface alone.
	var watcher *loadqueue.Watcher
	if cfg.ServerType.IsSegmentServer() {
		watcher = loadqueue.NewWatcher(cfg, store, handler, logger)
	} else {
		logger.Info().
			Str("server_type", string(cfg.ServerType)).
			Msg("Server type does not serve segments, skipping load queue watch")
	}

	// Serve /health before reconciliation so orchestrators see the process
	if err := httpServer.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start HTTP API server")
		store.Close()
		os.Exit(1)
	}

	// Recover the local cache, announce everything, then go live
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Minute)
	if err := handler.Start(startCtx); err != nil {
		startCancel()
		logger.Error().Err(err).Msg("Failed to start change executor")
		cleanup(nil, handler, httpServer, store, logger)
		os.Exit(1)
	}

	if watcher != nil {
		if err := watcher.Start(startCtx); err != nil {
			startCancel()
			logger.Error().Err(err).Msg("Failed to start queue watcher")
			cleanup(nil, handler, httpServer, store, logger)
			os.Exit(1)
		}
	}
	startCancel()

	logger.Info().Str("server", cfg.ServerName).Msg("Stevedore node is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(watcher, handler, httpServer, store, logger)

	logger.Info().Msg("Stevedore node shutdown complete")
}

// cleanup tears components down in reverse dependency order: stop consuming
// queue entries, drain segment operations and withdraw liveness, stop the
// API, then release the store session.
func cleanup(watcher *loadqueue.Watcher, handler *loaddrop.Handler, httpServer *api.Server, store coordstore.Store, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Error stopping queue watcher")
		}
	}

	if err := handler.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping change executor")
	}

	if err := httpServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}

	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing coordination store")
	}
}
