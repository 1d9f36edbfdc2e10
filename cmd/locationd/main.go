// locationd -- one node of the distributed environmental-sensor store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/evosense/locationd/internal/config"
	"github.com/evosense/locationd/internal/location"
	locmetrics "github.com/evosense/locationd/internal/metrics"
	"github.com/evosense/locationd/internal/peering"
	"github.com/evosense/locationd/internal/server"
	appversion "github.com/evosense/locationd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config (defaults + file + environment).
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	layout, err := cfg.Layout()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to resolve cluster layout",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("locationd starting",
		slog.String("version", appversion.Version),
		slog.Int("node_id", layout.SelfID),
		slog.String("api_addr", layout.Self().HTTPAddr()),
		slog.String("rpc_addr", layout.Self().RPCAddr()),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := locmetrics.NewCollector(reg)

	// 5. Build the data plane: codec, registry, channel manager, dispatcher.
	codec, err := location.NewCodec()
	if err != nil {
		logger.Error("failed to create fragment codec", slog.String("error", err.Error()))
		return 1
	}

	registry := location.NewRegistry(location.RegistryConfig{
		InitialPoolSize:          cfg.Registry.InitialPoolSize,
		RefreshThresholdFraction: cfg.Registry.RefreshThresholdFraction,
		RefreshBatchSize:         cfg.Registry.RefreshBatchSize,
		ShardCount:               cfg.Registry.ShardCount,
	}, codec, logger, location.WithRegistryMetrics(collector))
	defer registry.Close()

	channels := peering.NewChannelManager(layout.SelfID, layout.PeerRPCBaseURLs(), logger,
		peering.WithResetDebounce(cfg.Peering.ResetDebounce()),
		peering.WithRPCTimeout(cfg.Peering.RPCTimeout),
		peering.WithManagerMetrics(collector),
	)

	dispatcher := server.NewDispatcher(registry, channels, codec, logger,
		server.WithMetrics(collector),
	)

	// 6. Run servers.
	if err := runServers(cfg, layout, dispatcher, reg, logger, logLevel, *configPath); err != nil {
		logger.Error("locationd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("locationd stopped")
	return 0
}

// runServers sets up and runs the client API, peer RPC, and metrics HTTP
// servers using an errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	layout *config.Layout,
	dispatcher *server.Dispatcher,
	reg *prometheus.Registry,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
	configPath string,
) error {
	apiSrv := newAPIServer(dispatcher)
	rpcSrv := newRPCServer(dispatcher, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("api server listening", slog.String("addr", listenAddr(layout.Self().Port)))
		return listenAndServe(gCtx, &lc, apiSrv, listenAddr(layout.Self().Port))
	})

	g.Go(func() error {
		logger.Info("rpc server listening", slog.String("addr", listenAddr(layout.Self().Port+config.RPCPortOffset)))
		return listenAndServe(gCtx, &lc, rpcSrv, listenAddr(layout.Self().Port+config.RPCPortOffset))
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, apiSrv, rpcSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// listenAddr binds all interfaces on the given port. The cluster layout
// carries the externally reachable address; the listener itself accepts
// traffic on any interface, like the nodes this replaces.
func listenAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newAPIServer creates the client-facing HTTP server.
func newAPIServer(dispatcher *server.Dispatcher) *http.Server {
	return &http.Server{
		Handler:           dispatcher.APIHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newRPCServer creates the peer RPC server. The handler is wrapped with h2c
// so peers can use HTTP/2 without TLS, and carries a standard gRPC health
// endpoint (grpc.health.v1) for probes.
func newRPCServer(dispatcher *server.Dispatcher, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	rpcHandler := dispatcher.RPCHandler(
		connect.WithInterceptors(
			server.RecoveryInterceptor(logger),
			server.LoggingInterceptor(logger),
		),
	)
	mux.Handle("/", rpcHandler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		peering.ServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Systemd Integration -- sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the node has completed
// initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the node is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The interval
// is WatchdogSec/2 as recommended by the systemd documentation. If the
// watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload -- log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads the log level from
// the configuration file. Cluster membership is fixed at boot and is not
// reloadable. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

// reloadLogLevel loads a fresh configuration and updates the dynamic log
// level. Errors during reload are logged but do not stop the daemon -- the
// previous configuration remains in effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, then
// drains the HTTP servers with a fresh timeout context.
//
// The parent context is already cancelled when this function is called.
// context.WithoutCancel detaches from the parent's cancellation so the
// drain gets its own timeout.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
