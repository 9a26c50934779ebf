// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the device finder, session manager, presence/probe
// history storage, and operator notifications into a single long-running
// process exposing Prometheus metrics and health/readiness endpoints.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/jessesrsmith/beat-link/config"
	"github.com/jessesrsmith/beat-link/finder"
	"github.com/jessesrsmith/beat-link/pkg/interfaces"
	"github.com/jessesrsmith/beat-link/pkg/logger"
	"github.com/jessesrsmith/beat-link/pkg/notifications"
	"github.com/jessesrsmith/beat-link/session"
	"github.com/jessesrsmith/beat-link/storage"
)

const (
	signalChannelSize     = 1
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	flushTimeout          = 10 * time.Second
)

// App represents the running beat-link daemon: a device finder, a session
// manager, presence/probe history storage, and the HTTP surface exposing
// them for observability.
type App struct {
	cfg         *config.Config
	metricsPort string
	server      *http.Server

	dispatcher *finder.SerialDispatcher
	finder     *finder.Finder
	sessionMgr *session.Manager
	virtualCdj interfaces.VirtualCdj

	history       interfaces.HistoryStorage
	notifier      *notifications.SlackNotifier
	configWatcher *config.Watcher
	configChan    chan *config.Config

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new application instance and all of its components, but
// does not start any of them; call Run to do that.
func New(cfg *config.Config, metricsPort string, configPath string) (*App, error) {
	app := &App{
		cfg:         cfg,
		metricsPort: metricsPort,
	}

	var err error
	app.notifier, app.history, app.server, err = app.initializeComponents()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	app.virtualCdj = newPassiveVirtualCdj(cfg.DBServer.SourceDeviceNumber)
	app.dispatcher = finder.NewSerialDispatcher()
	app.finder = finder.New(app.dispatcher, app.virtualCdj)
	app.finder.SetMaxAge(cfg.Discovery.MaxAge)
	app.finder.SetNotifier(app.notifier)
	app.finder.AddListener(&presenceRecorder{history: app.history})

	app.sessionMgr = session.New(app.virtualCdj, app.history)
	app.sessionMgr.SetSocketTimeout(cfg.DBServer.SocketTimeout)
	app.sessionMgr.SetNotifier(app.notifier)

	app.configChan = make(chan *config.Config)
	app.configWatcher = config.NewWatcher(configPath, app.configChan)

	return app, nil
}

// Run starts the application and blocks until a shutdown signal arrives and
// cleanup completes.
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	a.configWatcher.Start(ctx)
	defer a.configWatcher.Stop()

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher()

	if err := a.finder.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start device finder")
	}
	if err := a.sessionMgr.Start(a.finder); err != nil {
		logger.Error().Err(err).Msg("failed to start session manager")
	}

	<-ctx.Done()
	a.performCleanup()
}

// initializeComponents initializes history storage, the Slack notifier, and
// the metrics/health HTTP server.
func (a *App) initializeComponents() (*notifications.SlackNotifier, interfaces.HistoryStorage, *http.Server, error) {
	notifier := notifications.NewSlackNotifier(a.cfg.Notifications.SlackWebhookURL)
	if notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	influxDB, err := storage.NewInfluxDBStorage(
		a.cfg.History.InfluxDB.URL,
		a.cfg.History.InfluxDB.Token,
		a.cfg.History.InfluxDB.Organization,
		a.cfg.History.InfluxDB.Bucket,
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize InfluxDB: %w", err)
	}

	cache, err := storage.NewLocalCache(
		a.cfg.Cache.Directory,
		a.cfg.Cache.MaxSize,
		a.cfg.Cache.MaxAge,
	)
	if err != nil {
		influxDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize local cache: %w", err)
	}
	logger.Info().Str("directory", a.cfg.Cache.Directory).
		Int64("max_size_mb", a.cfg.Cache.MaxSize/(1024*1024)).
		Dur("max_age", a.cfg.Cache.MaxAge).
		Msg("Local cache initialized")

	history := storage.NewCachingStorage(influxDB, cache, notifier)

	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, history)
	}))

	server := &http.Server{
		Addr:    "localhost:" + a.metricsPort,
		Handler: mux,
	}

	return notifier, history, server, nil
}

// startMetricsServer starts the HTTP server for metrics and health checks.
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals.
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.performGracefulShutdown()
	}()
}

// DumpApplicationState dumps current finder/session state to logs.
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	devices, err := a.finder.CurrentDevices()
	if err != nil {
		logger.Info().Err(err).Msg("device finder is not active")
	} else {
		logger.Info().Int("known_devices", len(devices)).Msg("device finder state")
		for _, ann := range devices {
			port, _ := a.sessionMgr.DBServerPortFor(ann.Number)
			logger.Info().
				Int("device_number", ann.Number).
				Str("name", ann.Name).
				Str("address", ann.Address.String()).
				Int("dbserver_port", port).
				Msg("known device")
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs.
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// performGracefulShutdown handles graceful shutdown of all components.
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	a.sessionMgr.Stop()
	a.finder.Stop()
	a.dispatcher.Close()
	a.cancel()
}

// performCleanup flushes history storage and waits for goroutines to finish.
func (a *App) performCleanup() {
	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()

	flushDone := make(chan struct{})
	go func() {
		a.history.Flush()
		close(flushDone)
	}()

	select {
	case <-flushDone:
		logger.Info().Msg("history storage flush completed")
	case <-flushCtx.Done():
		logger.Warn().Msg("history storage flush timeout - some data may be lost")
	}

	a.history.Close()

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// startConfigWatcher starts a goroutine to listen for config file changes
// and apply the settings that can be safely updated at runtime.
func (a *App) startConfigWatcher() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-a.configChan:
				a.cfg = newCfg
				a.finder.SetMaxAge(newCfg.Discovery.MaxAge)
				a.sessionMgr.SetSocketTimeout(newCfg.DBServer.SocketTimeout)
				logger.Info().
					Dur("max_age", newCfg.Discovery.MaxAge).
					Dur("socket_timeout", newCfg.DBServer.SocketTimeout).
					Msg("Application configuration updated")
			}
		}
	}()
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting.
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles liveness check requests.
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler handles readiness check requests, reporting the
// history storage backend's health.
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, history interfaces.HistoryStorage) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	if err := history.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: history storage unhealthy")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: history storage unhealthy")); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

// passiveVirtualCdj is the default interfaces.VirtualCdj used when the
// caller does not supply a real one: it never claims to be active, so
// finder never suppresses a packet for self-echo, and it reports a fixed
// device number outside the real-CDJ range so chooseAskingPlayerNumber
// falls back to stealing a real player's number when needed.
type passiveVirtualCdj struct {
	deviceNumber int
}

func newPassiveVirtualCdj(deviceNumber int) *passiveVirtualCdj {
	return &passiveVirtualCdj{deviceNumber: deviceNumber}
}

func (p *passiveVirtualCdj) IsActive() bool       { return false }
func (p *passiveVirtualCdj) LocalAddress() net.IP { return nil }
func (p *passiveVirtualCdj) DeviceNumber() int    { return p.deviceNumber }
func (p *passiveVirtualCdj) LatestStatusFor(int) (interfaces.Status, bool) {
	return interfaces.Status{}, false
}

// presenceRecorder implements interfaces.DeviceAnnouncementListener by
// turning finder events into interfaces.PresenceEvents and handing them to
// history storage. Write failures are logged, not surfaced, since the
// finder's dispatcher is not equipped to handle a listener returning an
// error.
type presenceRecorder struct {
	history interfaces.HistoryStorage
}

func (p *presenceRecorder) DeviceFound(ann interfaces.Announcement) {
	p.record(ann, interfaces.DeviceFound)
}

func (p *presenceRecorder) DeviceLost(ann interfaces.Announcement) {
	p.record(ann, interfaces.DeviceLost)
}

func (p *presenceRecorder) record(ann interfaces.Announcement, kind interfaces.EventType) {
	event := &interfaces.PresenceEvent{
		DeviceNumber: ann.Number,
		DeviceName:   ann.Name,
		Address:      ann.Address.String(),
		MAC:          ann.MAC.String(),
		Kind:         kind,
		Timestamp:    ann.Timestamp,
	}
	if err := p.history.WritePresenceEvent(event); err != nil {
		logger.Error().Err(err).Int("device_number", ann.Number).Str("kind", kind.String()).
			Msg("failed to write presence event")
	}
}
