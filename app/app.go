// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the bridge components together and owns their lifecycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soothill/ewelink-bridge/config"
	"github.com/soothill/ewelink-bridge/controller"
	"github.com/soothill/ewelink-bridge/discovery"
	"github.com/soothill/ewelink-bridge/homekit"
	"github.com/soothill/ewelink-bridge/lan"
	"github.com/soothill/ewelink-bridge/pkg/interfaces"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/pkg/slacknotifier"
	"github.com/soothill/ewelink-bridge/storage"
	"golang.org/x/time/rate"
)

const (
	signalChannelSize     = 1
	readinessCheckTimeout = 2 * time.Second
	alertContextTimeout   = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
	drainTimeout          = 10 * time.Second
)

// App represents the main application
type App struct {
	cfg           *config.Config
	metricsPort   string
	server        *http.Server
	scanner       *discovery.Scanner
	lanClient     *lan.Client
	controller    *controller.Controller
	bridge        *homekit.Bridge
	history       interfaces.HistoryStore
	notifier      *slacknotifier.Notifier
	configWatcher *config.Watcher
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a new application instance
func New(cfg *config.Config, metricsPort string, configPath string) (*App, error) {
	app := &App{
		cfg:           cfg,
		metricsPort:   metricsPort,
		configWatcher: config.NewWatcher(configPath),
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.notifier = slacknotifier.New(cfg.Notifications.SlackWebhookURL)
	if app.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	contexts, err := storage.NewContextStore(cfg.Storage.Directory, cfg.Storage.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device context store: %w", err)
	}
	logger.Info().Str("directory", cfg.Storage.Directory).Dur("max_age", cfg.Storage.MaxAge).
		Msg("Device context store initialized")

	opts := []controller.Option{
		controller.WithContextStore(contexts),
		controller.WithContextRefresh(ContextRefresh(cfg.Storage.MaxAge)),
		controller.WithNotifier(app.notifier),
	}

	if cfg.InfluxDB.Enabled {
		hw, err := storage.NewHistoryWriter(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
			storage.BreakerSettings{
				FailureThreshold: cfg.InfluxDB.FailureThreshold,
				ResetTimeout:     cfg.InfluxDB.ResetTimeout,
			},
			app.notifier,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}
		app.history = hw
		opts = append(opts, controller.WithHistory(hw, cfg.InfluxDB.BufferSize))
	} else {
		logger.Info().Msg("Outlet state history disabled")
	}

	app.scanner = discovery.NewScanner(
		cfg.Discovery.ServiceType,
		cfg.Discovery.Domain,
		cfg.Discovery.Interval,
		cfg.Discovery.ScanWindow,
		cfg.Discovery.Expiry,
	)
	logger.Info().Dur("max_update_latency", app.scanner.MaxUpdateLatency()).
		Msg("Discovery scanner configured")
	app.lanClient = lan.NewClient(cfg.LAN.Timeout)

	app.bridge = homekit.NewBridge(homekit.Config{
		Name:         cfg.HomeKit.Name,
		Pin:          cfg.HomeKit.Pin,
		Port:         cfg.HomeKit.Port,
		StoragePath:  cfg.HomeKit.StoragePath,
		InitialDelay: cfg.HomeKit.InitialDelay,
		Debounce:     cfg.HomeKit.Debounce,
	}, nil)
	opts = append(opts, controller.WithHost(app.bridge))

	app.controller = controller.New(app.scanner.Events(), app.lanClient, KeyTable(cfg), opts...)
	app.bridge.SetSetter(app.controller)

	app.server = &http.Server{
		Addr:              "localhost:" + metricsPort,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return app, nil
}

// ContextRefresh is how often an online device's saved context is touched.
// It is half the retention, capped at a day.
func ContextRefresh(maxAge time.Duration) time.Duration {
	if refresh := maxAge / 2; refresh < 24*time.Hour {
		return refresh
	}
	return 24 * time.Hour
}

// KeyTable converts the static device table for the controller.
func KeyTable(cfg *config.Config) map[string]controller.DeviceKey {
	keys := make(map[string]controller.DeviceKey, len(cfg.Devices))
	for _, d := range cfg.Devices {
		keys[d.ID] = controller.DeviceKey{Key: d.Key, Name: d.Name}
	}
	return keys
}

// Handler returns the metrics and health endpoints.
func (a *App) Handler() http.Handler {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)
	devicesLimiter := rate.NewLimiter(2, 5)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, a.history)
	}))
	mux.HandleFunc("/devices", rateLimitMiddleware(devicesLimiter, a.devicesHandler))
	return mux
}

// Run starts the application and blocks until shutdown
func (a *App) Run() {
	ctx := a.ctx
	defer a.cancel()

	a.configWatcher.Start(ctx)
	defer a.configWatcher.Stop()

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher()

	if err := a.controller.Restore(); err != nil {
		logger.Error().Err(err).Msg("Failed to restore device contexts")
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.scanner.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.bridge.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("HomeKit bridge failed")
			a.cancel()
		}
	}()

	started := fmt.Sprintf("eWeLink Bridge started (%d configured devices)", len(a.cfg.Devices))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.notify(started)
	}()

	logger.Info().Msg("Bridge running")
	a.controller.Run(ctx)
	a.performCleanup()
}

// Shutdown stops the application. Run returns once cleanup is complete.
func (a *App) Shutdown() {
	a.performGracefulShutdown()
}

// startMetricsServer starts the HTTP server for metrics and health checks
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

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.performGracefulShutdown()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// startConfigWatcher applies reloaded configuration to running components
func (a *App) startConfigWatcher() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case cfg := <-a.configWatcher.Reloaded():
				a.applyConfig(cfg)
			}
		}
	}()
}

// applyConfig applies the settings that can change without a restart
func (a *App) applyConfig(cfg *config.Config) {
	logger.SetLevel(cfg.Logging.Level)
	a.controller.SetKeys(KeyTable(cfg))
	a.notifier.UpdateWebhookURL(cfg.Notifications.SlackWebhookURL)
	a.cfg = cfg
	logger.Info().Str("log_level", cfg.Logging.Level).Int("devices", len(cfg.Devices)).
		Msg("Application configuration updated")
}

// notify sends an informational Slack message
func (a *App) notify(message string) {
	if !a.notifier.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()
	if err := a.notifier.SendMessage(ctx, message); err != nil {
		logger.Warn().Err(err).Msg("Failed to send Slack message")
	}
}

// performGracefulShutdown stops the HTTP server and cancels the run context
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	a.cancel()
}

// performCleanup waits for in-flight commands and goroutines to finish
func (a *App) performCleanup() {
	a.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	drained := make(chan struct{})
	go func() {
		a.lanClient.Wait()
		a.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info().Msg("All goroutines finished")
	case <-time.After(drainTimeout):
		logger.Warn().Msg("Shutdown drain timeout - some local commands may not have completed")
	}

	if a.history != nil {
		a.history.Close()
	}
	logger.Info().Msg("Exiting")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	records := a.scanner.Records()
	models := a.controller.Models()
	logger.Info().
		Int("advertised_devices", len(records)).
		Int("registered_devices", len(models)).
		Strs("excluded_devices", a.controller.Excluded()).
		Msg("Device state")

	if hw, ok := a.history.(*storage.HistoryWriter); ok {
		logger.Info().Str("breaker", hw.BreakerState().String()).Msg("History writer state")
	}

	for _, d := range a.deviceStatuses() {
		logger.Info().
			Str("device_id", d.DeviceID).
			Str("name", d.Name).
			Str("kind", d.Kind).
			Str("phase", d.Phase).
			Bool("online", d.Online).
			Bool("advertised", d.Advertised).
			Str("address", d.Address).
			Interface("outlets", d.Outlets).
			Msg("Device")
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

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// DeviceStatus is the JSON view of one device served on /devices.
type DeviceStatus struct {
	DeviceID   string          `json:"device_id"`
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Phase      string          `json:"phase"`
	Online     bool            `json:"online"`
	Advertised bool            `json:"advertised"`
	Address    string          `json:"address,omitempty"`
	RSSI       int             `json:"rssi,omitempty"`
	Outlets    map[string]bool `json:"outlets"`
}

func (a *App) deviceStatuses() []DeviceStatus {
	models := a.controller.Models()
	out := make([]DeviceStatus, 0, len(models))
	for _, m := range models {
		id := m.Identity()
		st := DeviceStatus{
			DeviceID: id.DeviceID,
			Name:     a.controller.Name(id.DeviceID),
			Kind:     string(id.Kind),
			Phase:    m.Phase().String(),
			Online:   a.controller.Online(id.DeviceID),
			RSSI:     m.SignalStrength(),
			Outlets:  make(map[string]bool),
		}
		_, st.Advertised = a.scanner.Lookup(id.DeviceID)
		if addr := m.Address(); !addr.IsZero() {
			st.Address = addr.String()
		}
		for _, o := range m.Outlets() {
			st.Outlets[fmt.Sprint(o.Index)] = o.On
		}
		out = append(out, st)
	}
	return out
}

// devicesHandler serves the in-memory device state as JSON
func (a *App) devicesHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.deviceStatuses()); err != nil {
		logger.Error().Err(err).Msg("Failed to write devices response")
	}
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports ready when the history backend, if any, is healthy
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, history interfaces.HistoryStore) {
	if history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
		defer cancel()

		if err := history.Health(ctx); err != nil {
			logger.Warn().Err(err).Msg("Readiness check failed: InfluxDB unhealthy")
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, writeErr := w.Write([]byte("NOT READY: InfluxDB unhealthy")); writeErr != nil {
				logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
			}
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}
