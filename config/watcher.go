// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/ewelink-bridge/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP. Only the log level and
// the device table are applied at runtime; other changes need a restart.
type Watcher struct {
	path       string
	reloaded   chan *Config
	signals    chan os.Signal
	cancelFunc context.CancelFunc
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:     path,
		reloaded: make(chan *Config, 1),
		signals:  make(chan os.Signal, 1),
	}
}

// Reloaded delivers each successfully reloaded configuration. A pending
// configuration is replaced by a newer one.
func (w *Watcher) Reloaded() <-chan *Config {
	return w.reloaded
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.signals, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.signals)
}

// watch listens for reload signals and reloads the configuration.
func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signals:
			logger.Info().Msg("SIGHUP received, reloading configuration")
			w.Reload()
		}
	}
}

// Reload loads the file now. An invalid file is logged and the running
// configuration is kept.
func (w *Watcher) Reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload configuration, keeping current settings")
		return false
	}

	select {
	case <-w.reloaded:
	default:
	}
	w.reloaded <- cfg
	logger.Info().Int("devices", len(cfg.Devices)).Msg("Configuration reloaded successfully")
	return true
}
