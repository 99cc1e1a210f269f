// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides the process-wide zerolog logger.
//
// The logger is swapped atomically, so SetLevel can run from the config
// reload goroutine while the event loop and HTTP handlers are logging.
package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	current.Store(&l)
}

func get() *zerolog.Logger {
	return current.Load()
}

// Initialize sets up the global console logger with the specified level
func Initialize(level string) {
	InitializeWithFormat(level, "console")
}

// InitializeWithFormat sets up the global logger. Format "json" writes one
// object per line; anything else uses the console writer.
func InitializeWithFormat(level, format string) {
	lvl, _ := parseLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if strings.EqualFold(format, "json") {
		out = os.Stdout
	}

	l := zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger()
	current.Store(&l)
}

// SetLevel changes the level and keeps the output. Unknown levels are ignored.
func SetLevel(level string) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return
	}
	l := get().Level(lvl)
	current.Store(&l)
}

// SetOutput redirects the global logger, mostly for tests.
func SetOutput(w io.Writer) {
	l := get().Output(w)
	current.Store(&l)
}

// parseLogLevel accepts zerolog's level names plus "warning". Anything
// else yields info and an error.
func parseLogLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel, err
	}
	return lvl, nil
}

// Debug starts a debug event
func Debug() *zerolog.Event { return get().Debug() }

// Info starts an info event
func Info() *zerolog.Event { return get().Info() }

// Warn starts a warning event
func Warn() *zerolog.Event { return get().Warn() }

// Error starts an error event
func Error() *zerolog.Event { return get().Error() }

// ForDevice returns a child logger carrying the device_id field.
func ForDevice(deviceID string) zerolog.Logger {
	return get().With().Str("device_id", deviceID).Logger()
}
