// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build windows

package main

import (
	"github.com/soothill/ewelink-bridge/app"
	"github.com/soothill/ewelink-bridge/pkg/logger"
)

// setupDebugSignalHandlers is a no-op on Windows, which has no SIGUSR1/SIGUSR2.
// Device state is still available from the /devices endpoint.
func setupDebugSignalHandlers(_ *app.App) {
	logger.Debug().Msg("Debug signal handlers not available on Windows; use the /devices endpoint")
}
