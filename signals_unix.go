// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/ewelink-bridge/app"
)

// setupDebugSignalHandlers installs the debug dump handlers.
//
//	kill -USR1 <pid>  # dump device models and runtime statistics
//	kill -USR2 <pid>  # dump goroutine stack traces
func setupDebugSignalHandlers(application *app.App) {
	debugSigChan := make(chan os.Signal, 2)
	signal.Notify(debugSigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range debugSigChan {
			switch sig {
			case syscall.SIGUSR1:
				application.DumpApplicationState()
			case syscall.SIGUSR2:
				app.DumpGoroutineStackTraces()
			}
		}
	}()
}
