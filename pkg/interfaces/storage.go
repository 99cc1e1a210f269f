// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"
	"time"
)

// State sources recorded with each history point.
const (
	// SourceDevice marks state reported by the device itself.
	SourceDevice = "device"
	// SourceHost marks optimistic state set from the host.
	SourceHost = "host"
)

// StatePoint is one observed outlet state.
// This is redeclared here to avoid circular dependencies.
type StatePoint struct {
	DeviceID  string
	Outlet    int
	On        bool
	RSSI      int // 0 when unknown
	Source    string
	Timestamp time.Time
}

// HistoryStore defines the interface for outlet state history.
// Implementations must not block the caller for long; a failing backend
// should drop points rather than stall the event loop.
type HistoryStore interface {
	// WriteState records a single outlet state
	WriteState(ctx context.Context, point StatePoint) error

	// Flush ensures all pending writes are completed
	Flush()

	// Close gracefully shuts down the storage connection
	Close()

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error

	// QueryLatestState retrieves the most recent state of an outlet
	QueryLatestState(ctx context.Context, deviceID string, outlet int) (*StatePoint, error)
}
