// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import "context"

// Alert levels. Slack maps them to attachment colours.
const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelGood    = "good"
)

// Notifier delivers operator alerts: a device excluded for lack of a key,
// the history backend going down or coming back.
//
// A disabled notifier reports IsEnabled false and accepts every alert as a
// no-op, so callers may skip the check.
type Notifier interface {
	SendAlert(ctx context.Context, level, title, message string) error
	IsEnabled() bool
}
