// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides persistence for the bridge: per-device contexts
// on local disk and an optional outlet state history in InfluxDB.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/soothill/ewelink-bridge/pkg/interfaces"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/pkg/metrics"
	"github.com/sony/gobreaker"
)

const (
	stateMeasurement = "outlet_state"
	alertTimeout     = 5 * time.Second
	maxFluxStringLen = 1000
)

// ErrHistoryUnavailable is returned while the circuit breaker is open.
var ErrHistoryUnavailable = errors.New("state history unavailable")

// BreakerSettings tunes the circuit breaker guarding writes.
type BreakerSettings struct {
	FailureThreshold uint32        // consecutive failures before opening
	ResetTimeout     time.Duration // time spent open before probing
	HalfOpenRequests uint32        // probes allowed while half-open
}

// HistoryWriter writes outlet state changes to InfluxDB
type HistoryWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	breaker  *gobreaker.CircuitBreaker
	notifier interfaces.Notifier
	bucket   string
	org      string
}

// NewHistoryWriter connects to InfluxDB and verifies its health
func NewHistoryWriter(url, token, org, bucket string, bs BreakerSettings, notifier interfaces.Notifier) (*HistoryWriter, error) {
	client := influxdb2.NewClient(url, token)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	return newHistoryWriter(client, client.WriteAPIBlocking(org, bucket), org, bucket, bs, notifier), nil
}

func newHistoryWriter(client influxdb2.Client, writeAPI api.WriteAPIBlocking, org, bucket string, bs BreakerSettings, notifier interfaces.Notifier) *HistoryWriter {
	if bs.FailureThreshold == 0 {
		bs.FailureThreshold = 5
	}
	if bs.ResetTimeout <= 0 {
		bs.ResetTimeout = 30 * time.Second
	}
	if bs.HalfOpenRequests == 0 {
		bs.HalfOpenRequests = 1
	}

	hw := &HistoryWriter{
		client:   client,
		writeAPI: writeAPI,
		notifier: notifier,
		bucket:   bucket,
		org:      org,
	}
	hw.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influxdb",
		MaxRequests: bs.HalfOpenRequests,
		Timeout:     bs.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.FailureThreshold
		},
		OnStateChange: hw.onStateChange,
	})
	return hw
}

// WriteState writes one outlet state point. While the breaker is open the
// point is dropped and ErrHistoryUnavailable is returned.
func (hw *HistoryWriter) WriteState(ctx context.Context, point interfaces.StatePoint) error {
	if point.DeviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if point.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}
	if point.Source == "" {
		point.Source = interfaces.SourceDevice
	}

	fields := map[string]interface{}{"on": point.On}
	if point.RSSI != 0 {
		fields["rssi"] = point.RSSI
	}
	p := influxdb2.NewPoint(
		stateMeasurement,
		map[string]string{
			"device_id": point.DeviceID,
			"outlet":    strconv.Itoa(point.Outlet),
			"source":    point.Source,
		},
		fields,
		point.Timestamp,
	)

	_, err := hw.breaker.Execute(func() (interface{}, error) {
		return nil, hw.writeAPI.WritePoint(ctx, p)
	})
	if err != nil {
		metrics.HistoryWriteErrors.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
		}
		return fmt.Errorf("failed to write state point: %w", err)
	}

	metrics.HistoryWritesTotal.Inc()
	return nil
}

// BreakerState reports the circuit breaker state
func (hw *HistoryWriter) BreakerState() gobreaker.State {
	return hw.breaker.State()
}

// Flush is a no-op: writes are synchronous
func (hw *HistoryWriter) Flush() {}

// Close closes the InfluxDB client
func (hw *HistoryWriter) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	hw.client.Close()
}

// Health checks InfluxDB health
func (hw *HistoryWriter) Health(ctx context.Context) error {
	health, err := hw.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("InfluxDB status %s", health.Status)
	}
	return nil
}

// QueryLatestState retrieves the most recent state of an outlet
func (hw *HistoryWriter) QueryLatestState(ctx context.Context, deviceID string, outlet int) (*interfaces.StatePoint, error) {
	// Validate input
	if deviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}

	queryAPI := hw.client.QueryAPI(hw.org)

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s" and r.outlet == "%d")
			|> last()
	`, sanitizeFluxString(hw.bucket), stateMeasurement, sanitizeFluxString(deviceID), outlet)

	result, err := queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var point *interfaces.StatePoint
	for result.Next() {
		record := result.Record()
		if point == nil {
			point = &interfaces.StatePoint{DeviceID: deviceID, Outlet: outlet}
		}
		if src, ok := record.ValueByKey("source").(string); ok {
			point.Source = src
		}
		if record.Time().After(point.Timestamp) {
			point.Timestamp = record.Time()
		}

		switch record.Field() {
		case "on":
			if val, ok := record.Value().(bool); ok {
				point.On = val
			}
		case "rssi":
			if val, ok := record.Value().(int64); ok {
				point.RSSI = int(val)
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}
	if point == nil {
		return nil, fmt.Errorf("no state recorded for %s outlet %d", deviceID, outlet)
	}

	return point, nil
}

// sanitizeFluxString makes a value safe to embed in a Flux string literal:
// control characters are dropped, backslashes and quotes escaped, and the
// input is capped at maxFluxStringLen bytes.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLen {
		s = s[:maxFluxStringLen]
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '\\' || r == '"':
			b.WriteByte('\\')
			b.WriteByte(s[i])
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

// onStateChange alerts when the history backend goes down or recovers
func (hw *HistoryWriter) onStateChange(name string, from, to gobreaker.State) {
	logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("History circuit breaker changed state")

	if hw.notifier == nil || !hw.notifier.IsEnabled() {
		return
	}

	var level, title, message string
	switch {
	case to == gobreaker.StateOpen:
		level, title = interfaces.LevelError, "InfluxDB Unavailable"
		message = "Outlet state history writes are failing. Points are dropped until InfluxDB recovers."
	case to == gobreaker.StateClosed && from == gobreaker.StateHalfOpen:
		level, title = interfaces.LevelGood, "InfluxDB Restored"
		message = "Outlet state history writes have resumed."
	default:
		return
	}

	// gobreaker calls this with its lock held; send outside it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := hw.notifier.SendAlert(ctx, level, title, message); err != nil {
			logger.Error().Err(err).Msg("Failed to send history alert")
		}
	}()
}
