// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/soothill/ewelink-bridge/pkg/interfaces"
	"github.com/testcontainers/testcontainers-go/modules/influxdb"
)

// startInfluxDB starts an InfluxDB container and returns a connected writer
func startInfluxDB(t *testing.T) *HistoryWriter {
	t.Helper()
	ctx := context.Background()

	influxContainer, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("test-org", "test-bucket", "test-user", "test-password"),
		influxdb.WithV2AdminToken("test-token"),
	)
	if err != nil {
		t.Fatalf("Failed to start InfluxDB container: %v", err)
	}
	t.Cleanup(func() {
		if err := influxContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	url, err := influxContainer.ConnectionUrl(ctx)
	if err != nil {
		t.Fatalf("Failed to get InfluxDB URL: %v", err)
	}

	hw, err := NewHistoryWriter(url, "test-token", "test-org", "test-bucket", BreakerSettings{}, nil)
	if err != nil {
		t.Fatalf("Failed to create history writer: %v", err)
	}
	t.Cleanup(hw.Close)
	return hw
}

// TestIntegration_WriteAndQueryState writes outlet states and reads back the latest
func TestIntegration_WriteAndQueryState(t *testing.T) {
	hw := startInfluxDB(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	points := []interfaces.StatePoint{
		{DeviceID: "1000abcdef", Outlet: 1, On: false, Source: interfaces.SourceDevice, Timestamp: now.Add(-time.Minute)},
		{DeviceID: "1000abcdef", Outlet: 1, On: true, Source: interfaces.SourceHost, Timestamp: now},
		{DeviceID: "1000abcdef", Outlet: 2, On: false, Source: interfaces.SourceDevice, Timestamp: now},
		{DeviceID: "1000aaaaaa", Outlet: 0, On: true, RSSI: -55, Timestamp: now},
	}
	for _, p := range points {
		if err := hw.WriteState(ctx, p); err != nil {
			t.Fatalf("WriteState() error = %v", err)
		}
	}

	got, err := hw.QueryLatestState(ctx, "1000abcdef", 1)
	if err != nil {
		t.Fatalf("QueryLatestState() error = %v", err)
	}
	if !got.On || got.Source != interfaces.SourceHost {
		t.Errorf("latest state = %+v, want on from host", got)
	}

	got, err = hw.QueryLatestState(ctx, "1000aaaaaa", 0)
	if err != nil {
		t.Fatalf("QueryLatestState() error = %v", err)
	}
	if got.RSSI != -55 {
		t.Errorf("RSSI = %d, want -55", got.RSSI)
	}

	if _, err := hw.QueryLatestState(ctx, "1000ffffff", 0); err == nil {
		t.Error("QueryLatestState() should fail for a device without history")
	}
}

// TestIntegration_Health verifies the health check against a live server
func TestIntegration_Health(t *testing.T) {
	hw := startInfluxDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hw.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
