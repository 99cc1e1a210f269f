// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the eWeLink bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DiscoveryRecordsTotal counts discovery records by event kind
	DiscoveryRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ewelink_discovery_records_total",
		Help: "Total number of discovery records received",
	}, []string{"kind"})

	// DiscoveryDuration tracks how long a browse window takes
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ewelink_discovery_duration_seconds",
		Help:    "Duration of a discovery browse window in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DecodeErrors counts dropped discovery updates by reason
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ewelink_decode_errors_total",
		Help: "Total number of discovery updates dropped because they could not be decoded",
	}, []string{"reason"})

	// DevicesKnown tracks the number of devices with an identity
	DevicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ewelink_devices_known",
		Help: "Number of devices the bridge has an identity for",
	})

	// DevicesSeeded tracks the number of devices with decoded state
	DevicesSeeded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ewelink_devices_seeded",
		Help: "Number of devices whose state has been decoded at least once",
	})

	// DevicesExcluded tracks devices excluded from control by a config error
	DevicesExcluded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ewelink_devices_excluded",
		Help: "Number of devices excluded from control because of a configuration error",
	})

	// LocalCommandsTotal counts local commands sent by endpoint
	LocalCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ewelink_local_commands_total",
		Help: "Total number of local commands sent",
	}, []string{"endpoint"})

	// LocalCommandErrors counts local commands that failed in transport
	LocalCommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ewelink_local_command_errors_total",
		Help: "Total number of local commands that failed in transport",
	}, []string{"endpoint"})

	// LocalCommandDuration tracks the round trip of local commands
	LocalCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ewelink_local_command_duration_seconds",
		Help:    "Duration of local command requests in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CloudRequestsTotal counts cloud API calls by operation and outcome
	CloudRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ewelink_cloud_requests_total",
		Help: "Total number of cloud API requests",
	}, []string{"operation", "outcome"})

	// HistoryWritesTotal counts state history points written
	HistoryWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ewelink_history_writes_total",
		Help: "Total number of outlet state points written to InfluxDB",
	})

	// HistoryWriteErrors counts state history points that failed or were dropped
	HistoryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ewelink_history_write_errors_total",
		Help: "Total number of outlet state points that failed or were dropped",
	})

	// OutletOn exposes the last known state of each outlet
	OutletOn = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ewelink_outlet_on",
		Help: "Last known outlet state (1 on, 0 off)",
	}, []string{"device_id", "outlet"})

	// SignalStrength exposes the last reported RSSI of each device
	SignalStrength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ewelink_signal_strength_dbm",
		Help: "Last reported WiFi signal strength in dBm",
	}, []string{"device_id"})
)
