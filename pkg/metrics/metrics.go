// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the beat-link client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesKnown tracks the number of devices currently in the finder's
	// live directory.
	DevicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beatlink_devices_known",
		Help: "Number of Pro DJ Link devices currently in the live directory",
	})

	// DeviceFoundTotal counts device-found notifications delivered.
	DeviceFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_device_found_total",
		Help: "Total number of device-found notifications delivered",
	})

	// DeviceLostTotal counts device-lost notifications delivered.
	DeviceLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_device_lost_total",
		Help: "Total number of device-lost notifications delivered",
	})

	// AnnouncementsReceivedTotal counts accepted announcement datagrams.
	AnnouncementsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_announcements_received_total",
		Help: "Total number of accepted device announcement datagrams",
	})

	// AnnouncementsRejectedTotal counts datagrams dropped by packet acceptance checks.
	AnnouncementsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_announcements_rejected_total",
		Help: "Total number of datagrams rejected during announcement parsing",
	})

	// ProbeAttemptsTotal counts DBServer port probe attempts.
	ProbeAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_probe_attempts_total",
		Help: "Total number of DBServer port probe attempts",
	})

	// ProbeSuccessTotal counts successful DBServer port probes.
	ProbeSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_probe_success_total",
		Help: "Total number of successful DBServer port probes",
	})

	// ProbeFailureTotal counts failed DBServer port probes.
	ProbeFailureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_probe_failure_total",
		Help: "Total number of failed DBServer port probes",
	})

	// ProbeDuration tracks how long a DBServer port probe takes.
	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beatlink_probe_duration_seconds",
		Help:    "Duration of DBServer port probes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SessionsOpenedTotal counts client sessions opened to a player DBServer.
	SessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_sessions_opened_total",
		Help: "Total number of client sessions opened to player DBServers",
	})

	// SessionsClosedTotal counts client sessions closed.
	SessionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_sessions_closed_total",
		Help: "Total number of client sessions closed",
	})

	// SourceNumberSelectionFailureTotal counts chooseAskingPlayerNumber failures.
	SourceNumberSelectionFailureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_source_number_selection_failure_total",
		Help: "Total number of failures to select a safe source device number",
	})

	// HistoryWritesTotal tracks the total number of writes to history storage.
	HistoryWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_history_writes_total",
		Help: "Total number of writes to history storage",
	})

	// HistoryWriteErrors tracks the number of failed writes to history storage.
	HistoryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beatlink_history_write_errors_total",
		Help: "Total number of failed writes to history storage",
	})

	// KnownDeviceInfo exposes the name and address of each known device as a
	// label set on a constant-1 gauge, keyed by device number.
	KnownDeviceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beatlink_known_device_info",
		Help: "Present (value 1) for each device currently known, labeled with its name and address",
	}, []string{"device_number", "device_name", "address"})

	// DBServerPort exposes the discovered DBServer TCP port per device number.
	DBServerPort = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beatlink_dbserver_port",
		Help: "Discovered DBServer TCP port per device number, -1 if unknown",
	}, []string{"device_number"})
)
