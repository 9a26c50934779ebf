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

// PresenceEvent records a single device-found or device-lost transition
// observed by the finder. This is redeclared here to avoid circular
// dependencies between finder and the storage backends.
type PresenceEvent struct {
	DeviceNumber int
	DeviceName   string
	Address      string
	MAC          string
	Kind         EventType
	Timestamp    time.Time
}

// ProbeEvent records the outcome of a single DBServer port probe.
type ProbeEvent struct {
	DeviceNumber int
	Port         int // -1 if the probe failed
	Success      bool
	Err          string
	Duration     time.Duration
	Timestamp    time.Time
}

// HistoryStorage defines the interface for persisting presence and probe
// history. Implementations should handle both event kinds and provide health
// checks; this library's live directory and port table never read back
// through this interface, so it is write-mostly.
type HistoryStorage interface {
	// WritePresenceEvent writes a single presence transition to storage.
	WritePresenceEvent(event *PresenceEvent) error

	// WriteProbeEvent writes a single probe outcome to storage.
	WriteProbeEvent(event *ProbeEvent) error

	// Flush ensures all pending writes are completed.
	Flush()

	// Close gracefully shuts down the storage connection.
	Close()

	// Health checks if the storage backend is healthy.
	Health(ctx context.Context) error

	// QueryLatestPresence retrieves the most recent presence event for a device.
	QueryLatestPresence(ctx context.Context, deviceNumber int) (*PresenceEvent, error)
}
