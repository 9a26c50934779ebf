// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides InfluxDB-backed persistence of device presence
// and DBServer probe history, with a local on-disk fallback used when
// InfluxDB is unreachable.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/jessesrsmith/beat-link/pkg/interfaces"
	"github.com/jessesrsmith/beat-link/pkg/logger"
)

const (
	presenceMeasurement = "device_presence"
	probeMeasurement    = "dbserver_probe"
	queryTimeout        = 5 * time.Second
)

// InfluxDBStorage handles writing presence and probe history to InfluxDB.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
	breaker  *CircuitBreaker
}

// NewInfluxDBStorage creates a new InfluxDB storage client and verifies
// connectivity before returning.
func NewInfluxDBStorage(url, token, org, bucket string) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
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

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("connected to InfluxDB")

	writeAPI := client.WriteAPI(org, bucket)

	go func() {
		for err := range writeAPI.Errors() {
			logger.Error().Err(err).Msg("InfluxDB write error")
		}
	}()

	return &InfluxDBStorage{
		client:   client,
		writeAPI: writeAPI,
		bucket:   bucket,
		org:      org,
		breaker:  NewCircuitBreaker(5, 30*time.Second, 2),
	}, nil
}

// WritePresenceEvent writes a device-found or device-lost transition.
func (s *InfluxDBStorage) WritePresenceEvent(event *interfaces.PresenceEvent) error {
	if event == nil {
		return fmt.Errorf("presence event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("presence event timestamp cannot be zero")
	}

	p := influxdb2.NewPoint(
		presenceMeasurement,
		map[string]string{
			"device_number": strconv.Itoa(event.DeviceNumber),
			"device_name":   event.DeviceName,
			"kind":          event.Kind.String(),
		},
		map[string]interface{}{
			"address": event.Address,
			"mac":     event.MAC,
		},
		event.Timestamp,
	)

	s.writeAPI.WritePoint(p)
	return nil
}

// WriteProbeEvent writes the outcome of a single DBServer port probe.
func (s *InfluxDBStorage) WriteProbeEvent(event *interfaces.ProbeEvent) error {
	if event == nil {
		return fmt.Errorf("probe event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("probe event timestamp cannot be zero")
	}

	p := influxdb2.NewPoint(
		probeMeasurement,
		map[string]string{
			"device_number": strconv.Itoa(event.DeviceNumber),
		},
		map[string]interface{}{
			"port":        event.Port,
			"success":     event.Success,
			"error":       event.Err,
			"duration_ms": event.Duration.Milliseconds(),
		},
		event.Timestamp,
	)

	s.writeAPI.WritePoint(p)
	return nil
}

// Flush forces all pending writes to complete.
func (s *InfluxDBStorage) Flush() {
	s.writeAPI.Flush()
}

// Close closes the InfluxDB client and flushes pending writes.
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("closing InfluxDB connection")
	s.writeAPI.Flush()
	s.client.Close()
}

// Health checks whether the InfluxDB backend is reachable, guarded by a
// circuit breaker so a persistently unhealthy server doesn't stack up
// health-check latency on every caller.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		health, err := s.client.Health(ctx)
		if err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
		if health.Status != "pass" {
			return fmt.Errorf("InfluxDB reports unhealthy status: %s", health.Status)
		}
		return nil
	})
}

// QueryLatestPresence retrieves the most recent presence event for a device.
func (s *InfluxDBStorage) QueryLatestPresence(ctx context.Context, deviceNumber int) (*interfaces.PresenceEvent, error) {
	queryAPI := s.client.QueryAPI(s.org)

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -24h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_number == "%s")
			|> last()
	`, sanitizeFluxString(s.bucket), presenceMeasurement, sanitizeFluxString(strconv.Itoa(deviceNumber)))

	result, err := queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	event := &interfaces.PresenceEvent{DeviceNumber: deviceNumber}
	found := false

	for result.Next() {
		record := result.Record()
		found = true

		if name, ok := record.ValueByKey("device_name").(string); ok {
			event.DeviceName = name
		}
		if kind, ok := record.ValueByKey("kind").(string); ok && kind == interfaces.DeviceLost.String() {
			event.Kind = interfaces.DeviceLost
		} else {
			event.Kind = interfaces.DeviceFound
		}

		event.Timestamp = record.Time()

		switch record.Field() {
		case "address":
			if val, ok := record.Value().(string); ok {
				event.Address = val
			}
		case "mac":
			if val, ok := record.Value().(string); ok {
				event.MAC = val
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}
	if !found {
		return nil, fmt.Errorf("no presence history for device %d", deviceNumber)
	}

	return event, nil
}

const maxFluxStringLen = 1000

// sanitizeFluxString escapes a value for safe interpolation into a Flux
// query string literal, stripping null bytes and truncating pathologically
// long input before escaping.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLen {
		s = s[:maxFluxStringLen]
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
			continue
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
