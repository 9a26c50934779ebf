// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications provides alerting capabilities via various channels.
//
// This package implements notification delivery for events an operator of a
// beat-link client would want to know about immediately: the announcement
// socket failing to bind, the finder being forced to stop after a socket
// error, a device's DBServer probe circuit breaker tripping open, and
// history-storage degradation/recovery.
//
// # Notification Channels
//
// Currently supported:
//   - Slack: Webhook-based notifications with formatted attachments
//
// # Slack Integration
//
// Slack notifications use Incoming Webhooks for message delivery. The webhook URL
// is configured via SLACK_WEBHOOK_URL environment variable or YAML config.
//
// # Alert Severity Levels
//
// Three severity levels with corresponding colors:
//   - danger/error: Red - Critical failures requiring immediate attention
//   - warning/warn: Yellow - Issues that may impact functionality
//   - good/success: Green - Recovery notifications
//
// # Error Handling
//
// Sends are synchronous, bounded by the HTTP client's 10-second timeout and
// the caller's context. Notification failures are returned to the caller,
// which decides whether to log them. Disabled notifiers (empty webhook URL)
// skip sending silently.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jessesrsmith/beat-link/pkg/logger"
)

// SlackNotifier sends notifications to Slack via webhook. It implements
// interfaces.Notifier.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
}

// SlackMessage represents a Slack webhook message payload.
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment.
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled: webhookURL != "",
	}
}

// IsEnabled returns whether Slack notifications are enabled.
func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

// SendMessage sends a simple text message to Slack.
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}

	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack.
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  s.severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: "beat-link",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// SendBindFailure alerts that the DeviceFinder could not bind its
// announcement socket on start.
func (s *SlackNotifier) SendBindFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "device finder failed to bind",
		fmt.Sprintf("could not bind the announcement socket: %v", err))
}

// SendForcedStop alerts that the DeviceFinder stopped itself after a
// socket error during the receive loop.
func (s *SlackNotifier) SendForcedStop(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "device finder stopped unexpectedly",
		fmt.Sprintf("the announcement receive loop exited: %v", err))
}

// SendProbeCircuitOpen alerts that a device's DBServer probe circuit
// breaker has tripped open after repeated failures.
func (s *SlackNotifier) SendProbeCircuitOpen(ctx context.Context, deviceNumber int) error {
	return s.SendAlert(ctx, "warning", "dbserver probe circuit open",
		fmt.Sprintf("device %d has failed enough consecutive DBServer probes that probing has been suspended", deviceNumber))
}

// SendHistoryStorageDegraded alerts that presence/probe history writes have
// fallen back to the local cache.
func (s *SlackNotifier) SendHistoryStorageDegraded(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "warning", "history storage degraded",
		fmt.Sprintf("InfluxDB write failed, falling back to local cache: %v", err))
}

// SendHistoryStorageRecovered alerts that history storage has recovered
// and cached events have been replayed.
func (s *SlackNotifier) SendHistoryStorageRecovered(ctx context.Context) error {
	return s.SendAlert(ctx, "good", "history storage recovered",
		"InfluxDB is reachable again, cached events have been replayed")
}

// sendPayload sends a payload to the Slack webhook.
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors.
func (s *SlackNotifier) severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
