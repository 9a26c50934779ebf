// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNetworkBindError(t *testing.T) {
	baseErr := fmt.Errorf("address in use")
	err := NewNetworkBindError(50000, baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "50000") {
		t.Errorf("Error() = %q, want message containing port 50000", errMsg)
	}

	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	if !IsNetworkBindError(err) {
		t.Error("IsNetworkBindError() should return true for NetworkBindError")
	}

	var nbe *NetworkBindError
	if !errors.As(err, &nbe) {
		t.Error("errors.As() should extract NetworkBindError")
	}
	if nbe.Port != 50000 {
		t.Errorf("NetworkBindError.Port = %d, want 50000", nbe.Port)
	}
}

func TestNotActiveError(t *testing.T) {
	err := NewNotActiveError("currentDevices")

	errMsg := err.Error()
	if !strings.Contains(errMsg, "currentDevices") {
		t.Errorf("Error() = %q, want message containing 'currentDevices'", errMsg)
	}

	if !IsNotActiveError(err) {
		t.Error("IsNotActiveError() should return true for NotActiveError")
	}

	var nae *NotActiveError
	if !errors.As(err, &nae) {
		t.Error("errors.As() should extract NotActiveError")
	}
}

func TestNoSuchPlayerError(t *testing.T) {
	err := NewNoSuchPlayerError(3)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "3") {
		t.Errorf("Error() = %q, want message containing device number 3", errMsg)
	}

	if !IsNoSuchPlayerError(err) {
		t.Error("IsNoSuchPlayerError() should return true for NoSuchPlayerError")
	}

	var nspe *NoSuchPlayerError
	if !errors.As(err, &nspe) {
		t.Error("errors.As() should extract NoSuchPlayerError")
	}
	if nspe.Player != 3 {
		t.Errorf("NoSuchPlayerError.Player = %d, want 3", nspe.Player)
	}
}

func TestNoAvailableSourceNumberError(t *testing.T) {
	err := NewNoAvailableSourceNumberError(2)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "2") {
		t.Errorf("Error() = %q, want message containing target 2", errMsg)
	}

	if !IsNoAvailableSourceNumberError(err) {
		t.Error("IsNoAvailableSourceNumberError() should return true")
	}
}

func TestProtocolError(t *testing.T) {
	baseErr := fmt.Errorf("unexpected length")
	err := NewProtocolError("port query", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "port query") {
		t.Errorf("Error() = %q, want message containing 'port query'", errMsg)
	}

	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	if !IsProtocolError(err) {
		t.Error("IsProtocolError() should return true for ProtocolError")
	}
}

func TestNetworkError(t *testing.T) {
	baseErr := fmt.Errorf("connection refused")
	err := NewNetworkError("connect", "192.168.1.100:12523", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "network") || !strings.Contains(errMsg, "connect") || !strings.Contains(errMsg, "192.168.1.100:12523") {
		t.Errorf("Error() = %q, want message containing 'network', 'connect', and address", errMsg)
	}

	if !IsNetworkError(err) {
		t.Error("IsNetworkError() should return true for NetworkError")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := fmt.Errorf("invalid format")
	err := NewConfigError("history.influxdb.url", "invalid://url", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "config") || !strings.Contains(errMsg, "history.influxdb.url") {
		t.Errorf("Error() = %q, want message containing 'config' and field name", errMsg)
	}

	if !IsConfigError(err) {
		t.Error("IsConfigError() should return true for ConfigError")
	}

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Error("errors.As() should extract ConfigError")
	}
	if ce.Field != "history.influxdb.url" {
		t.Errorf("ConfigError.Field = %q, want %q", ce.Field, "history.influxdb.url")
	}
}

func TestStorageError(t *testing.T) {
	baseErr := fmt.Errorf("connection timeout")
	err := NewStorageError("write", "5", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "storage") || !strings.Contains(errMsg, "write") || !strings.Contains(errMsg, "5") {
		t.Errorf("Error() = %q, want message containing 'storage', 'write', and device id", errMsg)
	}

	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	if !IsStorageError(err) {
		t.Error("IsStorageError() should return true for StorageError")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Error("errors.As() should extract StorageError")
	}
	if se.DeviceID != "5" {
		t.Errorf("StorageError.DeviceID = %q, want %q", se.DeviceID, "5")
	}
}

func TestNotificationError(t *testing.T) {
	baseErr := fmt.Errorf("webhook failed")
	err := NewNotificationError("slack", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "notification") || !strings.Contains(errMsg, "slack") {
		t.Errorf("Error() = %q, want message containing 'notification' and 'slack'", errMsg)
	}

	if !IsNotificationError(err) {
		t.Error("IsNotificationError() should return true for NotificationError")
	}
}

func TestSentinelErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"ErrDeviceNotFound", ErrDeviceNotFound},
		{"ErrPortUnknown", ErrPortUnknown},
		{"ErrTimeout", ErrTimeout},
		{"ErrCircuitBreakerOpen", ErrCircuitBreakerOpen},
		{"ErrInvalidConfig", ErrInvalidConfig},
		{"ErrConnectionClosed", ErrConnectionClosed},
		{"ErrAlreadyActive", ErrAlreadyActive},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Error() == "" {
				t.Errorf("%s has empty error message", tc.name)
			}

			wrapped := fmt.Errorf("operation failed: %w", tc.err)
			if !errors.Is(wrapped, tc.err) {
				t.Errorf("errors.Is() should find wrapped %s", tc.name)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	protoErr := NewProtocolError("port query", baseErr)
	storageErr := NewStorageError("write", "1", protoErr)

	if !errors.Is(storageErr, baseErr) {
		t.Error("errors.Is() should find base error through chain")
	}

	var pe *ProtocolError
	if !errors.As(storageErr, &pe) {
		t.Error("errors.As() should find ProtocolError in chain")
	}

	var se *StorageError
	if !errors.As(storageErr, &se) {
		t.Error("errors.As() should find StorageError at top of chain")
	}
}

func TestErrorsWithoutUnderlyingError(t *testing.T) {
	protoErr := NewProtocolError("port query", nil)
	if protoErr.Error() == "" {
		t.Error("ProtocolError without underlying error should have message")
	}

	storageErr := NewStorageError("write", "", nil)
	if storageErr.Error() == "" {
		t.Error("StorageError without underlying error should have message")
	}

	configErr := NewConfigError("field", "", nil)
	if configErr.Error() == "" {
		t.Error("ConfigError without underlying error should have message")
	}
}

func TestIsHelperWithWrongType(t *testing.T) {
	genericErr := fmt.Errorf("generic error")

	if IsNetworkBindError(genericErr) {
		t.Error("IsNetworkBindError() should return false for generic error")
	}
	if IsNotActiveError(genericErr) {
		t.Error("IsNotActiveError() should return false for generic error")
	}
	if IsNoSuchPlayerError(genericErr) {
		t.Error("IsNoSuchPlayerError() should return false for generic error")
	}
	if IsProtocolError(genericErr) {
		t.Error("IsProtocolError() should return false for generic error")
	}
	if IsStorageError(genericErr) {
		t.Error("IsStorageError() should return false for generic error")
	}
	if IsConfigError(genericErr) {
		t.Error("IsConfigError() should return false for generic error")
	}
	if IsNetworkError(genericErr) {
		t.Error("IsNetworkError() should return false for generic error")
	}
	if IsNotificationError(genericErr) {
		t.Error("IsNotificationError() should return false for generic error")
	}
}
