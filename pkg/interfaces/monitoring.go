// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"net"
)

// ClientSession represents a live TCP connection opened to a player's real
// DBServer, obtained after its port has been discovered by probing the fixed
// query port. Implementations close the underlying socket in Close.
type ClientSession interface {
	// DeviceNumber is the player this session is connected to.
	DeviceNumber() int

	// Conn exposes the underlying connection for protocol-level use.
	Conn() net.Conn

	// Close releases the session's socket.
	Close() error
}

// SessionManager defines the interface for DBServer port discovery and
// client session brokering. Implementations track a device-number to
// TCP-port table maintained by probing each newly-found device, and broker
// short-lived sessions for callers that need to talk to a player's DBServer.
type SessionManager interface {
	// Start begins probing devices reported by directory and keeps the port
	// table in sync with device-found/device-lost notifications until Stop
	// is called. Calling Start while already running is a no-op that
	// returns nil.
	Start(directory DeviceDirectory) error

	// Stop halts probing and discards the port table.
	Stop()

	// IsRunning reports whether the manager is currently active.
	IsRunning() bool

	// DBServerPortFor returns the TCP port the given player's real DBServer
	// is listening on, or -1 (with a nil error) if the port is not yet known.
	DBServerPortFor(deviceNumber int) (int, error)

	// InvokeWithClientSession opens a session to targetPlayer, choosing a
	// safe device number to present as the asking party, invokes fn with it,
	// and closes the session afterward regardless of fn's outcome.
	// description is used only for error messages and logging.
	InvokeWithClientSession(ctx context.Context, targetPlayer int, fn func(ClientSession) error, description string) error
}
