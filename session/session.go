// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package session discovers each player's DBServer TCP port and brokers
// short-lived client sessions into it, choosing a safe device number to pose
// as when a real CDJ is the target.
package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	beaterrors "github.com/jessesrsmith/beat-link/pkg/errors"
	"github.com/jessesrsmith/beat-link/pkg/interfaces"
	"github.com/jessesrsmith/beat-link/pkg/logger"
	"github.com/jessesrsmith/beat-link/pkg/metrics"
	"github.com/jessesrsmith/beat-link/protocol"
)

const (
	// DefaultSocketTimeout bounds both TCP connect and read on
	// DBServer-related sockets.
	DefaultSocketTimeout = 10 * time.Second

	// realPlayerMin and realPlayerMax bound the device numbers real CDJ
	// hardware will answer metadata queries from.
	realPlayerMin = 1
	realPlayerMax = 4

	// rekordboxThreshold is the device number above which a target is
	// considered a rekordbox instance, which will answer queries from any
	// source device number.
	rekordboxThreshold = 15

	// portUnknown is the port-table sentinel for a never-probed or
	// failed-probe device.
	portUnknown = -1

	breakerFailureThreshold = 3
	breakerOpenTimeout      = 30 * time.Second
)

// Manager implements DBServer port discovery and client session brokering.
// The zero value is not usable; construct with New.
type Manager struct {
	virtualCdj    interfaces.VirtualCdj
	history       interfaces.HistoryStorage // optional; nil disables probe history
	socketTimeout time.Duration

	mu        sync.Mutex
	running   bool
	directory interfaces.DeviceDirectory
	ports     map[int]int
	breakers  map[int]*gobreaker.CircuitBreaker

	notifierMu sync.Mutex
	notifier   interfaces.Notifier
}

// alertTimeout bounds how long a best-effort operator notification may take.
const alertTimeout = 5 * time.Second

// SetNotifier registers an operator-alert notifier used to report a
// per-device probe circuit breaker tripping open. Passing nil disables
// alerting. Not required for normal operation.
func (m *Manager) SetNotifier(n interfaces.Notifier) {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	m.notifier = n
}

func (m *Manager) alert(level, title, message string) {
	m.notifierMu.Lock()
	n := m.notifier
	m.notifierMu.Unlock()
	if n == nil || !n.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := n.SendAlert(ctx, level, title, message); err != nil {
		logger.Warn().Err(err).Msg("failed to send session manager alert")
	}
}

// New constructs a Manager. virtualCdj supplies the source-device-number
// selection policy's own device number and per-player status; history, if
// non-nil, receives a ProbeEvent for every probe attempt.
func New(virtualCdj interfaces.VirtualCdj, history interfaces.HistoryStorage) *Manager {
	return &Manager{
		virtualCdj:    virtualCdj,
		history:       history,
		socketTimeout: DefaultSocketTimeout,
		ports:         make(map[int]int),
		breakers:      make(map[int]*gobreaker.CircuitBreaker),
	}
}

// SetSocketTimeout overrides the timeout used for both connect and read on
// probe and session sockets.
func (m *Manager) SetSocketTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socketTimeout = d
}

// GetSocketTimeout returns the currently configured socket timeout.
func (m *Manager) GetSocketTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketTimeout
}

// Start registers the manager as a directory listener and enqueues a probe
// for every device already present. Idempotent.
func (m *Manager) Start(directory interfaces.DeviceDirectory) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	if !directory.IsActive() {
		m.mu.Unlock()
		return beaterrors.NewNotActiveError("session.Start: device finder is not active")
	}
	m.running = true
	m.directory = directory
	m.mu.Unlock()

	directory.AddListener(m)

	devices, err := directory.CurrentDevices()
	if err != nil {
		return err
	}
	for _, ann := range devices {
		go m.probe(ann)
	}
	logger.Info().Int("known_devices", len(devices)).Msg("session manager started")
	return nil
}

// Stop unregisters the directory listener and discards the port table. Does
// not stop the underlying directory.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	directory := m.directory
	m.directory = nil
	m.ports = make(map[int]int)
	m.breakers = make(map[int]*gobreaker.CircuitBreaker)
	m.mu.Unlock()

	if directory != nil {
		directory.RemoveListener(m)
	}
	logger.Info().Msg("session manager stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// DeviceFound implements interfaces.DeviceAnnouncementListener by enqueuing
// an asynchronous port probe.
func (m *Manager) DeviceFound(ann interfaces.Announcement) {
	go m.probe(ann)
}

// DeviceLost implements interfaces.DeviceAnnouncementListener by clearing
// the device's port-table entry. In-flight sessions for the player are not
// interrupted.
func (m *Manager) DeviceLost(ann interfaces.Announcement) {
	m.mu.Lock()
	m.ports[ann.Number] = portUnknown
	m.mu.Unlock()
	metrics.DBServerPort.WithLabelValues(deviceLabel(ann.Number)).Set(portUnknown)
}

// DBServerPortFor returns the known TCP port for deviceNumber, or -1 if it
// has not been discovered.
func (m *Manager) DBServerPortFor(deviceNumber int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.ports[deviceNumber]
	if !ok {
		return portUnknown, nil
	}
	return port, nil
}

// probe opens a TCP connection to ann's DBServer query port, sends the port
// query, and records the resulting port (or leaves it unknown on failure). A
// per-device circuit breaker skips probing a device that has recently failed
// repeatedly, so a persistently offline mixer is not re-probed on every
// device-found flap.
func (m *Manager) probe(ann interfaces.Announcement) {
	metrics.ProbeAttemptsTotal.Inc()
	start := time.Now()

	breaker := m.breakerFor(ann.Number)
	result, err := breaker.Execute(func() (interface{}, error) {
		return m.dialAndQuery(ann.Address)
	})

	duration := time.Since(start)
	metrics.ProbeDuration.Observe(duration.Seconds())

	event := &interfaces.ProbeEvent{
		DeviceNumber: ann.Number,
		Port:         portUnknown,
		Duration:     duration,
		Timestamp:    time.Now(),
	}

	if err != nil {
		event.Err = err.Error()
		metrics.ProbeFailureTotal.Inc()
		m.recordPort(ann.Number, portUnknown)
		if isConnectionRefused(err) {
			logger.Info().Int("device", ann.Number).Str("address", ann.Address.String()).
				Msg("device refused DBServer probe, not a DBServer participant")
		} else if err == gobreaker.ErrOpenState {
			logger.Debug().Int("device", ann.Number).Msg("probe skipped, circuit breaker open")
		} else {
			logger.Warn().Err(err).Int("device", ann.Number).Msg("DBServer probe failed")
		}
	} else {
		port := result.(int)
		event.Port = port
		event.Success = true
		metrics.ProbeSuccessTotal.Inc()
		m.recordPort(ann.Number, port)
		logger.Info().Int("device", ann.Number).Int("port", port).Msg("discovered DBServer port")
	}

	m.recordHistory(event)
}

func (m *Manager) dialAndQuery(addr net.IP) (int, error) {
	timeout := m.GetSocketTimeout()
	target := &net.TCPAddr{IP: addr, Port: protocol.DBServerQueryPort}

	conn, err := net.DialTimeout("tcp", target.String(), timeout)
	if err != nil {
		return portUnknown, beaterrors.NewNetworkError("connect", target.String(), err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(protocol.EncodePortQuery()); err != nil {
		return portUnknown, beaterrors.NewNetworkError("write", target.String(), err)
	}

	buf := make([]byte, 8)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return portUnknown, beaterrors.NewNetworkError("read", target.String(), err)
	}

	port, exact := protocol.DecodePortResponse(buf[:n])
	if !exact {
		logger.Warn().Str("address", target.String()).Int("bytes", n).
			Msg("DBServer port query returned unexpected response size")
	}
	if n < 2 {
		return portUnknown, beaterrors.NewProtocolError("port query", nil)
	}
	return port, nil
}

func (m *Manager) breakerFor(deviceNumber int) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[deviceNumber]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dbserver-probe",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().Int("device", deviceNumber).Str("from", from.String()).Str("to", to.String()).
				Msg("dbserver probe circuit breaker state change")
			if to == gobreaker.StateOpen {
				m.alert("warning", "dbserver probe circuit open",
					strconv.Itoa(deviceNumber)+" has failed enough consecutive DBServer probes that probing has been suspended")
			}
		},
	})
	m.breakers[deviceNumber] = b
	return b
}

func (m *Manager) recordPort(deviceNumber, port int) {
	m.mu.Lock()
	m.ports[deviceNumber] = port
	m.mu.Unlock()
	metrics.DBServerPort.WithLabelValues(deviceLabel(deviceNumber)).Set(float64(port))
}

func (m *Manager) recordHistory(event *interfaces.ProbeEvent) {
	if m.history == nil {
		return
	}
	metrics.HistoryWritesTotal.Inc()
	if err := m.history.WriteProbeEvent(event); err != nil {
		metrics.HistoryWriteErrors.Inc()
		logger.Warn().Err(err).Int("device", event.DeviceNumber).Msg("failed to write probe history")
	}
}

// InvokeWithClientSession opens a session to targetPlayer, choosing a safe
// source device number to pose as, invokes fn, and guarantees the socket is
// closed on every exit path. Task errors are surfaced unchanged.
func (m *Manager) InvokeWithClientSession(ctx context.Context, targetPlayer int, fn func(interfaces.ClientSession) error, description string) error {
	m.mu.Lock()
	directory := m.directory
	port, portKnown := m.ports[targetPlayer]
	m.mu.Unlock()

	if directory == nil {
		return beaterrors.NewNotActiveError("invokeWithClientSession: session manager is not running")
	}

	ann, found := directory.LatestAnnouncementFrom(targetPlayer)
	if !found || !portKnown || port == portUnknown {
		return beaterrors.NewNoSuchPlayerError(targetPlayer)
	}

	sourceNumber, err := m.chooseAskingPlayerNumber(directory, targetPlayer)
	if err != nil {
		metrics.SourceNumberSelectionFailureTotal.Inc()
		return err
	}

	timeout := m.GetSocketTimeout()
	addr := &net.TCPAddr{IP: ann.Address, Port: port}
	conn, dialErr := net.DialTimeout("tcp", addr.String(), timeout)
	if dialErr != nil {
		return beaterrors.NewNetworkError("connect", addr.String(), dialErr)
	}
	conn.SetDeadline(time.Now().Add(timeout))

	metrics.SessionsOpenedTotal.Inc()
	sess := &clientSession{conn: conn, deviceNumber: targetPlayer, sourceNumber: sourceNumber}

	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Str("description", description).Msg("error closing client session")
		}
		metrics.SessionsClosedTotal.Inc()
	}()

	return fn(sess)
}

// chooseAskingPlayerNumber implements the source-device-number selection
// policy described for querying targetPlayer: prefer the VirtualCdj's own
// number when it is safe, otherwise "steal" a real player's number if that
// player is not currently drawing media from targetPlayer.
func (m *Manager) chooseAskingPlayerNumber(directory interfaces.DeviceDirectory, targetPlayer int) (int, error) {
	v := m.virtualCdj.DeviceNumber()
	if targetPlayer > rekordboxThreshold || (v >= realPlayerMin && v <= realPlayerMax) {
		return v, nil
	}

	devices, err := directory.CurrentDevices()
	if err != nil {
		return 0, err
	}
	for _, candidate := range devices {
		if candidate.Number < realPlayerMin || candidate.Number > realPlayerMax {
			continue
		}
		if candidate.Number == targetPlayer {
			continue
		}
		status, ok := m.virtualCdj.LatestStatusFor(candidate.Number)
		if !ok || !status.IsCDJ {
			continue
		}
		if status.TrackSourcePlayer != targetPlayer {
			return candidate.Number, nil
		}
	}
	return 0, beaterrors.NewNoAvailableSourceNumberError(targetPlayer)
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func deviceLabel(deviceNumber int) string {
	return strconv.Itoa(deviceNumber)
}
