// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package finder

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	beaterrors "github.com/jessesrsmith/beat-link/pkg/errors"
	"github.com/jessesrsmith/beat-link/pkg/interfaces"
	"github.com/jessesrsmith/beat-link/pkg/logger"
	"github.com/jessesrsmith/beat-link/pkg/metrics"
	"github.com/jessesrsmith/beat-link/protocol"
)

// alertTimeout bounds how long a best-effort operator notification may take,
// so a slow webhook never delays the receive loop.
const alertTimeout = 5 * time.Second

const (
	// AnnouncementPort is the fixed UDP port Pro DJ Link devices broadcast
	// their presence announcements on.
	AnnouncementPort = 50000

	// DefaultMaxAge is how long an entry may go unrefreshed before it is
	// expired from the directory.
	DefaultMaxAge = 10 * time.Second

	// nonEmptyReadTimeout is the socket read timeout used once at least one
	// device is known, so expiration is checked periodically even when no
	// new packet arrives.
	nonEmptyReadTimeout = 1 * time.Second

	receiveBufferSize = 512
)

// Finder discovers Pro DJ Link devices by listening for UDP announcement
// broadcasts and maintains an expiring directory of currently-live devices.
// The zero value is not usable; construct with New.
type Finder struct {
	dispatcher interfaces.EventDispatcher
	virtualCdj interfaces.VirtualCdj
	maxAge     time.Duration

	mu        sync.Mutex
	conn      *net.UDPConn
	active    bool
	startedAt time.Time
	directory map[string]interfaces.Announcement

	listenerMu sync.Mutex
	listeners  []interfaces.DeviceAnnouncementListener

	notifierMu sync.Mutex
	notifier   interfaces.Notifier

	wg sync.WaitGroup
}

// SetNotifier registers an operator-alert notifier used to report socket
// bind failures and forced stops. Passing nil disables alerting. Not
// required for normal operation.
func (f *Finder) SetNotifier(n interfaces.Notifier) {
	f.notifierMu.Lock()
	defer f.notifierMu.Unlock()
	f.notifier = n
}

func (f *Finder) alert(level, title, message string) {
	f.notifierMu.Lock()
	n := f.notifier
	f.notifierMu.Unlock()
	if n == nil || !n.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := n.SendAlert(ctx, level, title, message); err != nil {
		logger.Warn().Err(err).Msg("failed to send device finder alert")
	}
}

// New constructs a Finder. dispatcher is used to deliver device-found and
// device-lost notifications off the receiver goroutine; virtualCdj, if
// non-nil, is consulted to suppress self-echo from the host's own simulated
// player. A nil virtualCdj disables self-echo suppression.
func New(dispatcher interfaces.EventDispatcher, virtualCdj interfaces.VirtualCdj) *Finder {
	return &Finder{
		dispatcher: dispatcher,
		virtualCdj: virtualCdj,
		maxAge:     DefaultMaxAge,
		directory:  make(map[string]interfaces.Announcement),
	}
}

// SetMaxAge overrides the default expiration threshold. Only meaningful
// before Start, or takes effect on the next expiration pass otherwise.
func (f *Finder) SetMaxAge(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAge = d
}

// Start binds the announcement socket and spawns the receiver goroutine.
// Idempotent: calling Start while already active is a no-op that returns nil.
func (f *Finder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active {
		return nil
	}

	addr := &net.UDPAddr{Port: AnnouncementPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		f.alert("danger", "device finder failed to bind",
			"could not bind the announcement socket: "+err.Error())
		return beaterrors.NewNetworkBindError(AnnouncementPort, err)
	}

	f.conn = conn
	f.active = true
	f.startedAt = time.Now()
	f.directory = make(map[string]interfaces.Announcement)

	f.wg.Add(1)
	go f.receiveLoop(conn)

	logger.Info().Int("port", AnnouncementPort).Msg("device finder started")
	return nil
}

// Stop closes the socket, drains the directory, and delivers a device-lost
// notification for every entry that was present. Idempotent.
func (f *Finder) Stop() {
	stale, wasActive := f.closeAndDrain()
	if !wasActive {
		return
	}
	f.wg.Wait()
	f.finishStop(stale)
}

// closeAndDrain marks the finder inactive, closes the socket, and empties
// the directory, returning the entries that were live. Safe to call from
// the receiver goroutine itself, since it never joins f.wg. wasActive is
// false if the finder was already inactive, in which case stale is nil.
func (f *Finder) closeAndDrain() (stale []interfaces.Announcement, wasActive bool) {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return nil, false
	}
	f.active = false
	conn := f.conn
	f.conn = nil

	stale = make([]interfaces.Announcement, 0, len(f.directory))
	for _, ann := range f.directory {
		stale = append(stale, ann)
	}
	f.directory = make(map[string]interfaces.Announcement)
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return stale, true
}

// finishStop delivers device-lost notifications for entries that were live
// at teardown and logs the stop. Must be called after closeAndDrain reports
// wasActive.
func (f *Finder) finishStop(stale []interfaces.Announcement) {
	for _, ann := range stale {
		f.notify(interfaces.DeviceLost, ann)
	}
	metrics.DevicesKnown.Set(0)
	logger.Info().Int("count", len(stale)).Msg("device finder stopped")
}

// IsActive reports whether the announcement socket is currently bound.
func (f *Finder) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// StartTime returns the wall-clock time the current activation began.
func (f *Finder) StartTime() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return time.Time{}, beaterrors.NewNotActiveError("startTime")
	}
	return f.startedAt, nil
}

// CurrentDevices returns a snapshot of currently-live announcements, after
// applying expiration.
func (f *Finder) CurrentDevices() ([]interfaces.Announcement, error) {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return nil, beaterrors.NewNotActiveError("currentDevices")
	}
	expired := f.expireLocked(time.Now())

	devices := make([]interfaces.Announcement, 0, len(f.directory))
	for _, ann := range f.directory {
		devices = append(devices, ann)
	}
	f.mu.Unlock()

	f.deliverExpirations(expired)
	return devices, nil
}

// LatestAnnouncementFrom returns the most recent announcement for the given
// device number among currently-live entries, if any.
func (f *Finder) LatestAnnouncementFrom(deviceNumber int) (interfaces.Announcement, bool) {
	devices, err := f.CurrentDevices()
	if err != nil {
		return interfaces.Announcement{}, false
	}
	for _, ann := range devices {
		if ann.Number == deviceNumber {
			return ann, true
		}
	}
	return interfaces.Announcement{}, false
}

// AddListener registers l for presence-change notifications. No-op if l is
// nil or already registered.
func (f *Finder) AddListener(l interfaces.DeviceAnnouncementListener) {
	if l == nil {
		return
	}
	f.listenerMu.Lock()
	defer f.listenerMu.Unlock()
	for _, existing := range f.listeners {
		if existing == l {
			return
		}
	}
	f.listeners = append(f.listeners, l)
}

// RemoveListener unregisters l. No-op if l is nil or not registered.
func (f *Finder) RemoveListener(l interfaces.DeviceAnnouncementListener) {
	if l == nil {
		return
	}
	f.listenerMu.Lock()
	defer f.listenerMu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

// receiveLoop is the dedicated receiver goroutine for one activation. It
// exits when the finder becomes inactive, whether via Stop or an internal
// I/O failure.
func (f *Finder) receiveLoop(conn *net.UDPConn) {
	defer f.wg.Done()

	buf := make([]byte, receiveBufferSize)
	for f.IsActive() {
		f.setReadDeadline(conn)

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !f.IsActive() {
				return // Stop() closed the socket; exit silently.
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				f.runExpirationPass()
				continue
			}
			logger.Warn().Err(err).Msg("device finder receive failed, stopping")
			f.alert("danger", "device finder stopped unexpectedly",
				"the announcement receive loop exited: "+err.Error())
			if stale, wasActive := f.closeAndDrain(); wasActive {
				f.finishStop(stale)
			}
			return
		}

		f.handleDatagram(buf[:n], src.IP)
		f.runExpirationPass()
	}
}

// setReadDeadline implements the dynamic timeout: block indefinitely while
// the directory is empty, otherwise wake periodically to expire stale
// entries even if no packet arrives.
func (f *Finder) setReadDeadline(conn *net.UDPConn) {
	f.mu.Lock()
	empty := len(f.directory) == 0
	f.mu.Unlock()

	if empty {
		conn.SetReadDeadline(time.Time{})
		return
	}
	conn.SetReadDeadline(time.Now().Add(nonEmptyReadTimeout))
}

func (f *Finder) handleDatagram(buf []byte, src net.IP) {
	if !protocol.IsDeviceAnnouncement(buf) {
		metrics.AnnouncementsRejectedTotal.Inc()
		logger.Debug().Msg("rejected datagram: failed announcement acceptance policy")
		return
	}
	if f.virtualCdj != nil && f.virtualCdj.IsActive() && src.Equal(f.virtualCdj.LocalAddress()) {
		logger.Debug().Str("address", src.String()).Msg("rejected datagram: self-echo")
		return
	}

	parsed, err := protocol.ParseAnnouncement(buf, src, time.Now())
	if err != nil {
		metrics.AnnouncementsRejectedTotal.Inc()
		logger.Debug().Err(err).Msg("rejected datagram: parse failure")
		return
	}
	metrics.AnnouncementsReceivedTotal.Inc()

	ann := interfaces.Announcement{
		Name:      parsed.Name,
		Number:    parsed.Number,
		Address:   parsed.Address,
		MAC:       parsed.MAC,
		Timestamp: parsed.Timestamp,
	}

	key := ann.Address.String()
	f.mu.Lock()
	_, existed := f.directory[key]
	f.directory[key] = ann
	count := len(f.directory)
	f.mu.Unlock()

	metrics.DevicesKnown.Set(float64(count))
	metrics.KnownDeviceInfo.WithLabelValues(strconv.Itoa(ann.Number), ann.Name, key).Set(1)

	if !existed {
		f.notify(interfaces.DeviceFound, ann)
	}
}

func (f *Finder) runExpirationPass() {
	now := time.Now()
	f.mu.Lock()
	expired := f.expireLocked(now)
	f.mu.Unlock()

	f.deliverExpirations(expired)
}

// deliverExpirations releases the metrics label and delivers a device-lost
// notification for each entry expireLocked returned. Callers must not hold
// f.mu.
func (f *Finder) deliverExpirations(expired []interfaces.Announcement) {
	for _, ann := range expired {
		metrics.KnownDeviceInfo.DeleteLabelValues(strconv.Itoa(ann.Number), ann.Name, ann.Address.String())
		f.notify(interfaces.DeviceLost, ann)
	}
}

// expireLocked removes entries older than maxAge and returns them. Callers
// must hold f.mu.
func (f *Finder) expireLocked(now time.Time) []interfaces.Announcement {
	var expired []interfaces.Announcement
	for key, ann := range f.directory {
		if now.Sub(ann.Timestamp) > f.maxAge {
			delete(f.directory, key)
			expired = append(expired, ann)
		}
	}
	metrics.DevicesKnown.Set(float64(len(f.directory)))
	return expired
}

// notify snapshots the listener set and schedules delivery on the
// dispatcher. It never blocks on listener execution.
func (f *Finder) notify(kind interfaces.EventType, ann interfaces.Announcement) {
	if kind == interfaces.DeviceFound {
		metrics.DeviceFoundTotal.Inc()
	} else {
		metrics.DeviceLostTotal.Inc()
	}

	f.listenerMu.Lock()
	snapshot := make([]interfaces.DeviceAnnouncementListener, len(f.listeners))
	copy(snapshot, f.listeners)
	f.listenerMu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	f.dispatcher.Submit(func() {
		for _, l := range snapshot {
			deliverOne(l, kind, ann)
		}
	})
}

func deliverOne(l interfaces.DeviceAnnouncementListener, kind interfaces.EventType, ann interfaces.Announcement) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("event", kind.String()).Msg("listener panicked, continuing")
		}
	}()
	if kind == interfaces.DeviceFound {
		l.DeviceFound(ann)
	} else {
		l.DeviceLost(ann)
	}
}
