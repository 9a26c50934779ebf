// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package finder

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jessesrsmith/beat-link/pkg/interfaces"
)

// recordingListener collects delivered events for assertions. Safe for
// concurrent use since the dispatcher only ever runs one callback at a time,
// but tests may still read from another goroutine.
type recordingListener struct {
	mu    sync.Mutex
	found []interfaces.Announcement
	lost  []interfaces.Announcement
}

func (r *recordingListener) DeviceFound(ann interfaces.Announcement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, ann)
}

func (r *recordingListener) DeviceLost(ann interfaces.Announcement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, ann)
}

func (r *recordingListener) counts() (found, lost int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.found), len(r.lost)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestFinder_NotActiveBeforeStart(t *testing.T) {
	f := New(NewSerialDispatcher(), nil)
	if f.IsActive() {
		t.Fatal("expected new finder to be inactive")
	}
	if _, err := f.CurrentDevices(); err == nil {
		t.Fatal("expected NotActiveError from CurrentDevices before Start")
	}
	if _, err := f.StartTime(); err == nil {
		t.Fatal("expected NotActiveError from StartTime before Start")
	}
}

func TestFinder_HandleDatagram_FoundAndExpire(t *testing.T) {
	dispatcher := NewSerialDispatcher()
	defer dispatcher.Close()
	listener := &recordingListener{}

	f := New(dispatcher, nil)
	f.SetMaxAge(50 * time.Millisecond)
	f.active = true // exercise handleDatagram directly without a real socket
	f.AddListener(listener)

	src := net.ParseIP("192.168.1.10")
	buf := validAnnouncementBuf("CDJ-2000", 2, [6]byte{1, 2, 3, 4, 5, 6})

	f.handleDatagram(buf, src)
	waitFor(t, time.Second, func() bool {
		found, _ := listener.counts()
		return found == 1
	})

	// A repeat announcement from the same address updates the timestamp but
	// produces no additional notification.
	f.handleDatagram(buf, src)
	found, lost := listener.counts()
	if found != 1 || lost != 0 {
		t.Fatalf("after keepalive: found=%d lost=%d, want found=1 lost=0", found, lost)
	}

	time.Sleep(80 * time.Millisecond)
	f.runExpirationPass()
	waitFor(t, time.Second, func() bool {
		_, lost := listener.counts()
		return lost == 1
	})
}

func TestFinder_SelfEchoSuppressed(t *testing.T) {
	dispatcher := NewSerialDispatcher()
	defer dispatcher.Close()
	listener := &recordingListener{}

	vcdj := &fakeVirtualCdj{active: true, local: net.ParseIP("192.168.1.50")}
	f := New(dispatcher, vcdj)
	f.active = true
	f.AddListener(listener)

	buf := validAnnouncementBuf("Virtual CDJ", 5, [6]byte{})
	f.handleDatagram(buf, net.ParseIP("192.168.1.50"))

	time.Sleep(20 * time.Millisecond)
	found, _ := listener.counts()
	if found != 0 {
		t.Fatalf("expected self-echo to be suppressed, got %d found notifications", found)
	}

	vcdj.active = false
	f.handleDatagram(buf, net.ParseIP("192.168.1.50"))
	waitFor(t, time.Second, func() bool {
		found, _ := listener.counts()
		return found == 1
	})
}

func TestFinder_RejectsWrongLength(t *testing.T) {
	f := New(NewSerialDispatcher(), nil)
	f.active = true
	f.handleDatagram(make([]byte, 10), net.ParseIP("10.0.0.1"))

	f.mu.Lock()
	n := len(f.directory)
	f.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no directory entries for rejected datagram, got %d", n)
	}
}

func TestFinder_AddRemoveListener_Idempotent(t *testing.T) {
	f := New(NewSerialDispatcher(), nil)
	l := &recordingListener{}

	f.AddListener(nil)
	f.AddListener(l)
	f.AddListener(l) // duplicate add is a no-op
	if len(f.listeners) != 1 {
		t.Fatalf("listeners = %d, want 1", len(f.listeners))
	}

	f.RemoveListener(nil)
	f.RemoveListener(l)
	f.RemoveListener(l) // duplicate remove is a no-op
	if len(f.listeners) != 0 {
		t.Fatalf("listeners = %d, want 0", len(f.listeners))
	}
}

func TestFinder_StopDrainsDirectoryAndNotifiesLost(t *testing.T) {
	dispatcher := NewSerialDispatcher()
	defer dispatcher.Close()
	listener := &recordingListener{}

	f := New(dispatcher, nil)
	f.active = true
	f.AddListener(listener)

	f.handleDatagram(validAnnouncementBuf("CDJ-2000", 2, [6]byte{1}), net.ParseIP("192.168.1.10"))
	f.handleDatagram(validAnnouncementBuf("CDJ-3000", 3, [6]byte{2}), net.ParseIP("192.168.1.11"))

	waitFor(t, time.Second, func() bool {
		found, _ := listener.counts()
		return found == 2
	})

	f.Stop()
	waitFor(t, time.Second, func() bool {
		_, lost := listener.counts()
		return lost == 2
	})

	if f.IsActive() {
		t.Fatal("expected finder to be inactive after Stop")
	}
}

type fakeVirtualCdj struct {
	active bool
	local  net.IP
	number int
}

func (v *fakeVirtualCdj) IsActive() bool       { return v.active }
func (v *fakeVirtualCdj) LocalAddress() net.IP { return v.local }
func (v *fakeVirtualCdj) DeviceNumber() int    { return v.number }
func (v *fakeVirtualCdj) LatestStatusFor(int) (interfaces.Status, bool) {
	return interfaces.Status{}, false
}

func validAnnouncementBuf(name string, number byte, mac [6]byte) []byte {
	const (
		length             = 54
		packetTypeOffset   = 10
		packetType         = 0x06
		nameOffset         = 12
		nameLength         = 20
		deviceNumberOffset = 36
		macOffset          = 38
		macLength          = 6
	)
	buf := make([]byte, length)
	buf[packetTypeOffset] = packetType
	copy(buf[nameOffset:nameOffset+nameLength], name)
	buf[deviceNumberOffset] = number
	copy(buf[macOffset:macOffset+macLength], mac[:])
	return buf
}

func FuzzFinder_HandleDatagram(f *testing.F) {
	f.Add(validAnnouncementBuf("CDJ-2000", 2, [6]byte{1, 2, 3, 4, 5, 6}))
	f.Add(make([]byte, 0))
	f.Add(make([]byte, 54))
	f.Add(make([]byte, 1000))

	fdr := New(NewSerialDispatcher(), nil)
	fdr.active = true

	f.Fuzz(func(t *testing.T, buf []byte) {
		fdr.handleDatagram(buf, net.ParseIP("127.0.0.1"))
	})
}
