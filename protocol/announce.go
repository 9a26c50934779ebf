// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package protocol provides byte-level helpers for the Pro DJ Link wire
// formats: parsing device announcement broadcasts and framing the DBServer
// port query. It has no dependencies beyond the standard library, since the
// layouts are fixed-width and proprietary rather than a documented format
// any third-party parser could target.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Announcement byte offsets and sizes within a 54-byte device announcement
// datagram.
const (
	AnnouncementLength = 54

	headerOffset = 0
	headerLength = 10

	packetTypeOffset = 10

	nameOffset = 12
	nameLength = 20

	deviceNumberOffset = 36

	macOffset = 38
	macLength = 6

	selfReportedIPOffset = 44
)

// PacketTypeDeviceAnnouncement is the byte at packetTypeOffset for a device
// announcement (as opposed to other Pro DJ Link packet types this library
// does not need to distinguish).
const PacketTypeDeviceAnnouncement = 0x06

var zeroHeader = make([]byte, headerLength)

// Announcement is a single sighting of a device, decoded from a UDP
// announcement broadcast.
type Announcement struct {
	Name      string
	Number    int
	Address   net.IP
	MAC       net.HardwareAddr
	Timestamp time.Time
}

// ValidateHeader reports whether buf begins with the fixed Pro DJ Link magic
// header (ten zero bytes) followed by the device-announcement packet type.
// It does not check overall length.
func ValidateHeader(buf []byte) bool {
	if len(buf) < packetTypeOffset+1 {
		return false
	}
	if !bytes.Equal(buf[headerOffset:headerOffset+headerLength], zeroHeader) {
		return false
	}
	return buf[packetTypeOffset] == PacketTypeDeviceAnnouncement
}

// IsDeviceAnnouncement reports whether buf is acceptable as a device
// announcement datagram: exact length, valid header, and valid packet type.
// It does not check the source address; callers apply the self-echo check
// separately since it depends on runtime VirtualCdj state.
func IsDeviceAnnouncement(buf []byte) bool {
	return len(buf) == AnnouncementLength && ValidateHeader(buf)
}

// ParseAnnouncement decodes an accepted announcement datagram. Callers must
// have already validated the datagram with IsDeviceAnnouncement; ParseAnnouncement
// re-validates length defensively and returns a *protocol error* (via a plain
// error, since the receiver loop only logs it) rather than panicking on a
// malformed buffer.
func ParseAnnouncement(buf []byte, src net.IP, now time.Time) (*Announcement, error) {
	if len(buf) != AnnouncementLength {
		return nil, fmt.Errorf("announcement: expected %d bytes, got %d", AnnouncementLength, len(buf))
	}
	if !ValidateHeader(buf) {
		return nil, fmt.Errorf("announcement: invalid header or packet type")
	}

	name := decodeName(buf[nameOffset : nameOffset+nameLength])
	number := int(buf[deviceNumberOffset])
	mac := make(net.HardwareAddr, macLength)
	copy(mac, buf[macOffset:macOffset+macLength])

	return &Announcement{
		Name:      name,
		Number:    number,
		Address:   src,
		MAC:       mac,
		Timestamp: now,
	}, nil
}

// decodeName trims trailing NUL padding from a fixed-width ASCII field.
func decodeName(field []byte) string {
	if idx := bytes.IndexByte(field, 0); idx >= 0 {
		return string(field[:idx])
	}
	return string(field)
}

// SelfReportedIP extracts the device's self-reported IPv4 address from an
// announcement buffer. This is parsed for completeness but is not trusted in
// place of the UDP source address.
func SelfReportedIP(buf []byte) net.IP {
	if len(buf) < selfReportedIPOffset+4 {
		return nil
	}
	return net.IPv4(buf[selfReportedIPOffset], buf[selfReportedIPOffset+1], buf[selfReportedIPOffset+2], buf[selfReportedIPOffset+3])
}

// DBServer port-query framing.
const (
	// DBServerQueryPort is the fixed TCP port every Pro DJ Link player
	// listens on to answer "what port is your real DBServer on" queries.
	DBServerQueryPort = 12523

	queryToken = "RemoteDBServer"
)

// EncodePortQuery returns the fixed 19-byte DBServer port-query request
// frame: a 4-byte big-endian length prefix, the ASCII literal "RemoteDBServer",
// and a single trailing zero byte.
func EncodePortQuery() []byte {
	buf := make([]byte, 4+len(queryToken)+1)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(queryToken)+1))
	copy(buf[4:4+len(queryToken)], queryToken)
	buf[len(buf)-1] = 0
	return buf
}

// DecodePortResponse interprets a DBServer port-query response. A response of
// any length is tolerated: if at least 2 bytes were read, the first 2 are
// parsed as a big-endian port number, along with a boolean indicating whether
// the response was the expected exact length. If fewer than 2 bytes were
// read, port is 0 and exactLength is false.
func DecodePortResponse(buf []byte) (port int, exactLength bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(buf[:2])), len(buf) == 2
}
