// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import "net"

// clientSession is the concrete interfaces.ClientSession returned to tasks
// invoked via Manager.InvokeWithClientSession. Request framing and
// transaction semantics over the DBServer protocol are left to the caller;
// this type only owns the socket and identifies the two parties.
type clientSession struct {
	conn         net.Conn
	deviceNumber int
	sourceNumber int
}

func (c *clientSession) DeviceNumber() int { return c.deviceNumber }

// SourceNumber returns the device number this session is posing as, chosen
// by chooseAskingPlayerNumber.
func (c *clientSession) SourceNumber() int { return c.sourceNumber }

func (c *clientSession) Conn() net.Conn { return c.conn }

func (c *clientSession) Close() error { return c.conn.Close() }
