// Package prototest provides an in-memory protocol.Conn for handler tests.
package prototest

import (
	"bytes"

	"netconsole/protocol"
)

// Conn records everything a handler does to its connection. Send accepts
// data only while nothing is in flight, like the TCP adapter; tests call
// Ack to complete the transmission.
type Conn struct {
	Id     uint32
	Port   int
	Remote string
	Mss    int

	Out      bytes.Buffer // Everything ever sent
	InFlight int
	Sends    int

	StopCount    int
	RestartCount int
	IsStopped    bool
	IsClosed     bool
	IsAborted    bool
}

// NewConn creates a connection with the given MSS
func NewConn(id uint32, port, mss int) *Conn {
	return &Conn{Id: id, Port: port, Remote: "192.168.1.10:40000", Mss: mss}
}

func (c *Conn) ID() uint32         { return c.Id }
func (c *Conn) LocalPort() int     { return c.Port }
func (c *Conn) RemoteAddr() string { return c.Remote }
func (c *Conn) MSS() int           { return c.Mss }

func (c *Conn) Send(b []byte) int {
	if c.InFlight > 0 || c.IsClosed || c.IsAborted {
		return 0
	}
	n := len(b)
	if n > c.Mss {
		n = c.Mss
	}
	c.Out.Write(b[:n])
	c.InFlight = n
	c.Sends++
	return n
}

func (c *Conn) Stop() {
	c.StopCount++
	c.IsStopped = true
}

func (c *Conn) Restart() {
	c.RestartCount++
	c.IsStopped = false
}

func (c *Conn) Stopped() bool { return c.IsStopped }
func (c *Conn) Close()        { c.IsClosed = true }
func (c *Conn) Abort()        { c.IsAborted = true }

// Ack completes the outstanding transmission and reports whether one existed
func (c *Conn) Ack() bool {
	if c.InFlight == 0 {
		return false
	}
	c.InFlight = 0
	return true
}

// Event builds an event for this connection
func (c *Conn) Event(flags protocol.Flags, data string) protocol.Event {
	ev := protocol.Event{Conn: c, Flags: flags}
	if data != "" {
		ev.Data = []byte(data)
	}
	return ev
}

// Take returns and clears the recorded output
func (c *Conn) Take() string {
	s := c.Out.String()
	c.Out.Reset()
	return s
}

// Session is anything driven by transport events
type Session interface {
	Appcall(ev protocol.Event)
}

// Pump acknowledges outstanding data and delivers Acked events until the
// session stops sending or the limit is reached.
func Pump(c *Conn, s Session, limit int) {
	for i := 0; i < limit && c.Ack(); i++ {
		s.Appcall(c.Event(protocol.Acked, ""))
	}
}
