package protocol

// Throttle identifies why a connection's input is stopped. Reasons are
// tracked independently and the transport runs only when none is set.
type Throttle uint8

const (
	ThrottleInput   Throttle = 1 << iota // Unconsumed input is filling the ring
	ThrottleBacklog                      // Too many commands waiting in the bridge
)

// PSock is the per-connection byte stream a protocol handler reads and
// writes through. Handlers are explicit state machines; PSock keeps what
// must survive between two service calls: unconsumed input, the partially
// read line and the output queue. A read that runs out of input returns
// false and resumes at the same point when more data is fed.
type PSock struct {
	conn Conn
	mss  int

	in        *Ring
	line      []byte
	size      int
	skipping  bool
	truncated int

	out      *OutputQueue
	offered  int
	closing  bool
	throttle Throttle

	bytesIn uint64
}

// NewPSock creates the stream state for conn with a line buffer of
// lineSize bytes and an output queue of slots chunks.
func NewPSock(conn Conn, lineSize, slots int) *PSock {
	mss := conn.MSS()
	if mss <= 0 {
		mss = DefaultMSS
	}
	if lineSize <= 0 {
		lineSize = 128
	}
	return &PSock{
		conn: conn,
		mss:  mss,
		in:   NewRing(InputRingSegments * mss),
		line: make([]byte, 0, lineSize),
		size: lineSize,
		out:  NewOutputQueue(slots, ChunkMax, mss),
	}
}

// Conn returns the transport handle
func (p *PSock) Conn() Conn {
	return p.conn
}

// Output returns the output queue
func (p *PSock) Output() *OutputQueue {
	return p.out
}

// Feed stores a newly arrived segment. It returns the number of bytes that
// did not fit, which is zero as long as the transport honours Stop.
func (p *PSock) Feed(data []byte) int {
	n := p.in.Write(data)
	p.bytesIn += uint64(n)
	if p.in.Free() < InputStopSegments*p.mss {
		p.Throttle(ThrottleInput, true)
	}
	return len(data) - n
}

// Buffered returns the number of received bytes not consumed yet
func (p *PSock) Buffered() int {
	return p.in.Available()
}

// BytesIn returns the total number of bytes received
func (p *PSock) BytesIn() uint64 {
	return p.bytesIn
}

// Truncations returns how many lines were cut at the buffer size
func (p *PSock) Truncations() int {
	return p.truncated
}

func (p *PSock) consumed() {
	if p.throttle&ThrottleInput != 0 && p.in.Free() >= InputStopSegments*p.mss {
		p.Throttle(ThrottleInput, false)
	}
}

// NextByte consumes one byte of input
func (p *PSock) NextByte() (byte, bool) {
	c, ok := p.in.PopByte()
	if ok {
		p.consumed()
	}
	return c, ok
}

// PutByte adds c to the line being accumulated. It returns the line,
// delimiter included, once delim is seen. A line reaching the buffer size
// is returned truncated and the rest of it, up to delim, is discarded.
func (p *PSock) PutByte(c, delim byte) (string, bool) {
	if p.skipping {
		if c == delim {
			p.skipping = false
		}
		return "", false
	}
	p.line = append(p.line, c)
	if c == delim {
		s := string(p.line)
		p.line = p.line[:0]
		return s, true
	}
	if len(p.line) >= p.size {
		s := string(p.line)
		p.line = p.line[:0]
		p.skipping = true
		p.truncated++
		return s, true
	}
	return "", false
}

// ReadTo consumes input up to and including delim
func (p *PSock) ReadTo(delim byte) (string, bool) {
	for {
		c, ok := p.in.PopByte()
		if !ok {
			p.consumed()
			return "", false
		}
		if line, done := p.PutByte(c, delim); done {
			p.consumed()
			return line, true
		}
	}
}

// ReadN consumes up to limit raw bytes of input
func (p *PSock) ReadN(limit int) []byte {
	if limit <= 0 || p.in.IsEmpty() {
		return nil
	}
	n := p.in.Available()
	if n > limit {
		n = limit
	}
	buf := make([]byte, n)
	p.in.Read(buf)
	p.consumed()
	return buf
}

// Send queues b for transmission, all or nothing
func (p *PSock) Send(b []byte) bool {
	return p.out.Enqueue(b)
}

// SendString queues s for transmission, all or nothing
func (p *PSock) SendString(s string) bool {
	return p.out.Enqueue([]byte(s))
}

// Offer queues a fragment that may be larger than the free queue space.
// It returns false when only part of it was taken; the caller offers the
// same fragment again later and the part already queued is skipped.
func (p *PSock) Offer(fragment string) bool {
	if p.offered > len(fragment) {
		p.offered = 0
	}
	rest := fragment[p.offered:]
	n := p.out.EnqueueSome([]byte(rest))
	if n < len(rest) {
		p.offered += n
		return false
	}
	p.offered = 0
	return true
}

// CanSend reports whether n bytes would be accepted by Send
func (p *PSock) CanSend(n int) bool {
	return p.out.Fits(n)
}

// Acked releases the acknowledged part of the output queue
func (p *PSock) Acked() {
	p.out.Ack()
}

// Transmit sends queued output if the connection can take it, and
// completes a pending Close once everything has been acknowledged.
func (p *PSock) Transmit() {
	if p.out.Pending() {
		p.out.Transmit(p.conn)
		return
	}
	if p.closing {
		p.conn.Close()
	}
}

// Close closes the connection after the queued output is delivered
func (p *PSock) Close() {
	p.closing = true
	p.Transmit()
}

// Closing reports whether Close was requested
func (p *PSock) Closing() bool {
	return p.closing
}

// Abort drops queued output and resets the connection
func (p *PSock) Abort() {
	p.Release()
	p.conn.Abort()
}

// Release frees all buffered input and output
func (p *PSock) Release() {
	p.out.Reset()
	p.in.Reset()
	p.offered = 0
	p.line = p.line[:0]
	p.skipping = false
}

// Throttle sets or clears one flow control reason and stops or restarts
// the transport accordingly.
func (p *PSock) Throttle(reason Throttle, on bool) {
	before := p.throttle
	if on {
		p.throttle |= reason
	} else {
		p.throttle &^= reason
	}
	switch {
	case before == 0 && p.throttle != 0:
		p.conn.Stop()
	case before != 0 && p.throttle == 0:
		p.conn.Restart()
	}
}

// Throttled reports whether reason is currently set
func (p *PSock) Throttled(reason Throttle) bool {
	return p.throttle&reason != 0
}
