package protocol

import "strings"

// Flags is the set of events reported for a connection in one call
type Flags uint8

const (
	Connected Flags = 1 << iota // New connection accepted
	NewData                     // Data arrived, carried in Event.Data
	Acked                       // Previously sent data was acknowledged
	Poll                        // Periodic poll, nothing else happened
	Closed                      // Connection closed by either side
	Aborted                     // Connection reset or aborted
	TimedOut                    // Connection timed out
)

// Terminal reports whether the flags end the connection
func (f Flags) Terminal() bool {
	return f&(Closed|Aborted|TimedOut) != 0
}

// Has reports whether any flag in mask is set
func (f Flags) Has(mask Flags) bool {
	return f&mask != 0
}

func (f Flags) String() string {
	names := []string{"connected", "newdata", "acked", "poll", "closed", "aborted", "timedout"}
	var parts []string
	for i, name := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event is one notification from the transport for a single connection
type Event struct {
	Conn  Conn
	Flags Flags
	Data  []byte // Valid when NewData is set; owned by the receiver

	release func()
}

// Release tells the transport the event has been handled. A transport
// delivers at most one unreleased NewData event per connection, so a Stop
// issued while handling it takes effect before anything more is read.
func (ev Event) Release() {
	if ev.release != nil {
		ev.release()
	}
}

// Conn is the transport handle of one TCP connection.
//
// Methods are called from the poll loop only. Send never blocks: it accepts
// at most MSS bytes and only while no earlier data is waiting for its
// acknowledgement, in which case it returns 0.
type Conn interface {
	ID() uint32
	LocalPort() int
	RemoteAddr() string
	MSS() int

	// Send queues up to MSS bytes and returns the number accepted
	Send(b []byte) int

	// Stop asks the transport to stop delivering new data
	Stop()
	// Restart resumes delivery after Stop
	Restart()
	// Stopped reports whether delivery is currently stopped
	Stopped() bool

	// Close closes the connection once in-flight data is acknowledged
	Close()
	// Abort resets the connection immediately
	Abort()
}

// EventSource delivers transport events to the poll loop
type EventSource interface {
	Events() <-chan Event
}
