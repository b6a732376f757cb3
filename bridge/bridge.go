// Package bridge queues command lines submitted by network sessions,
// runs them one at a time through an interpreter and relays the output
// back to the session that asked, with backpressure.
package bridge

import (
	"context"
	"errors"
)

// Destination ids. Each service owns one id and registers one sink for it.
const (
	DestNull   = 0
	DestHTTP   = 1
	DestTelnet = 2
)

// Status is a sink's answer to one delivery
type Status int

const (
	Accepted     Status = iota // Fragment taken
	Backpressure               // No room now, offer the same fragment again later
	Closed                     // Receiver is gone, stop delivering
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Backpressure:
		return "backpressure"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ErrSinkClosed is returned by Output writes once the receiving session
// has gone away.
var ErrSinkClosed = errors.New("result sink closed")

// ResultSink receives the output of commands sent to one destination.
// Write is called zero or more times per command, then End exactly once.
type ResultSink interface {
	Write(fragment string) Status
	End() Status
}

// SinkFunc adapts a function to ResultSink; end is set for the end marker
type SinkFunc func(fragment string, end bool) Status

func (f SinkFunc) Write(fragment string) Status { return f(fragment, false) }
func (f SinkFunc) End() Status                  { return f("", true) }

type nullSink struct{}

func (nullSink) Write(string) Status { return Accepted }
func (nullSink) End() Status         { return Accepted }

// NullSink accepts and discards everything
var NullSink ResultSink = nullSink{}

// Interpreter executes one command line, writing its output to out
type Interpreter interface {
	Execute(ctx context.Context, command string, out *Output) error
}

// InterpreterFunc adapts a function to Interpreter
type InterpreterFunc func(ctx context.Context, command string, out *Output) error

func (f InterpreterFunc) Execute(ctx context.Context, command string, out *Output) error {
	return f(ctx, command, out)
}

// PendingCommand is a queued command line and the destination of its output
type PendingCommand struct {
	Text string
	Dest int
}
