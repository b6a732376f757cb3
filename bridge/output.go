package bridge

import (
	"context"
	"fmt"
)

type request struct {
	text  string
	end   bool
	reply chan Status
}

// Output is the stream an interpreter writes a command's results to.
// Every write is handed to the poll loop and returns once the destination
// sink accepted it, so a full connection suspends the interpreter inside
// Write instead of losing data.
type Output struct {
	ctx    context.Context
	reqs   chan request
	ready  chan struct{}
	closed bool
}

func (o *Output) send(text string, end bool) Status {
	r := request{text: text, end: end, reply: make(chan Status, 1)}
	select {
	case o.reqs <- r:
	case <-o.ctx.Done():
		return Closed
	}
	select {
	case o.ready <- struct{}{}:
	default:
	}
	select {
	case st := <-r.reply:
		return st
	case <-o.ctx.Done():
		return Closed
	}
}

// Write delivers p as one fragment
func (o *Output) Write(p []byte) (int, error) {
	return o.WriteString(string(p))
}

// WriteString delivers s as one fragment
func (o *Output) WriteString(s string) (int, error) {
	if o.closed {
		return 0, ErrSinkClosed
	}
	if s == "" {
		return 0, nil
	}
	if o.send(s, false) == Closed {
		o.closed = true
		return 0, ErrSinkClosed
	}
	return len(s), nil
}

// Printf formats and delivers one fragment
func (o *Output) Printf(format string, args ...any) error {
	_, err := o.WriteString(fmt.Sprintf(format, args...))
	return err
}

// Closed reports whether the receiving session has gone away
func (o *Output) Closed() bool {
	return o.closed
}

func (o *Output) end() {
	o.send("", true)
}
