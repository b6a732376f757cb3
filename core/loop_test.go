package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"netconsole/protocol"
	"netconsole/protocol/prototest"
)

type chanSource chan protocol.Event

func (s chanSource) Events() <-chan protocol.Event { return s }

type idleDrainer struct {
	ready chan struct{}
	calls int
	work  int
}

func newIdleDrainer() *idleDrainer {
	return &idleDrainer{ready: make(chan struct{}, 1)}
}

func (d *idleDrainer) DrainOne() bool {
	d.calls++
	if d.work > 0 {
		d.work--
		return true
	}
	return false
}

func (d *idleDrainer) Ready() <-chan struct{} { return d.ready }

type recordingSession struct {
	events []protocol.Flags
}

func (s *recordingSession) Appcall(ev protocol.Event) {
	s.events = append(s.events, ev.Flags)
}

func (s *recordingSession) State() string    { return "idle" }
func (s *recordingSession) Queued() int      { return 3 }
func (s *recordingSession) BytesIn() uint64  { return 7 }
func (s *recordingSession) BytesOut() uint64 { return 9 }

type testApp struct {
	name     string
	idle     int
	sessions []*recordingSession
}

func (a *testApp) Name() string   { return a.name }
func (a *testApp) IdlePolls() int { return a.idle }
func (a *testApp) Open(c protocol.Conn) Session {
	s := &recordingSession{}
	a.sessions = append(a.sessions, s)
	return s
}

func newTestLoop() (*Loop, chanSource, *idleDrainer) {
	src := make(chanSource, 16)
	d := newIdleDrainer()
	return NewLoop(src, d, 10*time.Millisecond, zerolog.Nop()), src, d
}

func TestLoopDispatch(t *testing.T) {
	loop, _, _ := newTestLoop()
	app := &testApp{name: "telnet"}
	loop.Register(23, app)

	conn := prototest.NewConn(1, 23, 1460)
	loop.Dispatch(conn.Event(protocol.Connected, ""))
	loop.Dispatch(conn.Event(protocol.NewData, "help\r\n"))

	if loop.Len() != 1 {
		t.Fatalf("Expected 1 connection, got %d", loop.Len())
	}
	if len(app.sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(app.sessions))
	}
	s := app.sessions[0]
	if len(s.events) != 2 || s.events[0] != protocol.Connected || s.events[1] != protocol.NewData {
		t.Errorf("Unexpected events: %v", s.events)
	}

	infos := loop.Connections()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 connection info, got %d", len(infos))
	}
	if infos[0].Service != "telnet" || infos[0].Queued != 3 || infos[0].BytesOut != 9 {
		t.Errorf("Unexpected connection info: %+v", infos[0])
	}

	loop.Dispatch(conn.Event(protocol.Closed, ""))
	if loop.Len() != 0 {
		t.Errorf("Expected connection removed after close, got %d", loop.Len())
	}

	// Events after teardown are dropped
	loop.Dispatch(conn.Event(protocol.NewData, "late"))
	if len(s.events) != 3 {
		t.Errorf("Expected late event to be ignored, got %v", s.events)
	}
}

func TestLoopUnknownPort(t *testing.T) {
	loop, _, _ := newTestLoop()
	conn := prototest.NewConn(1, 8080, 1460)

	loop.Dispatch(conn.Event(protocol.Connected, ""))

	if !conn.IsAborted {
		t.Error("Expected connection on unregistered port to be aborted")
	}
	if loop.Len() != 0 {
		t.Errorf("Expected no connections, got %d", loop.Len())
	}
}

func TestLoopIdleTimeout(t *testing.T) {
	loop, _, _ := newTestLoop()
	web := &testApp{name: "http", idle: 3}
	shell := &testApp{name: "telnet"}
	loop.Register(80, web)
	loop.Register(23, shell)

	a := prototest.NewConn(1, 80, 1460)
	b := prototest.NewConn(2, 23, 1460)
	loop.Dispatch(a.Event(protocol.Connected, ""))
	loop.Dispatch(b.Event(protocol.Connected, ""))

	loop.PollAll()
	loop.PollAll()
	// Activity resets the idle count
	loop.Dispatch(a.Event(protocol.NewData, "x"))
	loop.PollAll()
	loop.PollAll()
	if a.IsAborted {
		t.Fatal("Connection aborted before reaching the idle limit")
	}

	loop.PollAll()
	if !a.IsAborted {
		t.Error("Expected idle connection to be aborted")
	}
	ws := web.sessions[0]
	if last := ws.events[len(ws.events)-1]; last != protocol.TimedOut {
		t.Errorf("Expected final event TimedOut, got %v", last)
	}

	if b.IsAborted {
		t.Error("Connection without idle limit must stay open")
	}
	if loop.Len() != 1 {
		t.Errorf("Expected 1 connection left, got %d", loop.Len())
	}
	polls := 0
	for _, f := range shell.sessions[0].events {
		if f == protocol.Poll {
			polls++
		}
	}
	if polls != 5 {
		t.Errorf("Expected 5 polls, got %d", polls)
	}
}

func TestLoopRun(t *testing.T) {
	loop, src, drainer := newTestLoop()
	app := &testApp{name: "sftp"}
	loop.Register(115, app)
	drainer.work = 2

	conn := prototest.NewConn(1, 115, 1460)
	src <- conn.Event(protocol.Connected, "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := loop.Run(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected deadline error, got %v", err)
	}
	if drainer.work != 0 {
		t.Errorf("Expected queued work to be drained, %d left", drainer.work)
	}
	if !conn.IsAborted {
		t.Error("Expected open connections to be aborted on shutdown")
	}
	s := app.sessions[0]
	if s.events[0] != protocol.Connected || s.events[len(s.events)-1] != protocol.Aborted {
		t.Errorf("Unexpected event sequence: %v", s.events)
	}
	hasPoll := false
	for _, f := range s.events {
		if f == protocol.Poll {
			hasPoll = true
		}
	}
	if !hasPoll {
		t.Error("Expected periodic polls while running")
	}
}
