package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"netconsole/protocol"
)

// DefaultPollInterval is the period of the connection poll tick
const DefaultPollInterval = 500 * time.Millisecond

// App serves every connection accepted on one listening port
type App interface {
	Name() string
	// IdlePolls is the number of polls without activity before a
	// connection is aborted, 0 disables the timeout.
	IdlePolls() int
	// Open creates the protocol state for a new connection
	Open(c protocol.Conn) Session
}

// Session is the protocol state machine of one connection
type Session interface {
	Appcall(ev protocol.Event)
}

// SessionStats is implemented by sessions that report queue usage
type SessionStats interface {
	State() string
	Queued() int
	BytesIn() uint64
	BytesOut() uint64
}

// Drainer is the command bridge as seen by the loop
type Drainer interface {
	DrainOne() bool
	Ready() <-chan struct{}
}

// Connection is one open connection and the session that owns it
type Connection struct {
	Conn    protocol.Conn
	App     App
	Session Session
	Opened  time.Time
	idle    int
}

// ConnInfo is a snapshot of a connection for status reports
type ConnInfo struct {
	ID        uint32
	Service   string
	LocalPort int
	Remote    string
	State     string
	Idle      int
	Age       time.Duration
	Queued    int
	BytesIn   uint64
	BytesOut  uint64
}

// Loop is the single goroutine that owns every connection. It delivers
// transport events to sessions, polls open connections periodically and
// runs queued commands when there is nothing else to do.
type Loop struct {
	src      protocol.EventSource
	drainer  Drainer
	sched    Scheduler
	interval time.Duration
	log      zerolog.Logger

	apps  map[int]App
	conns map[uint32]*Connection
	order []*Connection
}

// NewLoop creates a loop fed by src, draining commands from drainer
func NewLoop(src protocol.EventSource, drainer Drainer, interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Loop{
		src:      src,
		drainer:  drainer,
		interval: interval,
		log:      logger.With().Str("component", "loop").Logger(),
		apps:     make(map[int]App),
		conns:    make(map[uint32]*Connection),
	}
}

// Register routes connections accepted on port to app
func (l *Loop) Register(port int, app App) {
	l.apps[port] = app
	l.log.Debug().Int("port", port).Str("app", app.Name()).Msg("app registered")
}

// Scheduler returns the loop's timer list for additional timers
func (l *Loop) Scheduler() *Scheduler {
	return &l.sched
}

// Len returns the number of open connections
func (l *Loop) Len() int {
	return len(l.order)
}

// Connections returns a snapshot of the open connections in accept order
func (l *Loop) Connections() []ConnInfo {
	now := time.Now()
	infos := make([]ConnInfo, 0, len(l.order))
	for _, c := range l.order {
		info := ConnInfo{
			ID:        c.Conn.ID(),
			Service:   c.App.Name(),
			LocalPort: c.Conn.LocalPort(),
			Remote:    c.Conn.RemoteAddr(),
			Idle:      c.idle,
			Age:       now.Sub(c.Opened),
		}
		if st, ok := c.Session.(SessionStats); ok {
			info.State = st.State()
			info.Queued = st.Queued()
			info.BytesIn = st.BytesIn()
			info.BytesOut = st.BytesOut()
		}
		infos = append(infos, info)
	}
	return infos
}

// Run processes events until ctx is cancelled, then aborts every
// connection.
func (l *Loop) Run(ctx context.Context) error {
	l.sched.Schedule(l.sched.Periodic(time.Now().Add(l.interval), l.interval, func(time.Time) {
		l.PollAll()
	}))

	events := l.src.Events()
	wake := time.NewTimer(l.interval)
	defer wake.Stop()

	for {
		// 1. one pending transport event
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				l.shutdown()
				return nil
			}
			l.Dispatch(ev)
		default:
		}

		// 2. due timers
		l.sched.Dispatch(time.Now())

		// 3. idle work
		if len(events) == 0 && l.drainer.DrainOne() {
			continue
		}

		// 4. nothing to do until something happens
		wait := l.interval
		if next, ok := l.sched.Next(); ok {
			wait = time.Until(next)
		}
		if wait <= 0 {
			continue
		}
		wake.Reset(wait)

		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				l.shutdown()
				return nil
			}
			l.Dispatch(ev)
		case <-wake.C:
		case <-l.drainer.Ready():
		}
	}
}

// Dispatch delivers one transport event to the session owning it
func (l *Loop) Dispatch(ev protocol.Event) {
	defer ev.Release()
	id := ev.Conn.ID()

	if ev.Flags.Has(protocol.Connected) {
		app, ok := l.apps[ev.Conn.LocalPort()]
		if !ok {
			l.log.Warn().Int("port", ev.Conn.LocalPort()).Msg("no app for port, aborting connection")
			ev.Conn.Abort()
			return
		}
		c := &Connection{
			Conn:   ev.Conn,
			App:    app,
			Opened: time.Now(),
		}
		c.Session = app.Open(ev.Conn)
		l.conns[id] = c
		l.order = append(l.order, c)
		l.log.Debug().Uint32("conn", id).Str("app", app.Name()).Str("remote", ev.Conn.RemoteAddr()).Msg("connected")
		c.Session.Appcall(ev)
		return
	}

	c, ok := l.conns[id]
	if !ok {
		// Late event for a connection already torn down
		return
	}
	if !ev.Flags.Has(protocol.Poll) {
		c.idle = 0
	}
	c.Session.Appcall(ev)

	if ev.Flags.Terminal() {
		l.log.Debug().Uint32("conn", id).Stringer("event", ev.Flags).Msg("connection ended")
		l.remove(c)
	}
}

// PollAll gives every open connection its periodic service call and
// aborts those idle for too long.
func (l *Loop) PollAll() {
	conns := make([]*Connection, len(l.order))
	copy(conns, l.order)

	for _, c := range conns {
		c.idle++
		if limit := c.App.IdlePolls(); limit > 0 && c.idle >= limit {
			l.log.Info().Uint32("conn", c.Conn.ID()).Str("app", c.App.Name()).Int("polls", c.idle).Msg("idle timeout, aborting")
			c.Conn.Abort()
			c.Session.Appcall(protocol.Event{Conn: c.Conn, Flags: protocol.TimedOut})
			l.remove(c)
			continue
		}
		c.Session.Appcall(protocol.Event{Conn: c.Conn, Flags: protocol.Poll})
	}
}

func (l *Loop) remove(c *Connection) {
	delete(l.conns, c.Conn.ID())
	for i, oc := range l.order {
		if oc == c {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *Loop) shutdown() {
	conns := make([]*Connection, len(l.order))
	copy(conns, l.order)
	for _, c := range conns {
		c.Conn.Abort()
		c.Session.Appcall(protocol.Event{Conn: c.Conn, Flags: protocol.Aborted})
		l.remove(c)
	}
}
