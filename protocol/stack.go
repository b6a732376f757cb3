package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// StackConfig holds the TCP adapter settings
type StackConfig struct {
	MSS          int           // Largest segment handed to Send
	MaxConns     int           // Connection table size
	AcceptRate   float64       // New connections per second, 0 = unlimited
	WriteTimeout time.Duration // Deadline for one segment write
	EventBuffer  int           // Depth of the event channel
}

// DefaultStackConfig returns the settings used by the device
func DefaultStackConfig() StackConfig {
	return StackConfig{
		MSS:          DefaultMSS,
		MaxConns:     DefaultMaxConns,
		AcceptRate:   20,
		WriteTimeout: 10 * time.Second,
		EventBuffer:  64,
	}
}

// Stack adapts operating system TCP sockets to the connection event model.
// Every socket gets a reader goroutine posting Connected/NewData/terminal
// events and a writer goroutine posting Acked once a segment is written.
// Connection state itself is only touched by the poll loop.
type Stack struct {
	cfg     StackConfig
	log     zerolog.Logger
	limiter *rate.Limiter

	events chan Event
	nextID atomic.Uint32
	active atomic.Int32

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[uint32]*tcpConn

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStack creates a stack with no listeners
func NewStack(cfg StackConfig, logger zerolog.Logger) *Stack {
	def := DefaultStackConfig()
	if cfg.MSS <= 0 {
		cfg.MSS = def.MSS
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	return &Stack{
		cfg:      cfg,
		log:      logger.With().Str("component", "stack").Logger(),
		limiter:  rate.NewLimiter(limit, cfg.MaxConns),
		events:   make(chan Event, cfg.EventBuffer),
		conns:    make(map[uint32]*tcpConn),
		stopChan: make(chan struct{}),
	}
}

// Events returns the channel the poll loop consumes
func (s *Stack) Events() <-chan Event {
	return s.events
}

// Listen starts accepting connections on addr and returns the bound port
func (s *Stack) Listen(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln, port)

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return port, nil
}

func (s *Stack) acceptLoop(ln net.Listener, port int) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.limiter.Allow() {
			s.log.Warn().Str("remote", nc.RemoteAddr().String()).Msg("accept rate exceeded, dropping connection")
			nc.Close()
			continue
		}
		if int(s.active.Load()) >= s.cfg.MaxConns {
			s.log.Warn().Str("remote", nc.RemoteAddr().String()).Msg("connection table full, dropping connection")
			nc.Close()
			continue
		}

		c := &tcpConn{
			stack:  s,
			id:     s.nextID.Add(1),
			nc:     nc,
			lport:  port,
			remote: nc.RemoteAddr().String(),
			wch:    make(chan []byte, 1),
		}
		c.cond = sync.NewCond(&c.mu)

		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		s.active.Add(1)

		s.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

// post hands an event to the poll loop unless the stack is shutting down
func (s *Stack) post(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stopChan:
	}
}

func (s *Stack) remove(c *tcpConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.active.Add(-1)
}

// Active returns the number of open connections
func (s *Stack) Active() int {
	return int(s.active.Load())
}

// Close stops all listeners, resets every connection and waits for the
// socket goroutines to exit.
func (s *Stack) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)

		s.mu.Lock()
		for _, ln := range s.listeners {
			ln.Close()
		}
		conns := make([]*tcpConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.Abort()
		}
	})
	s.wg.Wait()
	return nil
}

// closeLinger bounds how long a gracefully closed socket waits for the
// peer to close its side
const closeLinger = 5 * time.Second

// tcpConn is one accepted socket
type tcpConn struct {
	stack  *Stack
	id     uint32
	nc     net.Conn
	lport  int
	remote string

	mu       sync.Mutex
	cond     *sync.Cond
	stopped  bool
	unread   bool // a NewData event is waiting to be released
	inflight bool
	closing  bool
	aborted  bool
	done     bool

	wch          chan []byte
	shutdownOnce sync.Once
	terminalOnce sync.Once
}

func (c *tcpConn) ID() uint32         { return c.id }
func (c *tcpConn) LocalPort() int     { return c.lport }
func (c *tcpConn) RemoteAddr() string { return c.remote }
func (c *tcpConn) MSS() int           { return c.stack.cfg.MSS }

func (c *tcpConn) Send(b []byte) int {
	c.mu.Lock()
	if c.inflight || c.closing || c.done || len(b) == 0 {
		c.mu.Unlock()
		return 0
	}
	n := len(b)
	if n > c.stack.cfg.MSS {
		n = c.stack.cfg.MSS
	}
	seg := make([]byte, n)
	copy(seg, b)
	c.inflight = true
	// Never blocks: the channel has room for the single in-flight segment
	c.wch <- seg
	c.mu.Unlock()
	return n
}

func (c *tcpConn) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *tcpConn) Restart() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *tcpConn) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *tcpConn) Close() {
	c.mu.Lock()
	if c.closing || c.done {
		c.mu.Unlock()
		return
	}
	c.closing = true
	pending := c.inflight
	c.mu.Unlock()

	if !pending {
		c.shutdown()
	}
}

func (c *tcpConn) Abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()

	if tc, ok := c.nc.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	c.shutdown()
	c.nc.Close()
}

// shutdown stops the connection. Unless it was aborted the socket is only
// half closed: the peer reads everything sent before the FIN while the
// reader discards whatever still arrives, then reports the terminal event.
func (c *tcpConn) shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.done = true
		aborted := c.aborted
		close(c.wch)
		c.mu.Unlock()
		c.cond.Broadcast()

		if tc, ok := c.nc.(*net.TCPConn); ok && !aborted {
			tc.CloseWrite()
			tc.SetReadDeadline(time.Now().Add(closeLinger))
			return
		}
		c.nc.Close()
	})
}

func (c *tcpConn) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// drain discards input until the peer closes or the linger time ends
func (c *tcpConn) drain() {
	io.Copy(io.Discard, c.nc)
}

// released returns the read credit once the poll loop handled a NewData
// event
func (c *tcpConn) released() {
	c.mu.Lock()
	c.unread = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// waitRunning blocks while delivery is stopped or the last segment has not
// been released. It returns false once the connection is shut down.
func (c *tcpConn) waitRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for (c.stopped || c.unread) && !c.done {
		c.cond.Wait()
	}
	return !c.done
}

func (c *tcpConn) readLoop() {
	defer c.stack.wg.Done()

	c.stack.post(Event{Conn: c, Flags: Connected})

	buf := make([]byte, c.stack.cfg.MSS)
	for {
		if !c.waitRunning() {
			c.drain()
			c.terminate(nil)
			return
		}
		n, err := c.nc.Read(buf)
		if n > 0 && !c.isDone() {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.mu.Lock()
			c.unread = true
			c.mu.Unlock()
			c.stack.post(Event{Conn: c, Flags: NewData, Data: data, release: c.released})
		}
		if err != nil {
			c.terminate(err)
			return
		}
	}
}

func (c *tcpConn) writeLoop() {
	defer c.stack.wg.Done()

	for seg := range c.wch {
		c.nc.SetWriteDeadline(time.Now().Add(c.stack.cfg.WriteTimeout))
		if _, err := c.nc.Write(seg); err != nil {
			c.stack.log.Debug().Uint32("conn", c.id).Err(err).Msg("write failed")
			c.Abort()
			return
		}

		c.mu.Lock()
		c.inflight = false
		closing := c.closing
		c.mu.Unlock()

		if closing {
			c.shutdown()
			return
		}
		c.stack.post(Event{Conn: c, Flags: Acked})
	}
}

// terminate reports exactly one terminal event for the connection
func (c *tcpConn) terminate(err error) {
	c.terminalOnce.Do(func() {
		c.shutdown()
		c.nc.Close()
		c.stack.remove(c)

		c.mu.Lock()
		closing, aborted := c.closing, c.aborted
		c.mu.Unlock()

		var flags Flags
		var ne net.Error
		switch {
		case aborted:
			flags = Aborted
		case closing:
			flags = Closed
		case err == nil || errors.Is(err, io.EOF):
			flags = Closed
		case errors.As(err, &ne) && ne.Timeout():
			flags = TimedOut
		default:
			flags = Aborted
		}
		c.stack.log.Debug().Uint32("conn", c.id).Str("remote", c.remote).Stringer("event", flags).Msg("connection ended")
		c.stack.post(Event{Conn: c, Flags: flags})
	})
}
