// Package telnetd implements the command shell served over Telnet.
//
// Each connection runs a byte level option negotiator in front of a line
// reader. Lines naming a local command are answered by the shell itself;
// anything else is submitted to the command bridge and its output is
// streamed back through the service's result sink, followed by the prompt.
package telnetd

import (
	"strings"

	"github.com/rs/zerolog"

	"netconsole/bridge"
	"netconsole/core"
	"netconsole/protocol"
)

const (
	Banner = "Netconsole command shell\r\n"
	Prompt = "> "
)

// Telnet protocol bytes
const (
	IAC  = 255
	WILL = 251
	WONT = 252
	DO   = 253
	DONT = 254

	// OptPrompt is the private option a client uses to switch prompts off
	// (DONT) and back on (DO), for streaming tools.
	OptPrompt = 0x55
)

// Input is processed only while at least this many output slots are free,
// so local command output and option replies always have room.
const inputReserve = 8

// Bridge is the part of the command bridge the shell uses
type Bridge interface {
	Submit(text string, dest int) int
	Len() int
	RegisterSink(dest int, sink bridge.ResultSink)
}

// ConnLister reports the open connections for netstat
type ConnLister interface {
	Connections() []core.ConnInfo
}

// Config holds the shell settings
type Config struct {
	IdlePolls    int
	LineSize     int
	OutputSlots  int
	ThrottleHigh int // Stop reading above this bridge depth
	ThrottleLow  int // Resume below this depth
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		IdlePolls:    0,
		LineSize:     132,
		OutputSlots:  16,
		ThrottleHigh: 10,
		ThrottleLow:  5,
	}
}

// Service is the Telnet shell application. It is also the result sink for
// bridge.DestTelnet.
type Service struct {
	cfg      Config
	bridge   Bridge
	conns    ConnLister
	commands *core.CommandRegistry
	log      zerolog.Logger

	// Sessions that submitted commands, one entry per command, oldest
	// first. Commands run in submission order so the head owns the
	// command currently producing output.
	origins []*Session
}

// New creates the shell service and registers its sink with b
func New(cfg Config, b Bridge, conns ConnLister, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.LineSize <= 0 {
		cfg.LineSize = def.LineSize
	}
	if cfg.OutputSlots <= 0 {
		cfg.OutputSlots = def.OutputSlots
	}
	if cfg.ThrottleHigh <= 0 {
		cfg.ThrottleHigh = def.ThrottleHigh
	}
	if cfg.ThrottleLow <= 0 {
		cfg.ThrottleLow = def.ThrottleLow
	}

	s := &Service{
		cfg:      cfg,
		bridge:   b,
		conns:    conns,
		commands: core.NewCommandRegistry(),
		log:      logger.With().Str("component", "telnetd").Logger(),
	}
	s.registerCommands()
	b.RegisterSink(bridge.DestTelnet, s)
	return s
}

func (s *Service) Name() string   { return "telnet" }
func (s *Service) IdlePolls() int { return s.cfg.IdlePolls }

// Commands returns the local command table
func (s *Service) Commands() *core.CommandRegistry {
	return s.commands
}

// Open creates the shell state for a new connection
func (s *Service) Open(c protocol.Conn) core.Session {
	return &Session{
		svc:    s,
		ps:     protocol.NewPSock(c, s.cfg.LineSize, s.cfg.OutputSlots),
		prompt: true,
	}
}

func (s *Service) head() *Session {
	if len(s.origins) == 0 {
		return nil
	}
	return s.origins[0]
}

func (s *Service) pop() {
	if len(s.origins) == 0 {
		return
	}
	sess := s.origins[0]
	s.origins[0] = nil
	s.origins = s.origins[1:]
	sess.running--
}

// Write delivers a fragment of command output to the session that
// submitted the command. A fragment larger than the free queue space is
// taken in parts across retries.
func (s *Service) Write(fragment string) bridge.Status {
	sess := s.head()
	if sess == nil {
		return bridge.Closed
	}
	if sess.gone() {
		s.pop()
		return bridge.Closed
	}

	done := sess.ps.Offer(fragment)
	sess.ps.Transmit()
	if !done {
		return bridge.Backpressure
	}
	return bridge.Accepted
}

// End completes the head command and sends the prompt
func (s *Service) End() bridge.Status {
	sess := s.head()
	if sess == nil {
		return bridge.Closed
	}
	if sess.gone() {
		s.pop()
		return bridge.Closed
	}
	if !sess.sendPrompt() {
		return bridge.Backpressure
	}
	s.pop()
	sess.ps.Transmit()
	return bridge.Accepted
}

type optState uint8

const (
	optNormal optState = iota
	optIAC
	optWill
	optWont
	optDo
	optDont
)

// Session is one shell connection
type Session struct {
	svc *Service
	ps  *protocol.PSock

	opt     optState
	prompt  bool
	closed  bool
	running int // Commands submitted and not yet ended

	// producer generates local command output that does not fit the
	// queue at once. Input waits until it is exhausted.
	producer func() (string, bool)
	held     string
}

// Appcall handles one transport event
func (s *Session) Appcall(ev protocol.Event) {
	if ev.Flags.Terminal() {
		s.closed = true
		s.producer = nil
		s.held = ""
		s.ps.Release()
		return
	}

	if ev.Flags.Has(protocol.Connected) {
		s.ps.SendString(Banner)
		s.sendPrompt()
	}
	if ev.Flags.Has(protocol.Acked) {
		s.ps.Acked()
	}
	if ev.Flags.Has(protocol.NewData) {
		if lost := s.ps.Feed(ev.Data); lost > 0 {
			s.svc.log.Warn().Uint32("conn", s.ps.Conn().ID()).Int("bytes", lost).Msg("input overrun, aborting")
			s.ps.Abort()
			return
		}
	}

	s.process()

	if ev.Flags.Has(protocol.Poll) || ev.Flags.Has(protocol.Acked) {
		if s.ps.Throttled(protocol.ThrottleBacklog) && s.svc.bridge.Len() < s.svc.cfg.ThrottleLow {
			s.ps.Throttle(protocol.ThrottleBacklog, false)
		}
	}

	s.ps.Transmit()
}

func (s *Session) gone() bool {
	return s.closed || s.ps.Closing()
}

func (s *Session) reserve() int {
	if n := s.ps.Output().Slots(); n < inputReserve {
		return n
	}
	return inputReserve
}

// process runs pending local output, then consumes input while there is
// room for its replies.
func (s *Session) process() {
	for !s.gone() {
		if !s.produce() {
			return
		}
		if s.ps.Output().Free() < s.reserve() {
			return
		}
		c, ok := s.ps.NextByte()
		if !ok {
			return
		}
		s.input(c)
	}
}

// produce emits as much producer output as fits. It reports whether the
// producer is finished.
func (s *Session) produce() bool {
	for s.producer != nil {
		if s.held == "" {
			line, more := s.producer()
			if !more {
				if !s.sendPrompt() {
					return false
				}
				s.producer = nil
				return true
			}
			s.held = line
		}
		if !s.ps.SendString(s.held) {
			return false
		}
		s.held = ""
		s.ps.Transmit()
	}
	return true
}

// input advances the option negotiator by one byte
func (s *Session) input(c byte) {
	switch s.opt {
	case optIAC:
		s.opt = optNormal
		switch c {
		case IAC:
			s.char(c)
		case WILL:
			s.opt = optWill
		case WONT:
			s.opt = optWont
		case DO:
			s.opt = optDo
		case DONT:
			s.opt = optDont
		}
	case optWill, optWont:
		s.sendOpt(DONT, c)
		s.opt = optNormal
	case optDo:
		if c == OptPrompt {
			s.prompt = true
		} else {
			s.sendOpt(WONT, c)
		}
		s.opt = optNormal
	case optDont:
		if c == OptPrompt {
			s.prompt = false
		} else {
			s.sendOpt(WONT, c)
		}
		s.opt = optNormal
	default:
		if c == IAC {
			s.opt = optIAC
			return
		}
		s.char(c)
	}
}

func (s *Session) sendOpt(verb, option byte) {
	s.ps.Send([]byte{IAC, verb, option})
}

func (s *Session) char(c byte) {
	if c == '\r' {
		return
	}
	line, done := s.ps.PutByte(c, '\n')
	if done {
		s.line(strings.TrimSuffix(line, "\n"))
	}
}

func (s *Session) line(line string) {
	if strings.TrimSpace(line) == "" {
		s.sendPrompt()
		return
	}

	handled, err := s.svc.commands.Dispatch(s, line)
	if handled {
		if err != nil {
			s.ps.SendString("error: " + err.Error() + "\r\n")
		}
		if s.producer == nil && !s.ps.Closing() {
			s.sendPrompt()
		}
		return
	}

	depth := s.svc.bridge.Submit(line, bridge.DestTelnet)
	s.svc.origins = append(s.svc.origins, s)
	s.running++
	if depth > s.svc.cfg.ThrottleHigh {
		s.ps.Throttle(protocol.ThrottleBacklog, true)
	}
}

func (s *Session) sendPrompt() bool {
	if !s.prompt {
		return true
	}
	return s.ps.SendString(Prompt)
}

// Write queues local command output. It fails when the output queue has
// no room for all of p.
func (s *Session) Write(p []byte) (int, error) {
	if !s.ps.Send(p) {
		return 0, ErrOutputFull
	}
	return len(p), nil
}

// Close ends the session once queued output is delivered
func (s *Session) Close() {
	s.ps.Close()
}

// PromptEnabled reports whether the client wants prompts
func (s *Session) PromptEnabled() bool {
	return s.prompt
}

func (s *Session) State() string {
	switch {
	case s.closed:
		return "closed"
	case s.ps.Closing():
		return "closing"
	case s.ps.Throttled(protocol.ThrottleBacklog):
		return "throttled"
	case s.running > 0:
		return "running"
	}
	return "shell"
}

func (s *Session) Queued() int      { return s.ps.Output().Len() }
func (s *Session) BytesIn() uint64  { return s.ps.BytesIn() }
func (s *Session) BytesOut() uint64 { return s.ps.Output().BytesSent() }
