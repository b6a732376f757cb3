// Package sftpd implements the Simple File Transfer Protocol subset used to
// send job files to the board: USER, STOR, SIZE, KILL and DONE. Replies are
// single lines terminated by a NUL byte.
package sftpd

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"

	"netconsole/core"
	"netconsole/protocol"
	"netconsole/storage"
)

const Greeting = "+Netconsole SFTP Service"

// Room kept free for one reply before another command is read
const maxReply = 64

// Config holds the file transfer settings
type Config struct {
	IdlePolls   int
	LineSize    int
	OutputSlots int
	Storage     *storage.Root
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		IdlePolls:   0,
		LineSize:    132,
		OutputSlots: 8,
	}
}

// Service is the file transfer application
type Service struct {
	cfg Config
	log zerolog.Logger
}

// New creates the file transfer service
func New(cfg Config, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.LineSize <= 0 {
		cfg.LineSize = def.LineSize
	}
	if cfg.OutputSlots <= 0 {
		cfg.OutputSlots = def.OutputSlots
	}
	return &Service{
		cfg: cfg,
		log: logger.With().Str("component", "sftpd").Logger(),
	}
}

func (s *Service) Name() string   { return "sftp" }
func (s *Service) IdlePolls() int { return s.cfg.IdlePolls }

// Open creates the transfer state for a new connection
func (s *Service) Open(c protocol.Conn) core.Session {
	return &Session{
		svc: s,
		ps:  protocol.NewPSock(c, s.cfg.LineSize, s.cfg.OutputSlots),
	}
}

type state uint8

const (
	stConnected state = iota
	stAwaitSize
	stDownload
	stDiscard
	stClosing
)

var stateNames = [...]string{"connected", "size", "download", "discard", "closing"}

// Session is one file transfer connection
type Session struct {
	svc    *Service
	ps     *protocol.PSock
	state  state
	closed bool

	file      *os.File
	name      string
	remaining int
	saved     int
}

// Appcall handles one transport event
func (s *Session) Appcall(ev protocol.Event) {
	if ev.Flags.Terminal() {
		s.closed = true
		if s.file != nil {
			s.svc.log.Info().Str("file", s.name).Str("saved", sizestr.ToString(int64(s.saved))).Int("missing", s.remaining).Msg("transfer interrupted")
			s.closeFile()
		}
		s.ps.Release()
		return
	}

	if ev.Flags.Has(protocol.Connected) {
		s.reply(Greeting)
	}
	if ev.Flags.Has(protocol.Acked) {
		s.ps.Acked()
	}
	if ev.Flags.Has(protocol.NewData) {
		if lost := s.ps.Feed(ev.Data); lost > 0 {
			s.svc.log.Warn().Uint32("conn", s.ps.Conn().ID()).Int("bytes", lost).Msg("input overrun, aborting")
			s.closeFile()
			s.ps.Abort()
			return
		}
	}
	s.step()
	s.ps.Transmit()
}

func (s *Session) reply(msg string) {
	b := make([]byte, len(msg)+1)
	copy(b, msg)
	if !s.ps.Send(b) {
		s.svc.log.Warn().Uint32("conn", s.ps.Conn().ID()).Str("reply", msg).Msg("reply dropped, output full")
	}
}

func (s *Session) closeFile() {
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		s.svc.log.Warn().Err(err).Str("file", s.name).Msg("close failed")
	}
	s.file = nil
}

func (s *Session) step() {
	for {
		switch s.state {
		case stDownload, stDiscard:
			if !s.receive() {
				return
			}

		case stClosing:
			return

		default:
			if !s.ps.CanSend(maxReply) {
				return
			}
			line, ok := s.ps.ReadTo('\n')
			if !ok {
				return
			}
			s.command(strings.TrimRight(line, "\r\n"))
		}
	}
}

// receive consumes raw file bytes. It reports false when it needs more
// input.
func (s *Session) receive() bool {
	chunk := s.ps.ReadN(s.remaining)
	if len(chunk) == 0 {
		return false
	}
	s.remaining -= len(chunk)

	if s.state == stDownload {
		if _, err := s.file.Write(chunk); err != nil {
			s.svc.log.Warn().Err(err).Str("file", s.name).Msg("write failed")
			s.closeFile()
			s.reply("- Error saving file")
			s.state = stDiscard
		} else {
			s.saved += len(chunk)
		}
	}

	if s.remaining == 0 {
		if s.state == stDownload {
			s.closeFile()
			s.svc.log.Info().Str("file", s.name).Str("size", sizestr.ToString(int64(s.saved))).Msg("file saved")
			s.reply("+ Saved file")
		}
		s.state = stConnected
	}
	return true
}

func (s *Session) command(line string) {
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(verb)
	arg = strings.TrimSpace(arg)

	if s.state == stAwaitSize {
		s.size(verb, arg)
		return
	}

	switch verb {
	case "USER":
		s.reply("!user logged in")

	case "KILL":
		if arg == "" {
			s.reply("- incomplete KILL command")
			return
		}
		if err := s.svc.cfg.remove(arg); err != nil {
			s.svc.log.Warn().Err(err).Str("file", arg).Msg("delete failed")
			s.reply("- delete failed")
			return
		}
		s.reply("+ deleted")

	case "DONE":
		s.reply("+ exit")
		s.state = stClosing
		s.ps.Close()

	case "STOR":
		s.stor(arg)

	default:
		s.reply("- Unknown command")
	}
}

func (s *Session) stor(arg string) {
	mode, name, _ := strings.Cut(arg, " ")
	name = strings.TrimSpace(name)
	if name == "" {
		s.reply("- incomplete STOR command")
		return
	}

	var (
		f   *os.File
		err error
		msg string
	)
	switch strings.ToUpper(mode) {
	case "OLD":
		f, err = s.svc.cfg.create(name)
		msg = "+ new file"
	case "APP":
		f, err = s.svc.cfg.appendTo(name)
		msg = "+ append file"
	default:
		s.reply("- Only OLD|APP supported")
		return
	}
	if err != nil {
		s.svc.log.Warn().Err(err).Str("file", name).Msg("open failed")
		s.reply("- failed")
		return
	}

	s.file = f
	s.name = name
	s.saved = 0
	s.state = stAwaitSize
	s.reply(msg)
}

func (s *Session) size(verb, arg string) {
	if verb != "SIZE" || arg == "" {
		s.closeFile()
		s.reply("- Expected size")
		s.state = stConnected
		return
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		s.closeFile()
		s.reply("- bad filesize")
		s.state = stConnected
		return
	}
	s.remaining = n
	s.state = stDownload
	s.reply("+ ok, waiting for file")
}

func (s *Session) State() string {
	if s.closed {
		return "closed"
	}
	return stateNames[s.state]
}

func (s *Session) Queued() int      { return s.ps.Output().Len() }
func (s *Session) BytesIn() uint64  { return s.ps.BytesIn() }
func (s *Session) BytesOut() uint64 { return s.ps.Output().BytesSent() }

var errNoStorage = errors.New("no storage configured")

func (c Config) create(name string) (*os.File, error) {
	if c.Storage == nil {
		return nil, errNoStorage
	}
	return c.Storage.Create(name)
}

func (c Config) appendTo(name string) (*os.File, error) {
	if c.Storage == nil {
		return nil, errNoStorage
	}
	return c.Storage.Append(name)
}

func (c Config) remove(name string) error {
	if c.Storage == nil {
		return errNoStorage
	}
	return c.Storage.Remove(name)
}
