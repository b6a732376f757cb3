// Package httpd is the small web server of the console. It serves pages
// from the upload directory and the built in web root, runs command lines
// posted to /command through the command bridge and stores files posted
// to /upload.
package httpd

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"

	"netconsole/bridge"
	"netconsole/core"
	"netconsole/protocol"
	"netconsole/storage"
)

const (
	status200 = "HTTP/1.0 200 OK\r\n"
	status404 = "HTTP/1.0 404 Not Found\r\n"
	status503 = "HTTP/1.0 503 Service Unavailable\r\n"

	notFoundPage = "404.html"

	// Largest /command body accepted
	maxCommandBody = 16 * 1024
)

var serverHeader = "Server: netconsole/" + protocol.Version + "\r\nConnection: close\r\n"

// Bridge is the part of the command bridge the web server uses
type Bridge interface {
	Submit(text string, dest int) int
	RegisterSink(dest int, sink bridge.ResultSink)
}

// Config holds the web server settings
type Config struct {
	IdlePolls   int
	LineSize    int
	OutputSlots int
	Storage     *storage.Root // Uploads are stored and served from here
	WebRoot     fs.FS         // Read-only pages, WebRoot() when nil
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		IdlePolls:   40,
		LineSize:    132,
		OutputSlots: 10,
	}
}

// Service is the HTTP application and the result sink for
// bridge.DestHTTP.
type Service struct {
	cfg       Config
	bridge    Bridge
	resources overlay
	log       zerolog.Logger

	// One entry per submitted command, oldest first
	origins []*Session
}

// New creates the web server and registers its sink with b
func New(cfg Config, b Bridge, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.LineSize <= 0 {
		cfg.LineSize = def.LineSize
	}
	if cfg.OutputSlots <= 0 {
		cfg.OutputSlots = def.OutputSlots
	}
	if cfg.WebRoot == nil {
		cfg.WebRoot = WebRoot()
	}

	s := &Service{
		cfg:    cfg,
		bridge: b,
		log:    logger.With().Str("component", "httpd").Logger(),
	}
	if cfg.Storage != nil {
		s.resources = append(s.resources, cfg.Storage.FS())
	}
	s.resources = append(s.resources, cfg.WebRoot)

	b.RegisterSink(bridge.DestHTTP, s)
	return s
}

func (s *Service) Name() string   { return "http" }
func (s *Service) IdlePolls() int { return s.cfg.IdlePolls }

// Open creates the request state for a new connection
func (s *Service) Open(c protocol.Conn) core.Session {
	return &Session{
		svc: s,
		ps:  protocol.NewPSock(c, s.cfg.LineSize, s.cfg.OutputSlots),
	}
}

func (s *Service) head() *Session {
	if len(s.origins) == 0 {
		return nil
	}
	return s.origins[0]
}

// Write streams a fragment of command output to the requesting connection
func (s *Service) Write(fragment string) bridge.Status {
	sess := s.head()
	if sess == nil {
		return bridge.Closed
	}
	if sess.closed {
		s.finish(sess)
		return bridge.Closed
	}
	done := sess.ps.Offer(fragment)
	sess.ps.Transmit()
	if !done {
		return bridge.Backpressure
	}
	return bridge.Accepted
}

// End completes the head command. The connection closes after the end of
// its last command.
func (s *Service) End() bridge.Status {
	sess := s.head()
	if sess == nil {
		return bridge.Closed
	}
	s.finish(sess)
	if sess.closed {
		return bridge.Closed
	}
	if sess.running == 0 {
		sess.state = stClosing
		sess.ps.Close()
	}
	return bridge.Accepted
}

func (s *Service) finish(sess *Session) {
	s.origins[0] = nil
	s.origins = s.origins[1:]
	sess.running--
}

type state uint8

const (
	stMethod state = iota
	stURI
	stRequestLine
	stHeaders
	stBody
	stUpload
	stDiscard
	stFile
	stCommand
	stClosing
)

var stateNames = [...]string{"method", "uri", "request", "headers", "body", "upload", "discard", "file", "command", "closing"}

type method uint8

const (
	methodGet method = iota + 1
	methodPost
)

// Session is one HTTP request
type Session struct {
	svc    *Service
	ps     *protocol.PSock
	state  state
	closed bool

	method        method
	uri           string
	contentLength int
	filename      string

	remaining int
	body      strings.Builder

	upload   *os.File
	uploadOK bool
	uploaded int

	file fs.File
	held []byte
	buf  []byte

	running int
}

// Appcall handles one transport event
func (s *Session) Appcall(ev protocol.Event) {
	if ev.Flags.Terminal() {
		s.closed = true
		s.release()
		return
	}
	if ev.Flags.Has(protocol.Acked) {
		s.ps.Acked()
	}
	if ev.Flags.Has(protocol.NewData) {
		if lost := s.ps.Feed(ev.Data); lost > 0 {
			s.svc.log.Warn().Uint32("conn", s.ps.Conn().ID()).Int("bytes", lost).Msg("input overrun, aborting")
			s.release()
			s.ps.Abort()
			return
		}
	}
	s.step()
	s.ps.Transmit()
}

func (s *Session) release() {
	if s.upload != nil {
		s.upload.Close()
		s.upload = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.held = nil
	s.ps.Release()
}

// step advances the request as far as buffered input and output space
// allow.
func (s *Session) step() {
	for {
		switch s.state {
		case stMethod:
			tok, ok := s.ps.ReadTo(' ')
			if !ok {
				return
			}
			switch strings.TrimSpace(tok) {
			case "GET":
				s.method = methodGet
			case "POST":
				s.method = methodPost
			default:
				s.reject("unexpected method", tok)
				return
			}
			s.state = stURI

		case stURI:
			tok, ok := s.ps.ReadTo(' ')
			if !ok {
				return
			}
			uri := strings.TrimSuffix(tok, " ")
			if !strings.HasPrefix(uri, "/") {
				s.reject("bad uri", uri)
				return
			}
			if uri == "/" {
				uri = "/index.html"
			}
			s.uri = uri
			s.state = stRequestLine

		case stRequestLine:
			if _, ok := s.ps.ReadTo('\n'); !ok {
				return
			}
			s.state = stHeaders

		case stHeaders:
			line, ok := s.ps.ReadTo('\n')
			if !ok {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				s.endHeaders()
				continue
			}
			s.header(line)

		case stBody:
			if s.remaining > 0 {
				chunk := s.ps.ReadN(s.remaining)
				if len(chunk) == 0 {
					return
				}
				s.remaining -= len(chunk)
				s.body.Write(chunk)
			}
			if s.remaining == 0 {
				s.runCommands()
			}

		case stUpload:
			if s.remaining > 0 {
				chunk := s.ps.ReadN(s.remaining)
				if len(chunk) == 0 {
					return
				}
				s.remaining -= len(chunk)
				s.save(chunk)
			}
			if s.remaining == 0 {
				s.finishUpload()
			}

		case stDiscard:
			if s.remaining > 0 {
				chunk := s.ps.ReadN(s.remaining)
				if len(chunk) == 0 {
					return
				}
				s.remaining -= len(chunk)
			}
			if s.remaining == 0 {
				s.openResource()
			}

		case stFile:
			if !s.sendFile() {
				return
			}

		default:
			return
		}
	}
}

func (s *Session) header(line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "content-length":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			n = 0
		}
		s.contentLength = n
	case "x-filename":
		s.filename = value
	}
}

func (s *Session) endHeaders() {
	if s.method == methodGet {
		s.openResource()
		return
	}

	s.remaining = s.contentLength
	switch s.uri {
	case "/upload":
		s.openUpload()
		s.state = stUpload
		return
	case "/command":
	default:
		// Any other POST answers like a GET once the body is read
		s.state = stDiscard
		return
	}
	if s.contentLength > maxCommandBody {
		s.reject("command body too large", strconv.Itoa(s.contentLength))
		return
	}
	s.state = stBody
}

func (s *Session) reject(reason, value string) {
	s.svc.log.Warn().Uint32("conn", s.ps.Conn().ID()).Str("value", value).Msg(reason)
	s.state = stClosing
	s.ps.Close()
}

func (s *Session) sendHeaders(status, name string) {
	s.ps.SendString(status + serverHeader + "Content-Type: " + contentType(name) + "\r\n\r\n")
}

func (s *Session) openResource() {
	status := status200
	name, ok := resourceName(s.uri)
	var f fs.File
	var err error
	if ok {
		f, err = s.svc.resources.Open(name)
	} else {
		err = fs.ErrInvalid
	}
	if err != nil {
		s.svc.log.Debug().Str("uri", s.uri).Err(err).Msg("not found")
		status = status404
		name = notFoundPage
		f, err = s.svc.resources.Open(name)
	}

	s.sendHeaders(status, name)
	if err != nil {
		// No 404 page either, headers only
		s.state = stClosing
		s.ps.Close()
		return
	}
	s.file = f
	s.buf = make([]byte, s.ps.Output().ChunkSize())
	s.state = stFile
}

// sendFile queues file content while there is room. It reports whether
// the file is complete.
func (s *Session) sendFile() bool {
	for {
		if len(s.held) == 0 {
			n, err := s.file.Read(s.buf)
			if n > 0 {
				s.held = s.buf[:n]
			} else if err != nil {
				if !errors.Is(err, io.EOF) {
					s.svc.log.Warn().Str("uri", s.uri).Err(err).Msg("read failed")
				}
				s.file.Close()
				s.file = nil
				s.state = stClosing
				s.ps.Close()
				return true
			}
			if len(s.held) == 0 {
				continue
			}
		}
		if !s.ps.Send(s.held) {
			return false
		}
		s.held = nil
	}
}

func (s *Session) runCommands() {
	for _, line := range strings.Split(s.body.String(), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.svc.bridge.Submit(line, bridge.DestHTTP)
		s.svc.origins = append(s.svc.origins, s)
		s.running++
	}
	s.body.Reset()

	s.sendHeaders(status200, "")
	if s.running == 0 {
		s.state = stClosing
		s.ps.Close()
		return
	}
	s.state = stCommand
}

func (s *Session) openUpload() {
	s.uploadOK = false
	if err := ValidFilename(s.filename); err != nil {
		s.svc.log.Warn().Str("filename", s.filename).Msg("upload rejected")
		return
	}
	if s.svc.cfg.Storage == nil {
		s.svc.log.Warn().Msg("upload rejected, no storage")
		return
	}
	f, err := s.svc.cfg.Storage.Create(s.filename)
	if err != nil {
		s.svc.log.Warn().Err(err).Msg("upload open failed")
		return
	}
	s.upload = f
	s.uploadOK = true
	s.uploaded = 0
}

func (s *Session) save(chunk []byte) {
	if s.upload == nil {
		return
	}
	if _, err := s.upload.Write(chunk); err != nil {
		s.svc.log.Warn().Err(err).Str("filename", s.filename).Msg("upload write failed")
		s.upload.Close()
		s.upload = nil
		s.uploadOK = false
		return
	}
	s.uploaded += len(chunk)
}

func (s *Session) finishUpload() {
	if s.upload != nil {
		if err := s.upload.Close(); err != nil {
			s.uploadOK = false
		}
		s.upload = nil
	}

	if s.uploadOK {
		s.svc.log.Info().Str("filename", s.filename).Str("size", sizestr.ToString(int64(s.uploaded))).Msg("upload saved")
		s.sendHeaders(status200, "")
		s.ps.SendString("OK\r\n")
	} else {
		s.sendHeaders(status503, "")
		s.ps.SendString("FAILED\r\n")
	}
	s.state = stClosing
	s.ps.Close()
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
