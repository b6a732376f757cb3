// Package network assembles the console: the TCP stack, the poll loop, the
// command bridge and the web, Telnet and file transfer services.
package network

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"netconsole/bridge"
	"netconsole/config"
	"netconsole/core"
	"netconsole/network/httpd"
	"netconsole/network/sftpd"
	"netconsole/network/telnetd"
	"netconsole/protocol"
	"netconsole/storage"
)

// Server is a running network console
type Server struct {
	stack *protocol.Stack
	queue *bridge.Queue
	loop  *core.Loop
	log   zerolog.Logger

	services []service
	ports    map[string]int
}

type service struct {
	app    core.App
	listen string
}

// New builds the console around interp. Files are stored under root; cfg
// supplies the network settings and the optional web root override.
func New(cfg *config.Config, root *storage.Root, interp bridge.Interpreter, logger zerolog.Logger) (*Server, error) {
	n := cfg.Network

	stack := protocol.NewStack(protocol.StackConfig{
		MSS:          n.MSS,
		MaxConns:     n.MaxConnections,
		AcceptRate:   n.AcceptRate,
		WriteTimeout: n.WriteTimeout,
	}, logger)

	queue := bridge.NewQueue(interp, logger)
	queue.SetYield(n.Yield)

	s := &Server{
		stack: stack,
		queue: queue,
		loop:  core.NewLoop(stack, queue, n.PollInterval, logger),
		log:   logger.With().Str("component", "network").Logger(),
		ports: make(map[string]int),
	}

	if n.Webserver.Enabled() {
		var webRoot fs.FS
		if cfg.Storage.WebRoot != "" {
			st, err := os.Stat(cfg.Storage.WebRoot)
			if err != nil {
				return nil, fmt.Errorf("web root: %w", err)
			}
			if !st.IsDir() {
				return nil, fmt.Errorf("web root %s is not a directory", cfg.Storage.WebRoot)
			}
			webRoot = os.DirFS(cfg.Storage.WebRoot)
		}
		app := httpd.New(httpd.Config{
			IdlePolls:   n.Webserver.IdlePolls,
			LineSize:    n.Webserver.LineSize,
			OutputSlots: n.Webserver.OutputSlots,
			Storage:     root,
			WebRoot:     webRoot,
		}, queue, logger)
		s.services = append(s.services, service{app, n.Webserver.Listen})
	}

	if n.Telnet.Enabled() {
		app := telnetd.New(telnetd.Config{
			IdlePolls:    n.Telnet.IdlePolls,
			LineSize:     n.Telnet.LineSize,
			OutputSlots:  n.Telnet.OutputSlots,
			ThrottleHigh: n.Telnet.ThrottleHigh,
			ThrottleLow:  n.Telnet.ThrottleLow,
		}, queue, s.loop, logger)
		s.services = append(s.services, service{app, n.Telnet.Listen})
	}

	if n.SFTP.Enabled() {
		app := sftpd.New(sftpd.Config{
			IdlePolls:   n.SFTP.IdlePolls,
			LineSize:    n.SFTP.LineSize,
			OutputSlots: n.SFTP.OutputSlots,
			Storage:     root,
		}, logger)
		s.services = append(s.services, service{app, n.SFTP.Listen})
	}

	if len(s.services) == 0 {
		return nil, errors.New("no network service enabled")
	}
	return s, nil
}

// Start opens the listening sockets. Connections are served once Run is
// called.
func (s *Server) Start() error {
	for _, svc := range s.services {
		port, err := s.stack.Listen(svc.listen)
		if err != nil {
			s.stack.Close()
			return fmt.Errorf("start %s: %w", svc.app.Name(), err)
		}
		s.loop.Register(port, svc.app)
		s.ports[svc.app.Name()] = port
		s.log.Info().Str("service", svc.app.Name()).Int("port", port).Msg("service started")
	}
	return nil
}

// Port returns the port a service is bound to, 0 when it is not running.
// Services are named http, telnet and sftp.
func (s *Server) Port(name string) int {
	return s.ports[name]
}

// Addr returns a dialable local address for a running service
func (s *Server) Addr(name string) string {
	return "127.0.0.1:" + strconv.Itoa(s.ports[name])
}

// Run serves connections until ctx is cancelled, then closes every
// connection and stops the interpreter.
func (s *Server) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	s.queue.Close()
	s.stack.Close()
	s.log.Info().Uint64("commands", s.queue.Executed()).Msg("network stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
