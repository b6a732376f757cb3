// Package link forwards console commands to a board attached over a serial
// port and relays its replies line by line.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"netconsole/bridge"
	"netconsole/host/serial"
)

var (
	// ErrTimeout is returned when the board does not finish a reply in time
	ErrTimeout = errors.New("reply timeout")
	// ErrNotConnected is returned while the serial port cannot be opened
	ErrNotConnected = errors.New("board not connected")
)

// Config holds the link settings
type Config struct {
	Serial       serial.Config
	ReplyTimeout time.Duration
	RetryMin     time.Duration
	RetryMax     time.Duration
}

// DefaultConfig returns the settings for a board on device
func DefaultConfig(device string) Config {
	return Config{
		Serial:       *serial.DefaultConfig(device),
		ReplyTimeout: 30 * time.Second,
		RetryMin:     500 * time.Millisecond,
		RetryMax:     30 * time.Second,
	}
}

// Opener opens the serial port, serial.Open by default
type Opener func(cfg *serial.Config) (serial.Port, error)

// Link is a bridge.Interpreter that runs commands on a remote board. The
// port is opened on first use and reopened after a failure, no sooner than
// the backoff allows.
type Link struct {
	cfg     Config
	open    Opener
	log     zerolog.Logger
	backoff *backoff.Backoff

	port    serial.Port
	retryAt time.Time
	pending []byte
}

// New creates a link using the native serial port
func New(cfg Config, logger zerolog.Logger) *Link {
	return NewWithOpener(cfg, serial.Open, logger)
}

// NewWithOpener creates a link that opens its port through open
func NewWithOpener(cfg Config, open Opener, logger zerolog.Logger) *Link {
	def := DefaultConfig(cfg.Serial.Device)
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = def.RetryMin
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	return &Link{
		cfg:     cfg,
		open:    open,
		log:     logger.With().Str("component", "link").Str("device", cfg.Serial.Device).Logger(),
		backoff: &backoff.Backoff{Min: cfg.RetryMin, Max: cfg.RetryMax, Factor: 2},
	}
}

// Execute sends command to the board and copies reply lines to out until
// a line starting with ok, !! or error
func (l *Link) Execute(ctx context.Context, command string, out *bridge.Output) error {
	if err := l.connect(); err != nil {
		return err
	}

	if _, err := l.port.Write([]byte(command + "\n")); err != nil {
		l.drop(err)
		return fmt.Errorf("write %s: %w", l.cfg.Serial.Device, err)
	}
	return l.relay(ctx, out)
}

func (l *Link) connect() error {
	if l.port != nil {
		return nil
	}
	now := time.Now()
	if now.Before(l.retryAt) {
		return fmt.Errorf("%w, retry in %s", ErrNotConnected, l.retryAt.Sub(now).Round(time.Millisecond))
	}

	port, err := l.open(&l.cfg.Serial)
	if err != nil {
		attempt := int(l.backoff.Attempt()) + 1
		d := l.backoff.Duration()
		l.retryAt = now.Add(d)
		l.log.Warn().Err(err).Int("attempt", attempt).Dur("retry", d).Msg("open failed")
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	l.backoff.Reset()
	l.retryAt = time.Time{}
	l.port = port
	l.pending = l.pending[:0]
	if err := port.Flush(); err != nil {
		l.log.Debug().Err(err).Msg("flush failed")
	}
	l.log.Info().Msg("board connected")
	return nil
}

// drop closes a failed port so the next command reconnects
func (l *Link) drop(cause error) {
	if l.port == nil {
		return
	}
	l.log.Warn().Err(cause).Msg("board disconnected")
	l.port.Close()
	l.port = nil
	l.pending = l.pending[:0]
}

func (l *Link) relay(ctx context.Context, out *bridge.Output) error {
	deadline := time.Now().Add(l.cfg.ReplyTimeout)
	buf := make([]byte, 256)
	sinkGone := false

	for {
		for {
			i := bytes.IndexByte(l.pending, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(l.pending[:i]), "\r")
			l.pending = l.pending[i+1:]
			if line == "" {
				continue
			}
			if !sinkGone {
				if _, err := out.WriteString(line + "\r\n"); err != nil {
					// Consume the rest of the reply regardless
					sinkGone = true
				}
			}
			if terminal(line) {
				return nil
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, l.cfg.ReplyTimeout)
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			l.pending = append(l.pending, buf[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			l.drop(err)
			return fmt.Errorf("read %s: %w", l.cfg.Serial.Device, err)
		}
	}
}

// terminal reports whether line ends a reply
func terminal(line string) bool {
	return strings.HasPrefix(line, "ok") || strings.HasPrefix(line, "!!") || strings.HasPrefix(line, "error")
}

// Close closes the serial port
func (l *Link) Close() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}
