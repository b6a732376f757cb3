package main

import (
	"github.com/rs/zerolog"

	"netconsole/bridge"
	"netconsole/config"
	"netconsole/host/link"
	"netconsole/host/serial"
	"netconsole/standalone"
	"netconsole/storage"
)

// newInterpreter returns the command interpreter selected by the
// configuration and a function releasing it. The serial link opens its
// port on the first command, so a board plugged in later is picked up.
func newInterpreter(cfg *config.Config, root *storage.Root, logger zerolog.Logger) (bridge.Interpreter, func()) {
	if cfg.Interpreter.Type == config.InterpreterSerial {
		s := cfg.Interpreter.Serial
		l := link.New(link.Config{
			Serial: serial.Config{
				Device:      s.Device,
				Baud:        s.Baud,
				ReadTimeout: s.ReadTimeout,
			},
			ReplyTimeout: s.ReplyTimeout,
		}, logger)
		return l, func() { l.Close() }
	}

	return standalone.NewMachine(standalone.DefaultConfig(), root, logger), func() {}
}
