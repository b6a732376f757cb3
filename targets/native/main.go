// Command netconsole runs the network console: a web server, a Telnet
// command shell and a file transfer service in front of a simulated
// machine or a board attached over a serial port.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"netconsole/config"
	"netconsole/network"
	"netconsole/protocol"
	"netconsole/storage"
)

func main() {
	var configPath, logLevel string
	var showVersion, helpOnly bool

	pflag.CommandLine.SetOutput(os.Stderr)
	pflag.CommandLine.SortFlags = false
	pflag.StringVarP(&configPath, "config", "c", "",
		"Read settings from the YAML `FILE`. Built in defaults are used when not given.")
	pflag.StringVar(&logLevel, "log-level", "",
		"Override the configured log `LEVEL` (debug, info, warn, error).")
	pflag.BoolVar(&showVersion, "version", false, "Print the version and exit.")
	pflag.BoolVar(&helpOnly, "help", false, "Output this help.")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: %[1]s [flags...]

%[1]s serves the network console of a motion controller. Environment
variables NETCONSOLE_LOG_LEVEL, NETCONSOLE_STORAGE_ROOT,
NETCONSOLE_INTERPRETER and NETCONSOLE_SERIAL_DEVICE override the file.

%[2]s`, os.Args[0], pflag.CommandLine.FlagUsagesWrapped(86))
	}
	pflag.Parse()

	if helpOnly {
		pflag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("netconsole %s\n", protocol.Version)
		os.Exit(0)
	}
	if pflag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected argument: %s\n\n", pflag.Arg(0))
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := setupLogger(cfg.Log, os.Stderr)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("netconsole failed")
	}
}

func setupLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("version", protocol.Version).
		Str("interpreter", cfg.Interpreter.Type).
		Str("storage", cfg.Storage.Root).
		Msg("starting netconsole")

	root, err := storage.Open(cfg.Storage.Root)
	if err != nil {
		return err
	}
	defer root.Close()

	interp, closeInterp := newInterpreter(cfg, root, logger)
	defer closeInterp()

	srv, err := network.New(cfg, root, interp, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("netconsole exited")
	return nil
}
