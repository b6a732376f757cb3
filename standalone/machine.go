// Package standalone is the simulated machine behind the network console.
// It answers G-code the way a printer firmware does and serves a few
// console commands over the storage root.
package standalone

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"netconsole/bridge"
	"netconsole/core"
	"netconsole/protocol"
	"netconsole/standalone/gcode"
	"netconsole/standalone/planner"
	"netconsole/storage"
)

// Config holds the simulated machine settings
type Config struct {
	Interpreter gcode.Config
	Planner     planner.Config
}

// DefaultConfig returns the settings of the simulated printer
func DefaultConfig() Config {
	return Config{
		Interpreter: gcode.DefaultConfig(),
		Planner:     planner.DefaultConfig(),
	}
}

// Machine coordinates the parser, interpreter and planner. It implements
// bridge.Interpreter; the bridge runs one command at a time, so Execute is
// never called concurrently.
type Machine struct {
	parser      *gcode.Parser
	interpreter *gcode.Interpreter
	planner     *planner.Planner
	storage     *storage.Root
	console     *core.CommandRegistry
	log         zerolog.Logger
}

// NewMachine creates a machine. root may be nil, the file commands then
// fail.
func NewMachine(cfg Config, root *storage.Root, logger zerolog.Logger) *Machine {
	p := planner.NewPlanner(cfg.Planner)
	m := &Machine{
		parser:      gcode.NewParser(),
		interpreter: gcode.NewInterpreter(cfg.Interpreter, p),
		planner:     p,
		storage:     root,
		console:     core.NewCommandRegistry(),
		log:         logger.With().Str("component", "machine").Logger(),
	}
	m.registerCommands()
	return m
}

// outputConsole runs console commands against a command's output stream
type outputConsole struct {
	io.Writer
}

func (outputConsole) Close() {}

// Execute runs one command line
func (m *Machine) Execute(ctx context.Context, line string, out *bridge.Output) error {
	line = strings.TrimSpace(line)
	m.log.Debug().Str("line", line).Msg("execute")

	if handled, err := m.console.Dispatch(outputConsole{out}, line); handled {
		return err
	}

	cmd, err := m.parser.ParseLine(line)
	if errors.Is(err, gcode.ErrNotGCode) {
		return out.Printf("error:Unsupported command - %s\r\n", line)
	}
	if err != nil {
		return err
	}
	if cmd == nil {
		return nil
	}

	if cmd.Type == 'M' {
		switch cmd.Number {
		case 20: // List files
			if err := out.Printf("Begin file list\r\n"); err != nil {
				return err
			}
			if err := m.list(out, ""); err != nil {
				return err
			}
			if err := out.Printf("End file list\r\n"); err != nil {
				return err
			}
			return out.Printf("ok\r\n")
		case 30: // Delete file
			if err := m.remove(out, mArgument(line)); err != nil {
				return err
			}
			return out.Printf("ok\r\n")
		}
	}

	report, err := m.interpreter.Execute(ctx, cmd)
	if errors.Is(err, gcode.ErrUnsupported) {
		return out.Printf("error:Unsupported command - %s\r\n", line)
	}
	if err != nil {
		return err
	}
	if err := m.planner.WaitIdle(ctx); err != nil {
		return err
	}

	if report != "" {
		return out.Printf("ok %s\r\n", report)
	}
	return out.Printf("ok\r\n")
}

// State returns the interpreter state
func (m *Machine) State() *gcode.MachineState {
	return m.interpreter.GetState()
}

// Position returns the current tool position
func (m *Machine) Position() gcode.Position {
	return m.planner.GetCurrentPosition()
}

// mArgument returns what follows the M word, the file name of M30
func mArgument(line string) string {
	_, arg, _ := strings.Cut(line, " ")
	if i := strings.IndexByte(arg, ';'); i >= 0 {
		arg = arg[:i]
	}
	return strings.TrimSpace(arg)
}

func (m *Machine) registerCommands() {
	m.console.Register("version", "show the build version", m.cmdVersion)
	m.console.Register("ls", "list files", func(con core.Console, args []string) error {
		dir := ""
		if len(args) > 1 {
			dir = args[1]
		}
		return m.list(con, dir)
	})
	m.console.Register("cat", "print a file, optionally only the first n lines", m.cmdCat)
	m.console.Register("rm", "delete a file", func(con core.Console, args []string) error {
		if len(args) < 2 {
			_, err := io.WriteString(con, "Usage: rm <file>\r\n")
			return err
		}
		return m.remove(con, args[1])
	})
}

func (m *Machine) cmdVersion(con core.Console, args []string) error {
	_, err := fmt.Fprintf(con, "Build version: netconsole %s, Go: %s, OS: %s/%s\r\n",
		protocol.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}

func (m *Machine) list(w io.Writer, dir string) error {
	if m.storage == nil {
		_, err := fmt.Fprintf(w, "Could not open directory %s \r\n", dir)
		return err
	}
	entries, err := m.storage.List(dir)
	if err != nil {
		m.log.Debug().Err(err).Str("dir", dir).Msg("list failed")
		_, err = fmt.Fprintf(w, "Could not open directory %s \r\n", dir)
		return err
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if e.IsDir() {
			name += "/"
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) remove(w io.Writer, name string) error {
	if m.storage == nil || name == "" {
		_, err := fmt.Fprintf(w, "Could not delete %s \r\n", name)
		return err
	}
	if err := m.storage.Remove(name); err != nil {
		m.log.Debug().Err(err).Str("file", name).Msg("remove failed")
		_, err = fmt.Fprintf(w, "Could not delete %s \r\n", name)
		return err
	}
	m.log.Info().Str("file", name).Msg("file removed")
	return nil
}

// catLineMax is the longest piece of a line written in one fragment
const catLineMax = 80

func (m *Machine) cmdCat(con core.Console, args []string) error {
	if len(args) < 2 {
		_, err := io.WriteString(con, "Usage: cat <file> [lines]\r\n")
		return err
	}
	name := args[1]
	limit := -1
	if len(args) > 2 {
		if n, err := strconv.Atoi(args[2]); err == nil {
			limit = n
		}
	}

	if m.storage == nil {
		_, err := fmt.Fprintf(con, "File not found: %s\r\n", name)
		return err
	}
	f, err := m.storage.Open(name)
	if err != nil {
		_, err = fmt.Fprintf(con, "File not found: %s\r\n", name)
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, catLineMax)
	lines := 0
	for lines != limit {
		chunk, isPrefix, err := r.ReadLine()
		if len(chunk) > 0 || (err == nil && !isPrefix) {
			text := string(chunk)
			if !isPrefix {
				text += "\n"
				lines++
			}
			if _, werr := io.WriteString(con, text); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}
