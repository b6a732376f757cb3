package core

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/shlex"
)

// Console is the session a local command runs on behalf of
type Console interface {
	io.Writer
	// Close ends the session once pending output is delivered
	Close()
}

// CommandHandler runs a local command. args[0] is the name it was invoked by.
type CommandHandler func(con Console, args []string) error

// Command represents a local shell command
type Command struct {
	Name    string
	Aliases []string
	Help    string
	Handler CommandHandler
}

// Names returns the command name followed by its aliases
func (c *Command) Names() []string {
	return append([]string{c.Name}, c.Aliases...)
}

// CommandRegistry holds the commands a shell answers itself
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	order    []*Command
}

// NewCommandRegistry creates an empty command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]*Command),
	}
}

// Register adds a command under its name and aliases. Registering a name
// twice keeps the first registration.
func (r *CommandRegistry) Register(name, help string, handler CommandHandler, aliases ...string) *Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd, exists := r.commands[name]; exists {
		return cmd
	}

	cmd := &Command{
		Name:    name,
		Aliases: aliases,
		Help:    help,
		Handler: handler,
	}
	for _, n := range cmd.Names() {
		r.commands[n] = cmd
	}
	r.order = append(r.order, cmd)
	return cmd
}

// Lookup retrieves a command by name or alias
func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Commands returns the commands in registration order
func (r *CommandRegistry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.order))
	copy(out, r.order)
	return out
}

// Dispatch splits line into arguments and runs the matching command.
// It reports false when the line does not name a local command.
func (r *CommandRegistry) Dispatch(con Console, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, ok := r.Lookup(fields[0])
	if !ok {
		return false, nil
	}

	args, err := shlex.Split(line)
	if err != nil {
		return true, fmt.Errorf("parse %q: %w", fields[0], err)
	}
	return true, cmd.Handler(con, args)
}

// HelpText renders one line per command, each ending in CRLF
func (r *CommandRegistry) HelpText() string {
	var sb strings.Builder
	sb.WriteString("Available commands:\r\n")
	for _, cmd := range r.Commands() {
		fmt.Fprintf(&sb, "%-11s- %s\r\n", strings.Join(cmd.Names(), ", "), cmd.Help)
	}
	return sb.String()
}
