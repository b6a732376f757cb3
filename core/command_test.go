package core

import (
	"bytes"
	"strings"
	"testing"
)

type bufConsole struct {
	bytes.Buffer
	closed bool
}

func (c *bufConsole) Close() { c.closed = true }

func TestCommandRegistry(t *testing.T) {
	registry := NewCommandRegistry()

	var gotArgs []string
	registry.Register("test", "run a test", func(con Console, args []string) error {
		gotArgs = args
		con.Write([]byte("done\r\n"))
		return nil
	})

	cmd, ok := registry.Lookup("test")
	if !ok {
		t.Fatal("Failed to retrieve registered command")
	}
	if cmd.Name != "test" {
		t.Errorf("Expected command name 'test', got '%s'", cmd.Name)
	}

	con := &bufConsole{}
	handled, err := registry.Dispatch(con, `test 5 "two words"`)
	if !handled || err != nil {
		t.Fatalf("Expected dispatch to succeed, got %v %v", handled, err)
	}
	if len(gotArgs) != 3 || gotArgs[2] != "two words" {
		t.Errorf("Expected shell-style args, got %q", gotArgs)
	}
	if con.String() != "done\r\n" {
		t.Errorf("Expected handler output, got %q", con.String())
	}

	handled, _ = registry.Dispatch(con, "G28")
	if handled {
		t.Error("Expected unknown command to be left to the caller")
	}

	handled, _ = registry.Dispatch(con, "   ")
	if handled {
		t.Error("Expected blank line not to dispatch")
	}
}

func TestCommandRegistryAliases(t *testing.T) {
	registry := NewCommandRegistry()

	registry.Register("help", "show help", func(con Console, args []string) error { return nil }, "?")
	registry.Register("exit", "exit shell", func(con Console, args []string) error {
		con.Close()
		return nil
	}, "quit")
	// Duplicate registration keeps the first one
	registry.Register("help", "other", nil)

	if registry.Count() != 2 {
		t.Errorf("Expected 2 commands, got %d", registry.Count())
	}

	if cmd, ok := registry.Lookup("?"); !ok || cmd.Name != "help" {
		t.Error("Expected ? to resolve to help")
	}

	con := &bufConsole{}
	registry.Dispatch(con, "quit")
	if !con.closed {
		t.Error("Expected quit alias to close the console")
	}

	help := registry.HelpText()
	if !strings.HasPrefix(help, "Available commands:\r\n") {
		t.Errorf("Unexpected help header: %q", help)
	}
	if !strings.Contains(help, "help, ?    - show help\r\n") {
		t.Errorf("Expected aligned help line, got %q", help)
	}
	if strings.Index(help, "help") > strings.Index(help, "exit") {
		t.Error("Expected commands in registration order")
	}
}

func TestCommandRegistryBadQuoting(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register("test", "", func(con Console, args []string) error { return nil })

	handled, err := registry.Dispatch(&bufConsole{}, `test "unterminated`)
	if !handled || err == nil {
		t.Errorf("Expected parse error for bad quoting, got %v %v", handled, err)
	}
}
