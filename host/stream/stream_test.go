package stream_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconsole/config"
	"netconsole/host/stream"
	"netconsole/network"
	"netconsole/standalone"
	"netconsole/storage"
)

func dialConsole(t *testing.T) *stream.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Network.PollInterval = 50 * time.Millisecond
	off := false
	cfg.Network.Webserver.Enable = &off
	cfg.Network.SFTP.Enable = &off
	cfg.Network.Telnet.Listen = "127.0.0.1:0"

	root, err := storage.Open(cfg.Storage.Root)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	machine := standalone.NewMachine(standalone.DefaultConfig(), root, zerolog.Nop())
	srv, err := network.New(cfg, root, machine, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c, err := stream.Dial(srv.Addr("telnet"), 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"G28", "G28"},
		{"  G1 X10 ; move\r", "G1 X10"},
		{"(header comment)", ""},
		{"; only a comment", ""},
		{"M104 S200 (heat)", "M104 S200"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := stream.Clean(tt.in); got != tt.want {
			t.Errorf("Clean(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestStreamFile(t *testing.T) {
	c := dialConsole(t)

	job := strings.Join([]string{
		"; test job",
		"G28",
		"",
		"G1 X10 Y5 F3000 ; first",
		"(pause)",
		"G1 X20",
		"G92 E0",
	}, "\n")

	var seen []string
	n, err := c.Stream(strings.NewReader(job), func(n int, line string) {
		seen = append(seen, line)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"G28", "G1 X10 Y5 F3000", "G1 X20", "G92 E0"}, seen)

	// Prompts are back on, replies still parse
	reply, err := c.Send("M114")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok C: X:20.0000 Y:5.0000 Z:0.0000 E:0.0000"}, reply)
	reply, err = c.Send("M105")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok T:21.0 /0.0 B:21.0 /0.0"}, reply)
}

func TestStreamStopsOnError(t *testing.T) {
	c := dialConsole(t)

	n, err := c.Stream(strings.NewReader("G28\nG1 X999\nG1 X1\n"), nil)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, stream.ErrRejected), err.Error())
	assert.Contains(t, err.Error(), "line 2")
}

func TestSendReportsUnsupported(t *testing.T) {
	c := dialConsole(t)

	reply, err := c.Send("bogus")
	assert.ErrorIs(t, err, stream.ErrRejected)
	assert.Equal(t, []string{"error:Unsupported command - bogus"}, reply)
}
