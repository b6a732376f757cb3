package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netconsole.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 1460, cfg.Network.MSS)
	assert.Equal(t, 10, cfg.Network.MaxConnections)
	assert.Equal(t, 500*time.Millisecond, cfg.Network.PollInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.Network.Yield)

	assert.Equal(t, ":80", cfg.Network.Webserver.Listen)
	assert.Equal(t, 40, cfg.Network.Webserver.IdlePolls)
	assert.Equal(t, 10, cfg.Network.Webserver.OutputSlots)
	assert.True(t, cfg.Network.Webserver.Enabled())

	assert.Equal(t, ":23", cfg.Network.Telnet.Listen)
	assert.Equal(t, 0, cfg.Network.Telnet.IdlePolls)
	assert.Equal(t, 16, cfg.Network.Telnet.OutputSlots)
	assert.Equal(t, 10, cfg.Network.Telnet.ThrottleHigh)
	assert.Equal(t, 5, cfg.Network.Telnet.ThrottleLow)

	assert.Equal(t, ":115", cfg.Network.SFTP.Listen)
	assert.Equal(t, 132, cfg.Network.SFTP.LineSize)

	assert.Equal(t, "./sd", cfg.Storage.Root)
	assert.Equal(t, InterpreterSimulated, cfg.Interpreter.Type)
	assert.Equal(t, 30*time.Second, cfg.Interpreter.Serial.ReplyTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
network:
  mss: 536
  poll_interval: 250ms
  webserver:
    listen: "127.0.0.1:8080"
    idle_polls: -1
  telnet:
    listen: ":2323"
    throttle_high: 20
    throttle_low: 2
  sftp:
    enable: false
storage:
  root: /var/lib/netconsole
interpreter:
  type: serial
  serial:
    device: /dev/ttyUSB1
    baud: 250000
    reply_timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 536, cfg.Network.MSS)
	assert.Equal(t, 250*time.Millisecond, cfg.Network.PollInterval)
	assert.Equal(t, "127.0.0.1:8080", cfg.Network.Webserver.Listen)
	assert.Equal(t, 0, cfg.Network.Webserver.IdlePolls, "negative idle_polls disables the timeout")
	assert.Equal(t, ":2323", cfg.Network.Telnet.Listen)
	assert.Equal(t, 20, cfg.Network.Telnet.ThrottleHigh)
	assert.Equal(t, 2, cfg.Network.Telnet.ThrottleLow)
	assert.Equal(t, 16, cfg.Network.Telnet.OutputSlots)
	assert.False(t, cfg.Network.SFTP.Enabled())
	assert.True(t, cfg.Network.Telnet.Enabled())
	assert.Equal(t, "/var/lib/netconsole", cfg.Storage.Root)
	assert.Equal(t, InterpreterSerial, cfg.Interpreter.Type)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Interpreter.Serial.Device)
	assert.Equal(t, 250000, cfg.Interpreter.Serial.Baud)
	assert.Equal(t, 5*time.Second, cfg.Interpreter.Serial.ReplyTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Interpreter.Serial.ReadTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NETCONSOLE_LOG_LEVEL", "warn")
	t.Setenv("NETCONSOLE_STORAGE_ROOT", "/tmp/sd")
	t.Setenv("NETCONSOLE_INTERPRETER", "serial")
	t.Setenv("NETCONSOLE_SERIAL_DEVICE", "/dev/ttyACM3")

	path := writeConfig(t, "log:\n  level: debug\nstorage:\n  root: ./files\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/tmp/sd", cfg.Storage.Root)
	assert.Equal(t, InterpreterSerial, cfg.Interpreter.Type)
	assert.Equal(t, "/dev/ttyACM3", cfg.Interpreter.Serial.Device)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":80", cfg.Network.Webserver.Listen)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	_, err = Load(writeConfig(t, "network: [not, a, map\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"interpreter", "interpreter:\n  type: marlin\n", "unknown interpreter type"},
		{"log format", "log:\n  format: xml\n", "unknown log format"},
		{"throttle", "network:\n  telnet:\n    throttle_high: 3\n    throttle_low: 4\n", "throttle_low"},
		{"mss", "network:\n  mss: 10\n", "too small"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
