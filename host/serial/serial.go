// Package serial opens the serial port of a board the console forwards
// commands to.
package serial

import (
	"io"
	"time"
)

// Port represents a serial port interface. Tests substitute an in-memory
// implementation.
type Port interface {
	io.ReadWriteCloser

	// Flush discards data received but not yet read
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate, ignored by USB CDC devices
	Baud int

	// Longest a Read blocks before returning no data, 0 blocks forever
	ReadTimeout time.Duration
}

// DefaultConfig returns the settings used by printer firmwares
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}
