// Package protocol implements the connection layer of the network console:
// the transport contract, the TCP adapter and the per-connection byte stream
// helpers protocol handlers are built on.
package protocol

// Version represents the netconsole firmware version
const Version = "0.2.0"

// Connection constants
const (
	DefaultMSS      = 1460 // Maximum segment size for Ethernet
	DefaultMaxConns = 10   // Size of the connection table
	ChunkMax        = 256  // Largest single output chunk queued by a handler

	// Input ring sizing, in multiples of the MSS
	InputRingSegments = 4
	InputStopSegments = 2
)
