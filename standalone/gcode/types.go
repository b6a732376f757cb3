package gcode

import (
	"fmt"
	"sort"
	"strings"
)

// Position represents a position in machine coordinates
type Position struct {
	X float64
	Y float64
	Z float64
	E float64 // Extruder
}

func (p Position) String() string {
	return fmt.Sprintf("X:%.4f Y:%.4f Z:%.4f E:%.4f", p.X, p.Y, p.Z, p.E)
}

// Move is one linear move handed to the planner
type Move struct {
	Start    Position
	End      Position
	Velocity float64 // Feed rate (mm/s)
	Distance float64 // XYZ distance (mm)
}

// Heater names
const (
	HeaterExtruder = "extruder"
	HeaterBed      = "bed"
)

// MachineState represents the current machine state
type MachineState struct {
	Homed           [3]bool            // X, Y, Z
	AbsoluteMode    bool               // G90 vs G91
	RelativeExtrude bool               // M83 vs M82
	FeedRate        float64            // Current feed rate (mm/s)
	Temperature     map[string]float64 // Current temperatures
	TargetTemp      map[string]float64 // Target temperatures
}

// Command represents a parsed G-code line
type Command struct {
	Type       byte             // 'G', 'M', 'T', 0 for comment only lines
	Number     int              // Command number (0 for G0, 28 for G28)
	Parameters map[byte]float64 // X, Y, Z, E, F, S, ...
	Comment    string
	Line       int // N word, -1 when absent
}

// HasParameter checks if a parameter exists in the command
func (cmd *Command) HasParameter(param byte) bool {
	_, ok := cmd.Parameters[param]
	return ok
}

// GetParameter gets a parameter value, or returns the default if not present
func (cmd *Command) GetParameter(param byte, defaultValue float64) float64 {
	if val, ok := cmd.Parameters[param]; ok {
		return val
	}
	return defaultValue
}

// Code returns the command word, for example G1
func (cmd *Command) Code() string {
	if cmd.Type == 0 {
		return ""
	}
	return fmt.Sprintf("%c%d", cmd.Type, cmd.Number)
}

func (cmd *Command) String() string {
	var sb strings.Builder
	sb.WriteString(cmd.Code())
	letters := make([]byte, 0, len(cmd.Parameters))
	for l := range cmd.Parameters {
		letters = append(letters, l)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	for _, l := range letters {
		fmt.Fprintf(&sb, " %c%g", l, cmd.Parameters[l])
	}
	return sb.String()
}
