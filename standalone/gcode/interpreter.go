package gcode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnsupported is returned for G, M and T codes the interpreter does not
// implement
var ErrUnsupported = errors.New("unsupported command")

// Planner receives the motion produced by the interpreter
type Planner interface {
	QueueMove(move *Move) error
	GetCurrentPosition() Position
	SetPosition(pos Position)
	Dwell(ctx context.Context, d time.Duration) error
}

// Config holds the interpreter settings
type Config struct {
	DefaultFeedRate float64 // mm/s
	AmbientTemp     float64 // Reported before a heater is switched on
	MaxTemp         float64 // Highest accepted heater target
}

// DefaultConfig returns the settings of the simulated machine
func DefaultConfig() Config {
	return Config{
		DefaultFeedRate: 50,
		AmbientTemp:     21,
		MaxTemp:         300,
	}
}

// Interpreter executes G-code commands
type Interpreter struct {
	state   *MachineState
	config  Config
	planner Planner
}

// NewInterpreter creates a new G-code interpreter
func NewInterpreter(config Config, planner Planner) *Interpreter {
	interp := &Interpreter{
		state: &MachineState{
			AbsoluteMode: true,
			FeedRate:     config.DefaultFeedRate,
			Temperature:  make(map[string]float64),
			TargetTemp:   make(map[string]float64),
		},
		config:  config,
		planner: planner,
	}
	for _, h := range []string{HeaterExtruder, HeaterBed} {
		interp.state.Temperature[h] = config.AmbientTemp
		interp.state.TargetTemp[h] = 0
	}
	return interp
}

// Execute executes a parsed G-code command. The returned text is the
// report that follows "ok" in the reply, empty for most commands.
func (interp *Interpreter) Execute(ctx context.Context, cmd *Command) (string, error) {
	if cmd == nil {
		return "", nil
	}

	switch cmd.Type {
	case 'G':
		return "", interp.executeG(ctx, cmd)
	case 'M':
		return interp.executeM(cmd)
	case 'T':
		return "", interp.executeT(cmd)
	case 0:
		return "", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, cmd.Code())
}

// executeG handles G-codes
func (interp *Interpreter) executeG(ctx context.Context, cmd *Command) error {
	switch cmd.Number {
	case 0, 1: // Linear move
		return interp.doMove(cmd)
	case 4: // Dwell, P in milliseconds or S in seconds
		d := time.Duration(cmd.GetParameter('P', 0)) * time.Millisecond
		if cmd.HasParameter('S') {
			d = time.Duration(cmd.GetParameter('S', 0) * float64(time.Second))
		}
		return interp.planner.Dwell(ctx, d)
	case 28: // Home
		return interp.doHome(cmd)
	case 90:
		interp.state.AbsoluteMode = true
	case 91:
		interp.state.AbsoluteMode = false
	case 92: // Set position
		return interp.doSetPosition(cmd)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, cmd.Code())
	}
	return nil
}

// executeM handles M-codes
func (interp *Interpreter) executeM(cmd *Command) (string, error) {
	switch cmd.Number {
	case 82: // Absolute extrusion
		interp.state.RelativeExtrude = false
	case 83: // Relative extrusion
		interp.state.RelativeExtrude = true
	case 104, 109: // Extruder temperature, 109 waits
		return "", interp.setTemp(HeaterExtruder, cmd)
	case 140, 190: // Bed temperature, 190 waits
		return "", interp.setTemp(HeaterBed, cmd)
	case 105:
		return interp.temperatureReport(), nil
	case 114:
		return "C: " + interp.planner.GetCurrentPosition().String(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, cmd.Code())
	}
	return "", nil
}

// executeT handles tool changes. The machine has a single extruder.
func (interp *Interpreter) executeT(cmd *Command) error {
	if cmd.Number != 0 {
		return fmt.Errorf("no tool %d", cmd.Number)
	}
	return nil
}

// setTemp changes a heater target. The simulated heaters reach their
// target at once, so the waiting variants return immediately.
func (interp *Interpreter) setTemp(heater string, cmd *Command) error {
	if !cmd.HasParameter('S') {
		return nil
	}
	temp := cmd.GetParameter('S', 0)
	if temp < 0 || temp > interp.config.MaxTemp {
		return fmt.Errorf("%s target %.1f out of range", heater, temp)
	}
	interp.state.TargetTemp[heater] = temp
	if temp == 0 {
		interp.state.Temperature[heater] = interp.config.AmbientTemp
	} else {
		interp.state.Temperature[heater] = temp
	}
	return nil
}

func (interp *Interpreter) temperatureReport() string {
	s := interp.state
	return fmt.Sprintf("T:%.1f /%.1f B:%.1f /%.1f",
		s.Temperature[HeaterExtruder], s.TargetTemp[HeaterExtruder],
		s.Temperature[HeaterBed], s.TargetTemp[HeaterBed])
}

// doMove executes a linear move (G0/G1)
func (interp *Interpreter) doMove(cmd *Command) error {
	current := interp.planner.GetCurrentPosition()
	target := current

	if cmd.HasParameter('F') {
		feed := cmd.GetParameter('F', 0)
		if feed <= 0 {
			return fmt.Errorf("bad feed rate %g", feed)
		}
		interp.state.FeedRate = feed / 60.0 // mm/min to mm/s
	}

	axis := func(letter byte, cur float64) float64 {
		if !cmd.HasParameter(letter) {
			return cur
		}
		if interp.state.AbsoluteMode {
			return cmd.GetParameter(letter, cur)
		}
		return cur + cmd.GetParameter(letter, 0)
	}
	target.X = axis('X', current.X)
	target.Y = axis('Y', current.Y)
	target.Z = axis('Z', current.Z)

	if cmd.HasParameter('E') {
		if interp.state.RelativeExtrude {
			target.E = current.E + cmd.GetParameter('E', 0)
		} else {
			target.E = cmd.GetParameter('E', current.E)
		}
	}

	dx := target.X - current.X
	dy := target.Y - current.Y
	dz := target.Z - current.Z
	de := target.E - current.E
	distance := math.Sqrt(dx*dx + dy*dy + dz*dz)

	// Skip if no movement
	if distance < 0.001 && math.Abs(de) < 0.001 {
		return nil
	}

	return interp.planner.QueueMove(&Move{
		Start:    current,
		End:      target,
		Velocity: interp.state.FeedRate,
		Distance: distance,
	})
}

// doHome executes homing (G28). Homed axes are set to 0.
func (interp *Interpreter) doHome(cmd *Command) error {
	pos := interp.planner.GetCurrentPosition()
	all := !cmd.HasParameter('X') && !cmd.HasParameter('Y') && !cmd.HasParameter('Z')

	if all || cmd.HasParameter('X') {
		interp.state.Homed[0] = true
		pos.X = 0
	}
	if all || cmd.HasParameter('Y') {
		interp.state.Homed[1] = true
		pos.Y = 0
	}
	if all || cmd.HasParameter('Z') {
		interp.state.Homed[2] = true
		pos.Z = 0
	}
	interp.planner.SetPosition(pos)
	return nil
}

// doSetPosition sets the current position (G92)
func (interp *Interpreter) doSetPosition(cmd *Command) error {
	current := interp.planner.GetCurrentPosition()

	if cmd.HasParameter('X') {
		current.X = cmd.GetParameter('X', 0)
	}
	if cmd.HasParameter('Y') {
		current.Y = cmd.GetParameter('Y', 0)
	}
	if cmd.HasParameter('Z') {
		current.Z = cmd.GetParameter('Z', 0)
	}
	if cmd.HasParameter('E') {
		current.E = cmd.GetParameter('E', 0)
	}

	interp.planner.SetPosition(current)
	return nil
}

// GetState returns the current machine state
func (interp *Interpreter) GetState() *MachineState {
	return interp.state
}
