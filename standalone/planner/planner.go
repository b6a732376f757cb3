// Package planner is the motion planner of the simulated machine. Moves
// are checked against the travel limits and complete instantly, or after a
// scaled fraction of their real duration when a time scale is configured.
package planner

import (
	"context"
	"fmt"
	"time"

	"netconsole/standalone/gcode"
)

// AxisLimits represents position limits for an axis
type AxisLimits struct {
	Min float64
	Max float64
}

// Config holds the planner settings
type Config struct {
	X, Y, Z AxisLimits

	// Fraction of the real move time actually waited, 0 completes moves
	// at once
	TimeScale float64
}

// DefaultConfig returns the limits of a small Cartesian printer
func DefaultConfig() Config {
	return Config{
		X: AxisLimits{Min: 0, Max: 200},
		Y: AxisLimits{Min: 0, Max: 200},
		Z: AxisLimits{Min: 0, Max: 180},
	}
}

// Planner handles motion planning and execution
type Planner struct {
	config Config

	currentPos gcode.Position
	pending    time.Duration // Simulated motion not yet waited for
	moves      uint64
	distance   float64
}

// NewPlanner creates a new motion planner
func NewPlanner(config Config) *Planner {
	return &Planner{config: config}
}

// CheckLimits validates that a position is within configured limits
func (p *Planner) CheckLimits(pos gcode.Position) error {
	check := func(axis string, v float64, l AxisLimits) error {
		if v < l.Min || v > l.Max {
			return fmt.Errorf("%s position %.3f out of limits [%g, %g]", axis, v, l.Min, l.Max)
		}
		return nil
	}
	if err := check("X", pos.X, p.config.X); err != nil {
		return err
	}
	if err := check("Y", pos.Y, p.config.Y); err != nil {
		return err
	}
	return check("Z", pos.Z, p.config.Z)
}

// QueueMove adds a move to the queue
func (p *Planner) QueueMove(move *gcode.Move) error {
	if err := p.CheckLimits(move.End); err != nil {
		return err
	}

	if p.config.TimeScale > 0 && move.Velocity > 0 {
		seconds := move.Distance / move.Velocity * p.config.TimeScale
		p.pending += time.Duration(seconds * float64(time.Second))
	}
	p.currentPos = move.End
	p.moves++
	p.distance += move.Distance
	return nil
}

// GetCurrentPosition returns the position after the last queued move
func (p *Planner) GetCurrentPosition() gcode.Position {
	return p.currentPos
}

// SetPosition sets the current position without moving
func (p *Planner) SetPosition(pos gcode.Position) {
	p.currentPos = pos
}

// Dwell waits for queued motion and then for d
func (p *Planner) Dwell(ctx context.Context, d time.Duration) error {
	if err := p.WaitIdle(ctx); err != nil {
		return err
	}
	return sleep(ctx, d)
}

// WaitIdle blocks until queued motion has completed
func (p *Planner) WaitIdle(ctx context.Context) error {
	d := p.pending
	p.pending = 0
	return sleep(ctx, d)
}

// ClearQueue drops motion not yet waited for
func (p *Planner) ClearQueue() {
	p.pending = 0
}

// Moves returns the number of moves executed
func (p *Planner) Moves() uint64 {
	return p.moves
}

// Distance returns the total XYZ travel in mm
func (p *Planner) Distance() float64 {
	return p.distance
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
