package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"netconsole/standalone/gcode"
)

func TestPlannerLimits(t *testing.T) {
	p := NewPlanner(DefaultConfig())

	tests := []struct {
		end gcode.Position
		ok  bool
	}{
		{gcode.Position{X: 10, Y: 10}, true},
		{gcode.Position{X: 200, Y: 200, Z: 180}, true},
		{gcode.Position{X: -1}, false},
		{gcode.Position{Y: 201}, false},
		{gcode.Position{Z: 180.5}, false},
	}
	for _, tt := range tests {
		err := p.QueueMove(&gcode.Move{End: tt.end, Velocity: 50, Distance: 1})
		if (err == nil) != tt.ok {
			t.Errorf("Move to %v: expected ok=%v, got %v", tt.end, tt.ok, err)
		}
	}
	if p.Moves() != 2 {
		t.Errorf("Expected 2 moves executed, got %d", p.Moves())
	}
	if got := p.GetCurrentPosition(); got.X != 200 || got.Z != 180 {
		t.Errorf("Expected position unchanged by rejected moves, got %v", got)
	}
}

func TestPlannerTimeScale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeScale = 0.01
	p := NewPlanner(cfg)

	// 100 mm at 10 mm/s is 10 s, scaled to 100 ms
	if err := p.QueueMove(&gcode.Move{End: gcode.Position{X: 100}, Velocity: 10, Distance: 100}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := p.WaitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Expected ~100ms wait, got %v", elapsed)
	}

	start = time.Now()
	p.WaitIdle(context.Background())
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Expected no wait once idle, got %v", elapsed)
	}
}

func TestPlannerDwellCancel(t *testing.T) {
	p := NewPlanner(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Dwell(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
