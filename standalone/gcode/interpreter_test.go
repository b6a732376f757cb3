package gcode

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordPlanner struct {
	pos    Position
	moves  []*Move
	dwells []time.Duration
}

func (p *recordPlanner) QueueMove(m *Move) error {
	p.moves = append(p.moves, m)
	p.pos = m.End
	return nil
}

func (p *recordPlanner) GetCurrentPosition() Position { return p.pos }
func (p *recordPlanner) SetPosition(pos Position)     { p.pos = pos }

func (p *recordPlanner) Dwell(ctx context.Context, d time.Duration) error {
	p.dwells = append(p.dwells, d)
	return nil
}

func run(t *testing.T, interp *Interpreter, line string) (string, error) {
	t.Helper()
	cmd, err := NewParser().ParseLine(line)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", line, err)
	}
	return interp.Execute(context.Background(), cmd)
}

func TestInterpreterMoves(t *testing.T) {
	planner := &recordPlanner{}
	interp := NewInterpreter(DefaultConfig(), planner)

	for _, line := range []string{"G28", "G1 X10 Y20 F600", "G91", "G1 X5", "G90", "G1 X0 Y0 Z0"} {
		if _, err := run(t, interp, line); err != nil {
			t.Fatalf("%s failed: %v", line, err)
		}
	}

	if len(planner.moves) != 3 {
		t.Fatalf("Expected 3 moves, got %d", len(planner.moves))
	}
	if got := planner.moves[1].End; got.X != 15 || got.Y != 20 {
		t.Errorf("Expected relative move to X15 Y20, got %v", got)
	}
	if planner.moves[0].Velocity != 10 {
		t.Errorf("Expected feed rate 10 mm/s, got %f", planner.moves[0].Velocity)
	}
	if planner.moves[0].Distance < 22.36 || planner.moves[0].Distance > 22.37 {
		t.Errorf("Expected distance ~22.36, got %f", planner.moves[0].Distance)
	}
	if st := interp.GetState(); !st.AbsoluteMode || st.Homed != [3]bool{true, true, true} {
		t.Errorf("Unexpected state %+v", st)
	}
}

func TestInterpreterReports(t *testing.T) {
	interp := NewInterpreter(DefaultConfig(), &recordPlanner{})

	run(t, interp, "G92 X1 Y2 Z3 E4")
	report, err := run(t, interp, "M114")
	if err != nil {
		t.Fatal(err)
	}
	if report != "C: X:1.0000 Y:2.0000 Z:3.0000 E:4.0000" {
		t.Errorf("Unexpected position report %q", report)
	}

	report, _ = run(t, interp, "M105")
	if report != "T:21.0 /0.0 B:21.0 /0.0" {
		t.Errorf("Unexpected temperature report %q", report)
	}

	run(t, interp, "M104 S200")
	run(t, interp, "M190 S60")
	report, _ = run(t, interp, "M105")
	if report != "T:200.0 /200.0 B:60.0 /60.0" {
		t.Errorf("Unexpected temperature report %q", report)
	}
}

func TestInterpreterExtrusionModes(t *testing.T) {
	planner := &recordPlanner{}
	interp := NewInterpreter(DefaultConfig(), planner)

	run(t, interp, "G1 E5")
	run(t, interp, "M83")
	run(t, interp, "G1 E2")
	run(t, interp, "M82")
	run(t, interp, "G1 E1")

	if planner.pos.E != 1 {
		t.Errorf("Expected E=1, got %f", planner.pos.E)
	}
	if len(planner.moves) != 3 || planner.moves[1].End.E != 7 {
		t.Errorf("Expected relative extrusion to E7, got %+v", planner.moves)
	}
}

func TestInterpreterDwell(t *testing.T) {
	planner := &recordPlanner{}
	interp := NewInterpreter(DefaultConfig(), planner)

	run(t, interp, "G4 P250")
	run(t, interp, "G4 S1.5")

	want := []time.Duration{250 * time.Millisecond, 1500 * time.Millisecond}
	if len(planner.dwells) != 2 || planner.dwells[0] != want[0] || planner.dwells[1] != want[1] {
		t.Errorf("Expected dwells %v, got %v", want, planner.dwells)
	}
}

func TestInterpreterErrors(t *testing.T) {
	interp := NewInterpreter(DefaultConfig(), &recordPlanner{})

	tests := []struct {
		line        string
		unsupported bool
	}{
		{"G29", true},
		{"M999", true},
		{"T1", false},
		{"M104 S400", false},
		{"G1 X1 F0", false},
	}
	for _, tt := range tests {
		_, err := run(t, interp, tt.line)
		if err == nil {
			t.Errorf("Expected error for %q", tt.line)
			continue
		}
		if errors.Is(err, ErrUnsupported) != tt.unsupported {
			t.Errorf("%q: unexpected error %v", tt.line, err)
		}
	}
}
