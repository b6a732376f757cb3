package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultYield is how long DrainOne waits for a silent interpreter before
// giving the loop back
const DefaultYield = 10 * time.Millisecond

type execution struct {
	cmd       PendingCommand
	sink      ResultSink
	reqs      chan request
	parked    *request
	abandoned bool
}

// Queue is the command bridge shared by all services. Commands run in
// submission order across every destination, one at a time. All methods
// must be called from the poll loop goroutine.
type Queue struct {
	interp Interpreter
	log    zerolog.Logger

	pending []PendingCommand
	sinks   map[int]ResultSink
	active  *execution
	ready   chan struct{}
	yield   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	executed uint64
}

// NewQueue creates a bridge running commands through interp
func NewQueue(interp Interpreter, logger zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		interp: interp,
		log:    logger.With().Str("component", "bridge").Logger(),
		sinks:  make(map[int]ResultSink),
		ready:  make(chan struct{}, 1),
		yield:  DefaultYield,
		ctx:    ctx,
		cancel: cancel,
	}
	q.sinks[DestNull] = NullSink
	return q
}

// SetYield sets how long DrainOne waits for interpreter output
func (q *Queue) SetYield(d time.Duration) {
	if d > 0 {
		q.yield = d
	}
}

// RegisterSink stores the sink for dest, replacing any previous one
func (q *Queue) RegisterSink(dest int, sink ResultSink) {
	q.sinks[dest] = sink
}

// Submit appends a command and returns the new queue depth
func (q *Queue) Submit(text string, dest int) int {
	q.pending = append(q.pending, PendingCommand{Text: text, Dest: dest})
	q.log.Debug().Str("cmd", text).Int("dest", dest).Int("depth", len(q.pending)).Msg("command queued")
	return len(q.pending)
}

// Len returns the number of commands waiting to run
func (q *Queue) Len() int {
	return len(q.pending)
}

// Busy reports whether a command is executing
func (q *Queue) Busy() bool {
	return q.active != nil
}

// Executed returns the number of completed commands
func (q *Queue) Executed() uint64 {
	return q.executed
}

// Ready is signalled when the running command has output waiting.
// The poll loop selects on it so a slow interpreter wakes it up.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// DrainOne makes progress on the command bridge: it starts the oldest
// command when none is running and delivers its output until the command
// ends, a sink pushes back, or the interpreter stays silent for the yield
// period. It reports whether anything happened; false means idle or
// blocked.
func (q *Queue) DrainOne() bool {
	started := false
	if q.active == nil {
		if len(q.pending) == 0 {
			return false
		}
		q.start()
		started = true
	}
	return q.pump() || started
}

func (q *Queue) start() {
	cmd := q.pending[0]
	q.pending[0] = PendingCommand{}
	q.pending = q.pending[1:]

	sink, ok := q.sinks[cmd.Dest]
	if !ok {
		q.log.Warn().Int("dest", cmd.Dest).Msg("no sink registered, discarding output")
		sink = NullSink
	}

	ex := &execution{cmd: cmd, sink: sink, reqs: make(chan request, 1)}
	out := &Output{ctx: q.ctx, reqs: ex.reqs, ready: q.ready}
	q.active = ex

	q.log.Debug().Str("cmd", cmd.Text).Int("dest", cmd.Dest).Msg("executing")
	go q.run(cmd.Text, out)
}

// run executes one command on its own goroutine. It only talks to the loop
// through out, so the two never touch shared state at the same time.
func (q *Queue) run(text string, out *Output) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str("cmd", text).Interface("panic", r).Msg("interpreter panic")
			out.WriteString(fmt.Sprintf("error: %v\n", r))
		}
		out.end()
	}()

	if err := q.interp.Execute(q.ctx, text, out); err != nil && !errors.Is(err, ErrSinkClosed) {
		out.WriteString(fmt.Sprintf("error: %v\n", err))
	}
}

func (q *Queue) pump() bool {
	ex := q.active
	progressed := false

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if ex.parked == nil {
			select {
			case r := <-ex.reqs:
				ex.parked = &r
			default:
				if timer == nil {
					timer = time.NewTimer(q.yield)
				}
				select {
				case r := <-ex.reqs:
					ex.parked = &r
				case <-timer.C:
					return progressed
				}
			}
		}

		r := ex.parked
		st := q.deliver(ex, r)
		if st == Backpressure {
			return progressed
		}
		ex.parked = nil
		progressed = true
		r.reply <- st

		if r.end {
			q.active = nil
			q.executed++
			return true
		}
	}
}

func (q *Queue) deliver(ex *execution, r *request) Status {
	if ex.abandoned {
		return Closed
	}
	var st Status
	if r.end {
		st = ex.sink.End()
	} else {
		st = ex.sink.Write(r.text)
	}
	if st == Closed {
		ex.abandoned = true
		q.log.Debug().Str("cmd", ex.cmd.Text).Msg("receiver gone, abandoning output")
	}
	return st
}

// Close cancels the context handed to running interpreters
func (q *Queue) Close() {
	q.cancel()
}
