package typing

import (
	"sync"
	"time"

	"github.com/juju/clock"

	"stageload/internal/catalog"
)

// DefaultIntervals is the escalating wait between incremental typing runs of
// one stream. The last interval repeats.
var DefaultIntervals = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	4 * time.Hour,
}

// ValveOptions configures a Valve.
type ValveOptions struct {
	// Disabled makes Ready always false; typing then only runs at close.
	Disabled bool
	// Intervals overrides DefaultIntervals.
	Intervals []time.Duration
	// MinNewRows is the number of raw rows that must arrive since the last
	// run before the valve opens.
	MinNewRows int64
}

type valveState struct {
	lastRun time.Time
	step    int
	rows    int64
}

// Valve decides when incremental typing may run for a stream. Runs get
// progressively rarer so long syncs do not spend their time re-typing.
type Valve struct {
	opts  ValveOptions
	clock clock.Clock

	mu      sync.Mutex
	streams map[catalog.StreamIdentity]*valveState
}

// NewValve returns a Valve using clk.
func NewValve(opts ValveOptions, clk clock.Clock) *Valve {
	if clk == nil {
		clk = clock.WallClock
	}
	if len(opts.Intervals) == 0 {
		opts.Intervals = DefaultIntervals
	}
	return &Valve{opts: opts, clock: clk, streams: make(map[catalog.StreamIdentity]*valveState)}
}

// Add starts the interval schedule for id. Streams are added implicitly on
// first use.
func (v *Valve) Add(id catalog.StreamIdentity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state(id)
}

func (v *Valve) state(id catalog.StreamIdentity) *valveState {
	s, ok := v.streams[id]
	if !ok {
		s = &valveState{lastRun: v.clock.Now()}
		v.streams[id] = s
	}
	return s
}

// Ready adds newRows to id's pending count and reports whether the current
// interval has elapsed with enough new rows to make a run worthwhile.
func (v *Valve) Ready(id catalog.StreamIdentity, newRows int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.state(id)
	s.rows += newRows
	if v.opts.Disabled || s.rows == 0 || s.rows < v.opts.MinNewRows {
		return false
	}
	return v.clock.Now().Sub(s.lastRun) >= v.opts.Intervals[s.step]
}

// Update records a completed run for id and moves it to the next interval.
func (v *Valve) Update(id catalog.StreamIdentity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.state(id)
	s.lastRun = v.clock.Now()
	s.rows = 0
	if s.step < len(v.opts.Intervals)-1 {
		s.step++
	}
}

// Interval returns the wait currently applied to id.
func (v *Valve) Interval(id catalog.StreamIdentity) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opts.Intervals[v.state(id).step]
}
