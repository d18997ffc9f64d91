package flush

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"stageload/internal/buffer"
	"stageload/internal/catalog"
	"stageload/internal/record"
)

var (
	orders = catalog.StreamIdentity{Namespace: "shop", Name: "orders"}
	users  = catalog.StreamIdentity{Namespace: "shop", Name: "users"}
)

// flushSpy records every batch it sees and asserts the one-in-flight rule.
type flushSpy struct {
	mu       sync.Mutex
	seen     map[catalog.StreamIdentity][]int
	triggers []Trigger
	inFlight map[catalog.StreamIdentity]*atomic.Int32
	overlap  atomic.Bool
	fail     func(catalog.StreamIdentity) error
	delay    time.Duration
}

func newSpy() *flushSpy {
	return &flushSpy{
		seen:     map[catalog.StreamIdentity][]int{},
		inFlight: map[catalog.StreamIdentity]*atomic.Int32{orders: {}, users: {}},
	}
}

func (s *flushSpy) fn(ctx context.Context, b *buffer.Batch, trig Trigger) error {
	c := s.inFlight[b.Stream]
	if c.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer c.Add(-1)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail != nil {
		if err := s.fail(b.Stream); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, trig)
	for _, r := range b.Records() {
		var v struct{ N int }
		_ = json.Unmarshal(r.Data, &v)
		s.seen[b.Stream] = append(s.seen[b.Stream], v.N)
	}
	return nil
}

func (s *flushSpy) count(id catalog.StreamIdentity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen[id])
}

func enqueue(tb testing.TB, buf *buffer.Manager, id catalog.StreamIdentity, n int, size int64) {
	tb.Helper()
	for i := 0; i < n; i++ {
		r := &record.Record{Namespace: id.Namespace, Stream: id.Name, Data: json.RawMessage(`{"N":` + strconv.Itoa(i) + `}`)}
		if err := buf.Enqueue(context.Background(), r, size); err != nil {
			tb.Fatalf("Enqueue: %v", err)
		}
	}
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkers_CloseDrainsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := buffer.New(1<<20, clock.WallClock)
	spy := newSpy()
	spy.delay = time.Millisecond
	w := NewWorkers(buf, spy.fn, NewSignal(), Options{
		Workers:          3,
		OptimalBatchSize: 50, // five records per batch
		MaxBatchAge:      time.Hour,
		PollInterval:     10 * time.Millisecond,
	}, nil, nil)
	// Queue everything before starting so only the close trigger applies
	// to the tail batches.
	enqueue(t, buf, orders, 23, 10)
	enqueue(t, buf, users, 7, 10)

	w.Start(context.Background())
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for id, want := range map[catalog.StreamIdentity]int{orders: 23, users: 7} {
		got := spy.seen[id]
		if len(got) != want {
			t.Fatalf("%s flushed %d records, want %d", id, len(got), want)
		}
		for i, n := range got {
			if n != i {
				t.Fatalf("%s record %d = %d, out of order: %v", id, i, n, got)
			}
		}
	}
	if spy.overlap.Load() {
		t.Fatalf("more than one batch in flight for a stream")
	}
	if buf.Used() != 0 {
		t.Fatalf("buffer used = %d after drain, want 0", buf.Used())
	}
}

func TestWorkers_SizeTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := buffer.New(1<<20, clock.WallClock)
	spy := newSpy()
	w := NewWorkers(buf, spy.fn, NewSignal(), Options{
		Workers:          2,
		OptimalBatchSize: 30,
		MaxBatchAge:      time.Hour,
		PollInterval:     10 * time.Millisecond,
	}, nil, nil)
	w.Start(context.Background())

	enqueue(t, buf, orders, 4, 10)
	waitFor(t, "size-triggered flush", func() bool { return spy.count(orders) >= 3 })

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if spy.triggers[0] != TriggerSize {
		t.Fatalf("first trigger = %v, want size", spy.triggers[0])
	}
	if got := spy.count(orders); got != 4 {
		t.Fatalf("flushed %d, want 4", got)
	}
}

func TestWorkers_MemoryTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := buffer.New(100, clock.WallClock)
	spy := newSpy()
	w := NewWorkers(buf, spy.fn, NewSignal(), Options{
		Workers:          1,
		OptimalBatchSize: 1 << 20,
		MaxBatchAge:      time.Hour,
		PollInterval:     10 * time.Millisecond,
	}, nil, nil)
	w.Start(context.Background())

	enqueue(t, buf, users, 1, 5)
	enqueue(t, buf, orders, 9, 10)
	waitFor(t, "memory-triggered flush", func() bool { return spy.count(orders) == 9 })

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if spy.triggers[0] != TriggerMemory {
		t.Fatalf("first trigger = %v, want memory", spy.triggers[0])
	}
}

func TestWorkers_AgeTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	buf := buffer.New(1<<20, clk)
	spy := newSpy()
	w := NewWorkers(buf, spy.fn, NewSignal(), Options{
		Workers:          1,
		OptimalBatchSize: 1 << 20,
		MaxBatchAge:      5 * time.Minute,
		PollInterval:     time.Second,
	}, nil, clk)
	w.Start(context.Background())

	enqueue(t, buf, orders, 2, 10)
	waitFor(t, "age-triggered flush", func() bool {
		clk.Advance(time.Minute)
		return spy.count(orders) == 2
	})

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if spy.triggers[0] != TriggerAge {
		t.Fatalf("first trigger = %v, want age", spy.triggers[0])
	}
}

func TestWorkers_FailureStopsWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("copy failed")
	buf := buffer.New(1<<20, clock.WallClock)
	spy := newSpy()
	spy.fail = func(id catalog.StreamIdentity) error {
		if id == orders {
			return boom
		}
		return nil
	}
	sig := NewSignal()
	w := NewWorkers(buf, spy.fn, sig, Options{
		Workers:          1,
		OptimalBatchSize: 10,
		MaxBatchAge:      time.Hour,
		PollInterval:     10 * time.Millisecond,
	}, nil, nil)
	enqueue(t, buf, orders, 5, 10)
	w.Start(context.Background())

	waitFor(t, "failure signal", func() bool { return sig.Err() != nil })
	if err := w.Close(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Close err = %v, want %v", err, boom)
	}
	if got := spy.count(orders); got != 0 {
		t.Fatalf("flushed %d records from failing stream", got)
	}
	if buf.Used() == 0 {
		t.Fatalf("expected unflushed records to stay buffered after failure")
	}
}

func TestWorkers_BlockedEnqueueTriggersFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Two records use 80% of the budget: below the high-water mark, but the
	// third does not fit.
	buf := buffer.New(25, clock.WallClock)
	spy := newSpy()
	w := NewWorkers(buf, spy.fn, NewSignal(), Options{
		Workers:          1,
		OptimalBatchSize: 1 << 20,
		MaxBatchAge:      time.Hour,
		PollInterval:     time.Hour,
	}, nil, nil)
	w.Start(context.Background())

	enqueue(t, buf, orders, 2, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r := &record.Record{Namespace: orders.Namespace, Stream: orders.Name, Data: json.RawMessage(`{"N":2}`)}
	if err := buf.Enqueue(ctx, r, 10); err != nil {
		t.Fatalf("third Enqueue = %v, want it to proceed once a flush frees memory", err)
	}

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if spy.triggers[0] != TriggerMemory {
		t.Fatalf("first trigger = %v, want memory", spy.triggers[0])
	}
	if got := spy.count(orders); got != 3 {
		t.Fatalf("flushed %d, want 3", got)
	}
}

func TestWorkers_IdleAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	sig := NewSignal()
	w := NewWorkers(buffer.New(1<<20, clock.WallClock), func(context.Context, *buffer.Batch, Trigger) error { return nil },
		sig, Options{Workers: 1, PollInterval: time.Hour}, nil, nil)
	w.Start(context.Background())

	sig.Fail(errors.New("copy failed"))
	time.Sleep(20 * time.Millisecond)
	before := w.rounds.Load()
	time.Sleep(50 * time.Millisecond)
	if extra := w.rounds.Load() - before; extra > 2 {
		t.Fatalf("dispatcher ran %d rounds while failed and idle, want it parked", extra)
	}

	if err := w.Close(context.Background()); err == nil {
		t.Fatalf("Close err = nil, want the recorded failure")
	}
}

func TestWorkers_CloseWithoutStart(t *testing.T) {
	w := NewWorkers(buffer.New(10, nil), func(context.Context, *buffer.Batch, Trigger) error { return nil }, NewSignal(), Options{}, nil, nil)
	if err := w.Close(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestSignal_FirstErrorWins(t *testing.T) {
	t.Parallel()

	s := NewSignal()
	if s.Fail(nil) {
		t.Fatalf("Fail(nil) recorded")
	}
	first, second := errors.New("first"), errors.New("second")
	if !s.Fail(first) || s.Fail(second) {
		t.Fatalf("Fail should record only the first error")
	}
	if !errors.Is(s.Err(), first) {
		t.Fatalf("Err = %v, want first", s.Err())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed after Fail")
	}
}

func TestOptions_Defaults(t *testing.T) {
	t.Parallel()

	o := Options{}.withDefaults()
	if o.Workers != DefaultWorkers || o.OptimalBatchSize != DefaultOptimalBatchSize ||
		o.MaxBatchAge != DefaultMaxBatchAge || o.HighWater != DefaultHighWater {
		t.Fatalf("defaults = %+v", o)
	}
}
