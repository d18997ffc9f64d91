package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"stageload/internal/catalog"
	"stageload/internal/record"
)

var (
	orders = catalog.StreamIdentity{Namespace: "shop", Name: "orders"}
	users  = catalog.StreamIdentity{Namespace: "shop", Name: "users"}
)

func rec(id catalog.StreamIdentity, data string) *record.Record {
	return &record.Record{Namespace: id.Namespace, Stream: id.Name, Data: json.RawMessage(data)}
}

func newManager(tb testing.TB, budget int64) (*Manager, *testclock.Clock) {
	tb.Helper()
	clk := testclock.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return New(budget, clk), clk
}

func mustEnqueue(tb testing.TB, m *Manager, r *record.Record, size int64) {
	tb.Helper()
	if err := m.Enqueue(context.Background(), r, size); err != nil {
		tb.Fatalf("Enqueue: %v", err)
	}
}

func TestBudget(t *testing.T) {
	orig := totalMemory
	defer func() { totalMemory = orig }()

	if got := Budget(123); got != 123 {
		t.Fatalf("Budget(123) = %d, want override", got)
	}

	totalMemory = func() (int64, bool) { return 10 << 30, true }
	if got, want := Budget(0), int64(float64(10<<30)*FixedRatio); got != want {
		t.Fatalf("Budget(0) = %d, want %d", got, want)
	}

	totalMemory = func() (int64, bool) { return 0, false }
	fallback := fallbackTotalMemory
	if got, want := Budget(-1), int64(float64(fallback)*FixedRatio); got != want {
		t.Fatalf("Budget fallback = %d, want %d", got, want)
	}
}

func TestTake_FIFOAndByteLimit(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 1000)
	for i := 0; i < 5; i++ {
		mustEnqueue(t, m, rec(orders, `{"i":`+string(rune('0'+i))+`}`), 10)
	}
	mustEnqueue(t, m, rec(users, `{}`), 10)

	b := m.Take(orders, 25)
	if b.Len() != 3 || b.Bytes != 30 {
		t.Fatalf("batch len=%d bytes=%d, want 3/30", b.Len(), b.Bytes)
	}
	got := b.Records()
	for i, r := range got {
		if want := `{"i":` + string(rune('0'+i)) + `}`; string(r.Data) != want {
			t.Fatalf("record[%d] = %s, want %s", i, r.Data, want)
		}
	}

	rest := m.Take(orders, 0)
	if rest.Len() != 2 {
		t.Fatalf("rest len = %d, want 2", rest.Len())
	}
	if m.Take(orders, 100) != nil {
		t.Fatalf("expected nil batch for empty queue")
	}
	if m.Used() != 60 {
		t.Fatalf("used = %d, want 60 until release", m.Used())
	}
	b.Release(true)
	rest.Release(false)
	if m.Used() != 10 {
		t.Fatalf("used = %d, want 10", m.Used())
	}
	if acc, fl := m.Counts(orders); acc != 5 || fl != 3 {
		t.Fatalf("counts = %d/%d, want 5/3", acc, fl)
	}
}

func TestTake_AlwaysAtLeastOne(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 1000)
	mustEnqueue(t, m, rec(orders, `{}`), 500)
	if b := m.Take(orders, 1); b == nil || b.Len() != 1 {
		t.Fatalf("expected single-record batch")
	}
}

func TestEnqueue_TooLarge(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 100)
	err := m.Enqueue(context.Background(), rec(orders, `{}`), 101)
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("err = %v, want ErrRecordTooLarge", err)
	}
}

func TestEnqueue_BlocksUntilRelease(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 100)
	mustEnqueue(t, m, rec(orders, `{}`), 80)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Enqueue(ctx, rec(orders, `{}`), 30); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded while full", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Enqueue(context.Background(), rec(orders, `{}`), 30) }()

	m.Take(orders, 0).Release(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Enqueue after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Enqueue did not unblock after release")
	}
}

func TestEnqueue_BlockedCallsAreCounted(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 100)
	mustEnqueue(t, m, rec(orders, `{}`), 80)
	<-m.Notify()

	done := make(chan error, 1)
	go func() { done <- m.Enqueue(context.Background(), rec(users, `{}`), 30) }()

	select {
	case <-m.Notify():
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked Enqueue did not notify")
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Waiting() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Waiting = %d, want 1", m.Waiting())
		}
		time.Sleep(time.Millisecond)
	}

	m.Take(orders, 0).Release(true)
	if err := <-done; err != nil {
		t.Fatalf("Enqueue after release: %v", err)
	}
	if got := m.Waiting(); got != 0 {
		t.Fatalf("Waiting = %d after unblock, want 0", got)
	}
}

func TestReadyStates_WaitForPrecedingRecords(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 1000)
	s1 := &record.State{Data: json.RawMessage(`1`)}
	s2 := &record.State{Data: json.RawMessage(`2`)}

	mustEnqueue(t, m, rec(orders, `{}`), 10)
	mustEnqueue(t, m, rec(users, `{}`), 10)
	m.EnqueueState(s1)
	mustEnqueue(t, m, rec(orders, `{}`), 10)
	m.EnqueueState(s2)

	if got := m.ReadyStates(); len(got) != 0 {
		t.Fatalf("ready = %d states before any flush, want 0", len(got))
	}

	bo := m.Take(orders, 0) // both orders records, spanning both checkpoints
	bo.Release(true)
	if got := m.ReadyStates(); len(got) != 0 {
		t.Fatalf("ready = %d, want 0 while users record is unflushed", len(got))
	}

	bu := m.Take(users, 0)
	bu.Release(true)
	got := m.ReadyStates()
	if len(got) != 2 || got[0] != s1 || got[1] != s2 {
		t.Fatalf("ready = %v, want [s1 s2]", got)
	}
	if m.PendingStates() != 0 {
		t.Fatalf("pending = %d, want 0", m.PendingStates())
	}
}

func TestReadyStates_FailedFlushBlocks(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 1000)
	mustEnqueue(t, m, rec(orders, `{}`), 10)
	m.EnqueueState(&record.State{Data: json.RawMessage(`1`)})

	m.Take(orders, 0).Release(false)
	if got := m.ReadyStates(); len(got) != 0 {
		t.Fatalf("ready = %d, want 0 after failed flush", len(got))
	}
}

func TestReadyStates_NoRecords(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 1000)
	m.EnqueueState(&record.State{Data: json.RawMessage(`1`)})
	if got := m.ReadyStates(); len(got) != 1 {
		t.Fatalf("ready = %d, want 1", len(got))
	}
}

func TestSnapshot_LargestFirstWithOldest(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t, 1000)
	t0 := clk.Now()
	mustEnqueue(t, m, rec(users, `{}`), 10)
	clk.Advance(time.Minute)
	mustEnqueue(t, m, rec(orders, `{}`), 50)

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Stream != orders || snap[1].Stream != users {
		t.Fatalf("snapshot = %+v, want orders then users", snap)
	}
	if !snap[1].Oldest.Equal(t0) {
		t.Fatalf("users oldest = %v, want %v", snap[1].Oldest, t0)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, 100)
	mustEnqueue(t, m, rec(orders, `{}`), 40)
	b := m.Take(orders, 0)
	b.Release(true)
	b.Release(true)
	if m.Used() != 0 {
		t.Fatalf("used = %d, want 0", m.Used())
	}
	if _, fl := m.Counts(orders); fl != 1 {
		t.Fatalf("flushed = %d, want 1", fl)
	}
}
