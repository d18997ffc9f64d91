// Package buffer holds accepted records in memory until a flush worker takes
// them. Memory is bounded by a byte budget: Enqueue blocks while the buffer is
// full, and bytes are returned only when the batch holding them is released.
//
// The buffer also tracks state checkpoints. A state message becomes ready once
// every record enqueued before it (on any stream) has been flushed.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"stageload/internal/catalog"
	"stageload/internal/record"
)

// ErrRecordTooLarge is returned for a record that can never fit the budget.
var ErrRecordTooLarge = errors.New("record exceeds memory budget")

type entry struct {
	rec   *record.Record
	size  int64
	at    time.Time
	epoch int64
}

type queue struct {
	entries  []entry
	bytes    int64
	accepted int64
	flushed  int64
}

// checkpoint counts unflushed records enqueued before state. The last
// checkpoint is open: its state has not arrived yet.
type checkpoint struct {
	pending int64
	state   *record.State
}

// Manager is the bounded, per-stream FIFO record buffer.
type Manager struct {
	budget int64
	sem    *semaphore.Weighted
	clock  clock.Clock
	notify chan struct{}

	// waiting is the number of Enqueue calls blocked on the budget.
	waiting atomic.Int64

	mu     sync.Mutex
	used   int64
	queues map[catalog.StreamIdentity]*queue
	cps    []*checkpoint
	base   int64
}

// New returns a Manager that holds at most budget bytes.
func New(budget int64, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		budget: budget,
		sem:    semaphore.NewWeighted(budget),
		clock:  clk,
		notify: make(chan struct{}, 1),
		queues: make(map[catalog.StreamIdentity]*queue),
		cps:    []*checkpoint{{}},
	}
}

// Budget returns the byte budget.
func (m *Manager) Budget() int64 { return m.budget }

// Used returns the bytes currently held.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Waiting returns the number of Enqueue calls blocked until memory is freed.
func (m *Manager) Waiting() int64 { return m.waiting.Load() }

// Notify fires (coalesced) whenever records or states are enqueued.
func (m *Manager) Notify() <-chan struct{} { return m.notify }

func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends rec to its stream's queue. It blocks until size bytes of
// budget are free or ctx is done.
func (m *Manager) Enqueue(ctx context.Context, rec *record.Record, size int64) error {
	if size <= 0 {
		size = rec.Size()
	}
	if size > m.budget {
		return fmt.Errorf("%w: %s record of %d bytes, budget %d bytes",
			ErrRecordTooLarge, rec.Identity(), size, m.budget)
	}
	if !m.sem.TryAcquire(size) {
		m.waiting.Add(1)
		m.signal()
		err := m.sem.Acquire(ctx, size)
		m.waiting.Add(-1)
		if err != nil {
			return fmt.Errorf("wait for buffer memory: %w", err)
		}
	}

	m.mu.Lock()
	id := rec.Identity()
	q, ok := m.queues[id]
	if !ok {
		q = &queue{}
		m.queues[id] = q
	}
	open := m.cps[len(m.cps)-1]
	open.pending++
	q.entries = append(q.entries, entry{
		rec:   rec,
		size:  size,
		at:    m.clock.Now(),
		epoch: m.base + int64(len(m.cps)-1),
	})
	q.bytes += size
	q.accepted++
	m.used += size
	m.mu.Unlock()

	m.signal()
	return nil
}

// EnqueueState closes the current checkpoint with s.
func (m *Manager) EnqueueState(s *record.State) {
	m.mu.Lock()
	m.cps[len(m.cps)-1].state = s
	m.cps = append(m.cps, &checkpoint{})
	m.mu.Unlock()
	m.signal()
}

// ReadyStates pops, in arrival order, every state whose preceding records
// have all been flushed.
func (m *Manager) ReadyStates() []*record.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*record.State
	for len(m.cps) > 1 && m.cps[0].pending == 0 {
		out = append(out, m.cps[0].state)
		m.cps = m.cps[1:]
		m.base++
	}
	return out
}

// PendingStates returns the number of states not yet ready.
func (m *Manager) PendingStates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cps) - 1
}

// QueueStat describes one stream's queued records.
type QueueStat struct {
	Stream  catalog.StreamIdentity
	Records int
	Bytes   int64
	Oldest  time.Time
}

// Snapshot returns every non-empty queue, largest first.
func (m *Manager) Snapshot() []QueueStat {
	m.mu.Lock()
	out := make([]QueueStat, 0, len(m.queues))
	for id, q := range m.queues {
		if len(q.entries) == 0 {
			continue
		}
		out = append(out, QueueStat{
			Stream:  id,
			Records: len(q.entries),
			Bytes:   q.bytes,
			Oldest:  q.entries[0].at,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Stream.String() < out[j].Stream.String()
	})
	return out
}

// Counts returns the records accepted and successfully flushed for stream.
func (m *Manager) Counts(stream catalog.StreamIdentity) (accepted, flushed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[stream]; ok {
		return q.accepted, q.flushed
	}
	return 0, 0
}

// Take removes records from the front of stream's queue until at least
// maxBytes are collected; it always takes at least one record. It returns
// nil when the queue is empty.
func (m *Manager) Take(stream catalog.StreamIdentity, maxBytes int64) *Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[stream]
	if !ok || len(q.entries) == 0 {
		return nil
	}

	var (
		n     int
		bytes int64
	)
	for n < len(q.entries) {
		bytes += q.entries[n].size
		n++
		if maxBytes > 0 && bytes >= maxBytes {
			break
		}
	}
	taken := make([]entry, n)
	copy(taken, q.entries[:n])
	q.entries = q.entries[n:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	q.bytes -= bytes

	return &Batch{Stream: stream, Bytes: bytes, entries: taken, m: m}
}

// Batch is a run of records taken from one stream's queue. Its memory stays
// reserved until Release.
type Batch struct {
	Stream catalog.StreamIdentity
	Bytes  int64

	entries  []entry
	m        *Manager
	released bool
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return len(b.entries) }

// Records returns the batch records in arrival order.
func (b *Batch) Records() []*record.Record {
	out := make([]*record.Record, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.rec
	}
	return out
}

// Release returns the batch memory. When flushed is true the records count
// as durable and may unblock state checkpoints; otherwise they never will.
// Release is idempotent.
func (b *Batch) Release(flushed bool) {
	m := b.m
	m.mu.Lock()
	if b.released {
		m.mu.Unlock()
		return
	}
	b.released = true
	m.used -= b.Bytes
	if flushed {
		for _, e := range b.entries {
			if i := e.epoch - m.base; i >= 0 && int(i) < len(m.cps) {
				m.cps[i].pending--
			}
		}
		if q, ok := m.queues[b.Stream]; ok {
			q.flushed += int64(len(b.entries))
		}
	}
	m.mu.Unlock()

	m.sem.Release(b.Bytes)
	if flushed {
		m.signal()
	}
}
