// Package typing turns raw staged rows into final tables. The engine itself
// is a collaborator (see TyperDeduper); this package also schedules
// incremental runs (Valve) and serializes them against inserts (Locks).
package typing

import (
	"context"
	"sync"

	"stageload/internal/catalog"
	"stageload/internal/writeplan"
)

// StreamSummary describes what one stream wrote during the run.
type StreamSummary struct {
	RecordsWritten int64
}

// TyperDeduper moves raw rows into final tables.
//
// TypeAndDedupe may run many times during a run for a stream; Finalize runs
// once per stream at close. Both must be safe to retry: raw rows are only
// marked loaded in the same unit of work that writes them to the final table.
type TyperDeduper interface {
	// Prepare creates or migrates final tables before any data is written.
	Prepare(ctx context.Context, plan []writeplan.WriteConfig) error
	// TypeAndDedupe incrementally applies unloaded raw rows.
	TypeAndDedupe(ctx context.Context, wc writeplan.WriteConfig) error
	// Finalize applies the remaining raw rows and any sync-mode specific
	// end-of-run work, such as replacing an overwrite stream's final table.
	Finalize(ctx context.Context, wc writeplan.WriteConfig, summary StreamSummary) error
	// Cleanup releases engine resources. It runs last.
	Cleanup(ctx context.Context) error
}

// Noop is the engine used when final tables are not managed.
type Noop struct{}

var _ TyperDeduper = Noop{}

func (Noop) Prepare(context.Context, []writeplan.WriteConfig) error { return nil }
func (Noop) TypeAndDedupe(context.Context, writeplan.WriteConfig) error {
	return nil
}
func (Noop) Finalize(context.Context, writeplan.WriteConfig, StreamSummary) error {
	return nil
}
func (Noop) Cleanup(context.Context) error { return nil }

// Locks hands out one RWMutex per stream. Raw inserts hold the read side so
// they can run alongside each other; typing holds the write side so it never
// observes a half-copied batch.
type Locks struct {
	mu sync.Mutex
	m  map[catalog.StreamIdentity]*sync.RWMutex
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{m: make(map[catalog.StreamIdentity]*sync.RWMutex)}
}

// For returns the lock of stream id, creating it on first use.
func (l *Locks) For(id catalog.StreamIdentity) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.m[id]
	if !ok {
		mu = &sync.RWMutex{}
		l.m[id] = mu
	}
	return mu
}
