// Package flush moves buffered records into staging with a fixed pool of
// workers. A single dispatcher decides what to flush (see Trigger) and hands
// batches to the workers; each stream has at most one batch in flight so
// batches of a stream are flushed in arrival order.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stageload/internal/buffer"
	"stageload/internal/catalog"
)

// Trigger is the reason a batch was dispatched.
type Trigger int

const (
	// TriggerSize fires when a stream queue reached the optimal batch size.
	TriggerSize Trigger = iota
	// TriggerMemory fires when buffer usage is above the high-water mark or
	// an Enqueue is blocked on the budget; the largest queue is flushed.
	TriggerMemory
	// TriggerAge fires when a queue's oldest record is older than MaxBatchAge.
	TriggerAge
	// TriggerClose drains everything.
	TriggerClose
)

// String implements fmt.Stringer.
func (t Trigger) String() string {
	switch t {
	case TriggerSize:
		return "size"
	case TriggerMemory:
		return "memory"
	case TriggerAge:
		return "age"
	case TriggerClose:
		return "close"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Defaults for Options.
const (
	DefaultWorkers          = 5
	DefaultOptimalBatchSize = 200 << 20
	DefaultMaxBatchAge      = 5 * time.Minute
	DefaultPollInterval     = time.Second
	DefaultHighWater        = 0.9
)

// ErrNotStarted is returned by Close when Start was never called.
var ErrNotStarted = errors.New("flush workers not started")

// Func flushes one batch. The batch memory is released by the pool after
// Func returns; Func may release it earlier with Release(true) once the
// records are durable.
type Func func(ctx context.Context, b *buffer.Batch, trigger Trigger) error

// Options configures Workers. Zero values take the defaults above.
type Options struct {
	Workers          int
	OptimalBatchSize int64
	MaxBatchAge      time.Duration
	PollInterval     time.Duration
	// HighWater is the fraction of the budget above which TriggerMemory fires.
	HighWater float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.OptimalBatchSize <= 0 {
		o.OptimalBatchSize = DefaultOptimalBatchSize
	}
	if o.MaxBatchAge <= 0 {
		o.MaxBatchAge = DefaultMaxBatchAge
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HighWater <= 0 || o.HighWater > 1 {
		o.HighWater = DefaultHighWater
	}
	return o
}

type job struct {
	batch   *buffer.Batch
	trigger Trigger
}

// Workers is the flush worker pool.
type Workers struct {
	buf   *buffer.Manager
	fn    Func
	sig   *Signal
	opts  Options
	log   *zap.Logger
	clock clock.Clock

	wake chan struct{}
	jobs chan job

	// rounds counts dispatcher iterations.
	rounds atomic.Int64

	mu       sync.Mutex
	leases   map[catalog.StreamIdentity]struct{}
	closing  bool
	started  bool
	g        *errgroup.Group
	finished chan struct{}
}

// NewWorkers builds a pool over buf. Failures are recorded on sig.
func NewWorkers(buf *buffer.Manager, fn Func, sig *Signal, opts Options, log *zap.Logger, clk clock.Clock) *Workers {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	opts = opts.withDefaults()
	return &Workers{
		buf:      buf,
		fn:       fn,
		sig:      sig,
		opts:     opts,
		log:      log.With(zap.String("component", "flush")),
		clock:    clk,
		wake:     make(chan struct{}, 1),
		jobs:     make(chan job),
		leases:   make(map[catalog.StreamIdentity]struct{}),
		finished: make(chan struct{}),
	}
}

// Options returns the effective options.
func (w *Workers) Options() Options { return w.opts }

// Start launches the dispatcher and the workers.
func (w *Workers) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	g, gctx := errgroup.WithContext(ctx)
	w.g = g
	for i := 0; i < w.opts.Workers; i++ {
		id := i
		g.Go(func() error { return w.work(gctx, id) })
	}
	g.Go(func() error {
		defer close(w.finished)
		return w.dispatch(gctx)
	})
	w.log.Info("flush workers started",
		zap.Int("workers", w.opts.Workers),
		zap.Int64("optimal_batch_bytes", w.opts.OptimalBatchSize),
		zap.Duration("max_batch_age", w.opts.MaxBatchAge),
	)
}

// Close drains the buffer through the workers and waits for them to exit.
// It returns the first flush failure, if any. Once a failure is recorded the
// remaining queued records are left in the buffer.
func (w *Workers) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return ErrNotStarted
	}
	w.closing = true
	g := w.g
	w.mu.Unlock()
	w.kick()

	errc := make(chan error, 1)
	go func() { errc <- g.Wait() }()

	select {
	case err := <-errc:
		if sigErr := w.sig.Err(); sigErr != nil {
			return sigErr
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the dispatcher has exited.
func (w *Workers) Done() <-chan struct{} { return w.finished }

func (w *Workers) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Workers) work(ctx context.Context, id int) error {
	for j := range w.jobs {
		w.run(ctx, id, j)
	}
	return nil
}

func (w *Workers) run(ctx context.Context, id int, j job) {
	defer func() {
		w.mu.Lock()
		delete(w.leases, j.batch.Stream)
		w.mu.Unlock()
		w.kick()
	}()

	if w.sig.Err() != nil {
		j.batch.Release(false)
		return
	}

	start := w.clock.Now()
	err := w.fn(ctx, j.batch, j.trigger)
	j.batch.Release(err == nil)
	if err != nil {
		if w.sig.Fail(err) {
			w.log.Error("flush failed",
				zap.Int("worker", id),
				zap.String("stream", j.batch.Stream.String()),
				zap.String("trigger", j.trigger.String()),
				zap.Error(err),
			)
		}
		return
	}
	w.log.Debug("batch flushed",
		zap.Int("worker", id),
		zap.String("stream", j.batch.Stream.String()),
		zap.String("trigger", j.trigger.String()),
		zap.Int("records", j.batch.Len()),
		zap.Int64("bytes", j.batch.Bytes),
		zap.Duration("elapsed", w.clock.Now().Sub(start)),
	)
}

// dispatch is the single scheduling loop. It owns the jobs channel.
func (w *Workers) dispatch(ctx context.Context) error {
	defer close(w.jobs)
	// failed is dropped from the select once it fires so a failed pool idles
	// until Close instead of spinning.
	failed := w.sig.Done()
	for {
		w.rounds.Add(1)
		closing, inFlight := w.state()
		if w.sig.Err() != nil && closing {
			return nil
		}
		if w.sig.Err() == nil {
			sent, err := w.schedule(ctx, closing)
			if err != nil {
				return err
			}
			if sent {
				continue
			}
		}
		if closing && inFlight == 0 && (w.sig.Err() != nil || len(w.buf.Snapshot()) == 0) {
			w.log.Info("flush workers drained")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-w.buf.Notify():
		case <-failed:
			failed = nil
		case <-w.clock.After(w.opts.PollInterval):
		}
	}
}

func (w *Workers) state() (closing bool, inFlight int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closing, len(w.leases)
}

// schedule dispatches at most one batch per unleased stream whose trigger
// fired. It reports whether anything was sent.
func (w *Workers) schedule(ctx context.Context, closing bool) (bool, error) {
	snap := w.buf.Snapshot()
	if len(snap) == 0 {
		return false, nil
	}
	// A blocked Enqueue is memory pressure whatever the usage: nothing else
	// frees the budget until a batch is flushed.
	pressure := float64(w.buf.Used()) >= w.opts.HighWater*float64(w.buf.Budget()) ||
		w.buf.Waiting() > 0
	now := w.clock.Now()

	sent := false
	for _, qs := range snap {
		if w.leased(qs.Stream) {
			continue
		}
		trigger, ok := w.trigger(qs, closing, pressure, now)
		if !ok {
			continue
		}
		if trigger == TriggerMemory {
			// Only the largest free queue is flushed for memory pressure.
			pressure = false
		}
		b := w.buf.Take(qs.Stream, w.opts.OptimalBatchSize)
		if b == nil {
			continue
		}
		w.lease(qs.Stream)
		select {
		case w.jobs <- job{batch: b, trigger: trigger}:
			sent = true
		case <-ctx.Done():
			b.Release(false)
			return sent, ctx.Err()
		}
	}
	return sent, nil
}

func (w *Workers) trigger(qs buffer.QueueStat, closing, pressure bool, now time.Time) (Trigger, bool) {
	switch {
	case closing:
		return TriggerClose, true
	case qs.Bytes >= w.opts.OptimalBatchSize:
		return TriggerSize, true
	case now.Sub(qs.Oldest) >= w.opts.MaxBatchAge:
		return TriggerAge, true
	case pressure:
		return TriggerMemory, true
	}
	return 0, false
}

func (w *Workers) leased(id catalog.StreamIdentity) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.leases[id]
	return ok
}

func (w *Workers) lease(id catalog.StreamIdentity) {
	w.mu.Lock()
	w.leases[id] = struct{}{}
	w.mu.Unlock()
}
