// Package pipeline assembles the staging ingestion pipeline for one sync run
// and drives its lifecycle: Start prepares every stream's destination, Accept
// buffers records and state messages, and Close drains, finalizes and purges.
//
// Records are flushed to raw tables by a fixed pool of workers (package
// flush). A state message is handed to the OutputSink only once every record
// accepted before it is durable in a raw table.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"stageload/internal/buffer"
	"stageload/internal/catalog"
	"stageload/internal/flush"
	"stageload/internal/record"
	"stageload/internal/typing"
	"stageload/internal/writeplan"
)

// StagingOperations prepares stages and raw tables and moves batches into
// them. *staging.Operations implements it.
type StagingOperations interface {
	CreateSchemaIfNotExists(ctx context.Context, schema string) error
	CreateRawTableIfNotExists(ctx context.Context, schema, table string) error
	CreateStageIfNotExists(ctx context.Context, wc writeplan.WriteConfig) error
	// Flush writes rows to wc's raw table and returns the rows written.
	Flush(ctx context.Context, wc writeplan.WriteConfig, rows []record.Staged) (int64, error)
	PurgeStage(ctx context.Context, wc writeplan.WriteConfig) error
}

// OutputSink receives acknowledged state messages. Calls are serialized.
type OutputSink func(record.Message)

// Deps are the collaborators of a pipeline.
type Deps struct {
	Plan    []writeplan.WriteConfig
	Staging StagingOperations
	// Typer defaults to typing.Noop.
	Typer typing.TyperDeduper
	// Valve defaults to a valve with the standard schedule.
	Valve  *typing.Valve
	Sink   OutputSink
	Logger *zap.Logger
	Clock  clock.Clock
	// Job labels metrics; defaults to "stageload".
	Job string
}

// Options tune a pipeline. Zero values take defaults.
type Options struct {
	// MemoryBudget is the buffer size in bytes; 0 derives it from system memory.
	MemoryBudget     int64
	OptimalBatchSize int64
	FlushWorkers     int
	MaxBatchAge      time.Duration
	PollInterval     time.Duration
	// PurgeStagingOnSuccess removes a stream's stage once it is finalized.
	PurgeStagingOnSuccess bool
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

// Pipeline is one sync run.
type Pipeline struct {
	plan    []writeplan.WriteConfig
	index   map[catalog.StreamIdentity]writeplan.WriteConfig
	seq     map[catalog.StreamIdentity]*atomic.Int64
	staging StagingOperations
	typer   typing.TyperDeduper
	valve   *typing.Valve
	sink    OutputSink
	log     *zap.Logger
	clock   clock.Clock
	job     string
	opts    Options

	buf     *buffer.Manager
	sig     *flush.Signal
	workers *flush.Workers
	locks   *typing.Locks

	mu     sync.Mutex
	state  state
	intake sync.RWMutex
	runCtx context.Context
	cancel context.CancelFunc

	sinkMu sync.Mutex
}

// New validates the plan and assembles a pipeline. Destination collisions
// are reported as a *writeplan.ConfigurationError before anything is built.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if err := writeplan.DetectCollisions(deps.Plan); err != nil {
		return nil, err
	}
	if deps.Staging == nil {
		return nil, errors.New("pipeline: staging operations are required")
	}
	if deps.Typer == nil {
		deps.Typer = typing.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Valve == nil {
		deps.Valve = typing.NewValve(typing.ValveOptions{}, deps.Clock)
	}
	if deps.Sink == nil {
		deps.Sink = func(record.Message) {}
	}
	if deps.Job == "" {
		deps.Job = "stageload"
	}

	p := &Pipeline{
		plan:    deps.Plan,
		index:   writeplan.Index(deps.Plan),
		seq:     make(map[catalog.StreamIdentity]*atomic.Int64, len(deps.Plan)),
		staging: deps.Staging,
		typer:   deps.Typer,
		valve:   deps.Valve,
		sink:    deps.Sink,
		log:     deps.Logger.With(zap.String("component", "pipeline")),
		clock:   deps.Clock,
		job:     deps.Job,
		opts:    opts,
		sig:     flush.NewSignal(),
		locks:   typing.NewLocks(),
	}
	for _, wc := range deps.Plan {
		c := &atomic.Int64{}
		c.Store(seqBase(wc.SyncStart))
		p.seq[wc.Identity()] = c
	}

	budget := buffer.Budget(opts.MemoryBudget)
	p.buf = buffer.New(budget, deps.Clock)
	p.workers = flush.NewWorkers(p.buf, p.flushBatch, p.sig, flush.Options{
		Workers:          opts.FlushWorkers,
		OptimalBatchSize: opts.OptimalBatchSize,
		MaxBatchAge:      opts.MaxBatchAge,
		PollInterval:     opts.PollInterval,
	}, deps.Logger, deps.Clock)

	p.log.Info("pipeline assembled",
		zap.Int("streams", len(deps.Plan)),
		zap.Int64("memory_budget", budget),
		zap.Int("flush_workers", p.workers.Options().Workers),
		zap.Int64("optimal_batch_bytes", p.workers.Options().OptimalBatchSize),
	)
	return p, nil
}

// seqBase starts a run's sequence numbers above every earlier run's, so
// ordering by sequence stays meaningful across runs of the same stream.
func seqBase(syncStart time.Time) int64 {
	if syncStart.IsZero() {
		return 0
	}
	return syncStart.UnixMilli() << 20
}

// Plan returns the write plan of the run.
func (p *Pipeline) Plan() []writeplan.WriteConfig { return p.plan }

// Summary returns what stream wrote so far.
func (p *Pipeline) Summary(id catalog.StreamIdentity) typing.StreamSummary {
	_, flushed := p.buf.Counts(id)
	return typing.StreamSummary{RecordsWritten: flushed}
}
