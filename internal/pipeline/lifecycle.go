package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stageload/internal/buffer"
	"stageload/internal/catalog"
	"stageload/internal/flush"
	"stageload/internal/metrics"
	"stageload/internal/record"
	"stageload/internal/writeplan"
)

// Start creates every stream's raw schema, raw table and stage, prepares the
// final tables and starts the flush workers. Nothing existing is truncated or
// dropped. The first failure aborts the run; a pipeline that failed to start
// cannot be started again.
//
// ctx bounds the flush workers for the rest of the run.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateNew {
		return fmt.Errorf("start: %w", ErrInvalidState)
	}

	begin := p.clock.Now()
	err := p.setup(ctx)
	metrics.RecordStep(p.job, metrics.StepStart, err, p.clock.Now().Sub(begin))
	if err != nil {
		p.state = stateClosed
		p.log.Error("start failed", zap.Error(err))
		return err
	}

	p.runCtx, p.cancel = context.WithCancel(ctx)
	runCtx, cancel := p.runCtx, p.cancel
	go func() {
		// A flush failure cancels in-flight work of every stream.
		select {
		case <-p.sig.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	p.workers.Start(runCtx)
	p.state = stateRunning
	p.log.Info("pipeline started", zap.Int("streams", len(p.plan)))
	return nil
}

func (p *Pipeline) setup(ctx context.Context) error {
	schemas := make(map[string]bool)
	for _, wc := range p.plan {
		id := wc.Identity()
		if !schemas[wc.OutputSchema] {
			if err := p.staging.CreateSchemaIfNotExists(ctx, wc.OutputSchema); err != nil {
				return &StartError{Stream: id, Step: "create raw schema", Err: err}
			}
			schemas[wc.OutputSchema] = true
		}
		if err := p.staging.CreateRawTableIfNotExists(ctx, wc.OutputSchema, wc.TableName); err != nil {
			return &StartError{Stream: id, Step: "create raw table", Err: err}
		}
		if err := p.staging.CreateStageIfNotExists(ctx, wc); err != nil {
			return &StartError{Stream: id, Step: "create stage", Err: err}
		}
		p.log.Debug("stream prepared",
			zap.String("stream", id.String()),
			zap.String("raw_table", wc.Key().String()),
		)
	}
	if err := p.typer.Prepare(ctx, p.plan); err != nil {
		return &StartError{Step: "prepare final tables", Err: err}
	}
	for _, wc := range p.plan {
		if wc.SyncMode != catalog.SyncModeOverwrite {
			p.valve.Add(wc.Identity())
		}
	}
	return nil
}

// Accept buffers one message. Records block while the memory budget is
// exhausted. Once a flush has failed Accept returns that failure.
func (p *Pipeline) Accept(ctx context.Context, msg record.Message) error {
	p.intake.RLock()
	defer p.intake.RUnlock()

	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	if st != stateRunning {
		return fmt.Errorf("accept: %w", ErrInvalidState)
	}
	if err := p.sig.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	switch msg.Type {
	case record.TypeRecord:
		id := msg.Record.Identity()
		if _, ok := p.index[id]; !ok {
			return fmt.Errorf("accept: record for stream %s which is not in the catalog", id)
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(p.runCtx, cancel)
		defer stop()
		if err := p.buf.Enqueue(ctx, msg.Record, 0); err != nil {
			if sigErr := p.sig.Err(); sigErr != nil {
				return sigErr
			}
			return fmt.Errorf("accept: %w", err)
		}
	case record.TypeState:
		p.buf.EnqueueState(msg.State)
		p.emitReadyStates()
	}
	return nil
}

// Close stops intake, drains the buffer, and finalizes every stream. Close
// runs once.
//
// Every stream is finalized even when another stream's finalization failed;
// the failures are returned together as a *FinalizationError. A stream's stage
// is purged once it is finalized when PurgeStagingOnSuccess is set; purge
// failures are logged only. When a flush failed during the run, finalization
// is skipped and the flush failure is returned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return fmt.Errorf("close: %w", ErrInvalidState)
	}
	p.state = stateClosed
	p.mu.Unlock()

	// Wait for Accept calls already in flight; later ones see stateClosed.
	p.intake.Lock()
	defer p.intake.Unlock()
	defer p.cancel()

	begin := p.clock.Now()
	flushErr := p.workers.Close(ctx)
	p.emitReadyStates()
	if flushErr != nil {
		p.log.Error("flush failed, skipping finalization", zap.Error(flushErr))
		return p.cleanup(ctx, flushErr)
	}
	p.log.Info("buffer drained", zap.Duration("elapsed", p.clock.Now().Sub(begin)))

	var failed []*StreamError
	for _, wc := range p.plan {
		id := wc.Identity()
		accepted, flushed := p.buf.Counts(id)
		metrics.RecordRecords(p.job, "accepted", accepted)
		metrics.RecordRecords(p.job, "flushed", flushed)

		if err := p.finalize(ctx, wc); err != nil {
			p.log.Error("finalize failed", zap.String("stream", id.String()), zap.Error(err))
			failed = append(failed, &StreamError{Stream: id, Err: err})
			continue
		}
		p.log.Info("stream finalized",
			zap.String("stream", id.String()),
			zap.String("sync_mode", string(wc.SyncMode)),
			zap.Int64("records", flushed),
		)
		if p.opts.PurgeStagingOnSuccess {
			p.purge(ctx, wc)
		}
	}

	var err error
	if len(failed) > 0 {
		err = &FinalizationError{Streams: failed}
	}
	return p.cleanup(ctx, err)
}

func (p *Pipeline) finalize(ctx context.Context, wc writeplan.WriteConfig) error {
	lock := p.locks.For(wc.Identity())
	begin := p.clock.Now()
	lock.Lock()
	err := p.typer.Finalize(ctx, wc, p.Summary(wc.Identity()))
	lock.Unlock()
	metrics.RecordStep(p.job, metrics.StepFinalize, err, p.clock.Now().Sub(begin))
	return err
}

func (p *Pipeline) purge(ctx context.Context, wc writeplan.WriteConfig) {
	begin := p.clock.Now()
	err := p.staging.PurgeStage(ctx, wc)
	metrics.RecordStep(p.job, metrics.StepPurge, err, p.clock.Now().Sub(begin))
	if err != nil {
		perr := &PurgeError{Stream: wc.Identity(), Err: err}
		p.log.Warn("stage not purged", zap.String("stream", wc.Identity().String()), zap.Error(perr))
	}
}

// cleanup releases typer resources and folds its error into err.
func (p *Pipeline) cleanup(ctx context.Context, err error) error {
	cerr := p.typer.Cleanup(ctx)
	if cerr == nil {
		return err
	}
	cerr = fmt.Errorf("cleanup: %w", cerr)
	p.log.Error("cleanup failed", zap.Error(cerr))
	if err == nil {
		return cerr
	}
	return errors.Join(err, cerr)
}

// flushBatch is the flush.Func of the pipeline: it stages the batch, copies
// it into the raw table, acknowledges states, and runs incremental typing when
// the valve opens.
func (p *Pipeline) flushBatch(ctx context.Context, b *buffer.Batch, trigger flush.Trigger) error {
	wc, ok := p.index[b.Stream]
	if !ok {
		return fmt.Errorf("flush: no write config for %s", b.Stream)
	}
	seq := p.seq[b.Stream]
	recs := b.Records()
	rows := make([]record.Staged, 0, len(recs))
	for _, r := range recs {
		s, err := record.NewStaged(r, seq.Add(1), wc.PrimaryKey)
		if err != nil {
			return fmt.Errorf("flush %s: %w", b.Stream, err)
		}
		rows = append(rows, s)
	}

	lock := p.locks.For(b.Stream)
	begin := p.clock.Now()
	lock.RLock()
	n, err := p.staging.Flush(ctx, wc, rows)
	lock.RUnlock()
	elapsed := p.clock.Now().Sub(begin)
	metrics.RecordStep(p.job, metrics.StepFlush, err, elapsed)
	if err != nil {
		return fmt.Errorf("flush %s: %w", b.Stream, err)
	}

	b.Release(true)
	metrics.RecordBatch(p.job, trigger.String())
	p.log.Info("batch",
		zap.String("stream", b.Stream.String()),
		zap.String("trigger", trigger.String()),
		zap.Int("records", len(rows)),
		zap.Int64("bytes", b.Bytes),
		zap.Int64("written", n),
		zap.Duration("elapsed", elapsed),
	)
	p.emitReadyStates()

	return p.typeIncrementally(ctx, wc, n)
}

func (p *Pipeline) typeIncrementally(ctx context.Context, wc writeplan.WriteConfig, newRows int64) error {
	id := wc.Identity()
	if wc.SyncMode == catalog.SyncModeOverwrite || !p.valve.Ready(id, newRows) {
		return nil
	}
	lock := p.locks.For(id)
	begin := p.clock.Now()
	lock.Lock()
	err := p.typer.TypeAndDedupe(ctx, wc)
	lock.Unlock()
	metrics.RecordStep(p.job, metrics.StepTyping, err, p.clock.Now().Sub(begin))
	if err != nil {
		return fmt.Errorf("type and dedupe %s: %w", id, err)
	}
	p.valve.Update(id)
	p.log.Info("incremental typing done",
		zap.String("stream", id.String()),
		zap.Duration("next_interval", p.valve.Interval(id)),
	)
	return nil
}

func (p *Pipeline) emitReadyStates() {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	states := p.buf.ReadyStates()
	for _, s := range states {
		p.sink(record.Message{Type: record.TypeState, State: s})
	}
	metrics.RecordRecords(p.job, "states", int64(len(states)))
}
