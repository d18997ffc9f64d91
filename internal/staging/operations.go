package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"stageload/internal/record"
	"stageload/internal/writeplan"
)

// Loader copies stage files into raw tables. It is implemented by the
// destination package.
type Loader interface {
	CreateSchema(ctx context.Context, schema string) error
	CreateRawTable(ctx context.Context, schema, table string) error
	// CopyIntoRawTable loads the rows of a stage file into wc's raw table and
	// returns the number of rows written.
	CopyIntoRawTable(ctx context.Context, wc writeplan.WriteConfig, file string) (int64, error)
}

// StagingIOError is returned when a staging step keeps failing after retries.
type StagingIOError struct {
	Op       string
	Stream   string
	Attempts int
	Err      error
}

func (e *StagingIOError) Error() string {
	if e.Stream == "" {
		return fmt.Sprintf("staging %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("staging %s for %s failed after %d attempt(s): %v", e.Op, e.Stream, e.Attempts, e.Err)
}

func (e *StagingIOError) Unwrap() error { return e.Err }

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RetryPolicy bounds retries of a staging step. Delays double up to MaxDelay.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// DefaultRetryPolicy is used when Operations.Retry is zero.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Delay:    500 * time.Millisecond,
	MaxDelay: 10 * time.Second,
}

// Operations is the staging collaborator of the pipeline.
type Operations struct {
	Store  *LocalStore
	Loader Loader
	Retry  RetryPolicy
	Log    *zap.Logger
}

func (o *Operations) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

func (o *Operations) policy() RetryPolicy {
	p := o.Retry
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryPolicy.Delay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	return p
}

// do runs fn with the retry policy. Permanent and context errors stop
// immediately.
func (o *Operations) do(ctx context.Context, op, stream string, fn func() error) error {
	p := o.policy()
	var (
		last     error
		attempts int
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			last = fn()
			return last
		},
		IsFatalError: func(err error) bool {
			return IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		NotifyFunc: func(err error, attempt int) {
			o.logger().Warn("staging step failed, retrying",
				zap.String("op", op),
				zap.String("stream", stream),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	return &StagingIOError{Op: op, Stream: stream, Attempts: attempts, Err: last}
}

// CreateSchemaIfNotExists creates the raw schema.
func (o *Operations) CreateSchemaIfNotExists(ctx context.Context, schema string) error {
	return o.do(ctx, "create schema", schema, func() error {
		return o.Loader.CreateSchema(ctx, schema)
	})
}

// CreateRawTableIfNotExists creates a raw table. Existing rows are kept.
func (o *Operations) CreateRawTableIfNotExists(ctx context.Context, schema, table string) error {
	return o.do(ctx, "create raw table", schema+"."+table, func() error {
		return o.Loader.CreateRawTable(ctx, schema, table)
	})
}

// CreateStageIfNotExists creates wc's stage directory.
func (o *Operations) CreateStageIfNotExists(ctx context.Context, wc writeplan.WriteConfig) error {
	return o.do(ctx, "create stage", wc.Identity().String(), func() error {
		return o.Store.Create(ctx, wc)
	})
}

// Flush uploads rows to the stage, copies the file into the raw table and
// removes the file. It returns the rows written to the raw table.
func (o *Operations) Flush(ctx context.Context, wc writeplan.WriteConfig, rows []record.Staged) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stream := wc.Identity().String()

	var path string
	if err := o.do(ctx, "upload", stream, func() error {
		p, err := o.Store.Upload(ctx, wc, rows)
		path = p
		return err
	}); err != nil {
		return 0, err
	}

	var n int64
	if err := o.do(ctx, "copy", stream, func() error {
		var err error
		n, err = o.Loader.CopyIntoRawTable(ctx, wc, path)
		return err
	}); err != nil {
		return 0, err
	}

	if err := o.Store.Remove(path); err != nil {
		o.logger().Warn("stage file not removed", zap.String("path", path), zap.Error(err))
	}
	return n, nil
}

// PurgeStage removes wc's stage directory.
func (o *Operations) PurgeStage(ctx context.Context, wc writeplan.WriteConfig) error {
	return o.do(ctx, "purge", wc.Identity().String(), func() error {
		return o.Store.Drop(ctx, wc)
	})
}
