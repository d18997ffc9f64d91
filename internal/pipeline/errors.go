package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"stageload/internal/catalog"
)

// ErrInvalidState is returned when a lifecycle call is made out of order.
var ErrInvalidState = errors.New("pipeline: invalid state")

// StartError reports the setup step that failed for a stream.
type StartError struct {
	Stream catalog.StreamIdentity
	Step   string
	Err    error
}

func (e *StartError) Error() string {
	if e.Stream == (catalog.StreamIdentity{}) {
		return fmt.Sprintf("start: %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("start %s: %s: %v", e.Stream, e.Step, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StreamError ties an error to a stream.
type StreamError struct {
	Stream catalog.StreamIdentity
	Err    error
}

func (e *StreamError) Error() string { return e.Stream.String() + ": " + e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }

// FinalizationError aggregates the streams whose finalization failed at
// close. Every stream was attempted.
type FinalizationError struct {
	Streams []*StreamError
}

func (e *FinalizationError) Error() string {
	parts := make([]string, len(e.Streams))
	for i, s := range e.Streams {
		parts[i] = s.Error()
	}
	return fmt.Sprintf("finalize failed for %d stream(s): %s", len(e.Streams), strings.Join(parts, "; "))
}

// Unwrap exposes each stream failure to errors.Is and errors.As.
func (e *FinalizationError) Unwrap() []error {
	out := make([]error, len(e.Streams))
	for i, s := range e.Streams {
		out[i] = s
	}
	return out
}

// PurgeError is logged when a stage could not be purged. It never fails a run.
type PurgeError struct {
	Stream catalog.StreamIdentity
	Err    error
}

func (e *PurgeError) Error() string { return fmt.Sprintf("purge stage of %s: %v", e.Stream, e.Err) }

func (e *PurgeError) Unwrap() error { return e.Err }
