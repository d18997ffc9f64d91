// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from the ingestion pipeline.
//
//   - Backend is a narrow interface focused on counters and timing data.
//   - A global, pluggable backend defaults to a no-op implementation, so
//     metrics are always safe to call even when no backend is configured.
//   - Concrete metric systems (Pushgateway, DogStatsD) live in subpackages,
//     mirroring the destination registry.
package metrics

import (
	"sync"
	"time"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// Metric names shared by every backend.
const (
	StepTotal           = "stageload_step_total"
	StepDurationSeconds = "stageload_step_duration_seconds"
	RecordsTotal        = "stageload_records_total"
	BatchesTotal        = "stageload_batches_total"
)

// Pipeline steps.
const (
	StepStart    = "start"
	StepFlush    = "flush"
	StepTyping   = "typing"
	StepFinalize = "finalize"
	StepPurge    = "purge"
)

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of step and observes its duration.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordRecords increments a record-level counter. Kinds used by the
// pipeline are "accepted", "flushed" and "states".
func RecordRecords(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatch counts one flushed batch by its trigger.
func RecordBatch(job, trigger string) {
	current().IncCounter(BatchesTotal, 1, Labels{
		"job":     job,
		"trigger": trigger,
	})
}
