// Package metrics is the narrow facade between the sync engine and whatever
// metrics system a binary wires in. The engine emits through the package
// helpers; binaries install a Backend (Datadog, or nothing). The default
// backend drops everything, so library code can emit unconditionally.
package metrics

import (
	"sync"
	"time"
)

// Labels carries metric dimensions. Backends decide which keys they honor.
type Labels map[string]string

// Backend receives raw metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Metric names understood by the shipped backends.
const (
	RowsTotal          = "carsync_rows_total"
	RunsTotal          = "carsync_runs_total"
	RunDurationSeconds = "carsync_run_duration_seconds"
	ReferenceRowsTotal = "carsync_reference_rows_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the active backend. A nil b restores the nop
// backend. Meant to be called once during startup, before the engine runs.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		current = nopBackend{}
		return
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to a counter on the active backend.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample on the active backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush flushes the active backend when it supports flushing. Backends that
// buffer (Datadog) expose Flush() error; the nop backend does not.
func Flush() error {
	if f, ok := backend().(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// RecordRows counts per-row outcomes for one fact-table sync.
func RecordRows(table, status string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"table": table, "status": status})
}

// RecordRun counts one finished sync run and observes its duration.
func RecordRun(table, status string, d time.Duration) {
	IncCounter(RunsTotal, 1, Labels{"table": table, "status": status})
	ObserveHistogram(RunDurationSeconds, d.Seconds(), Labels{"table": table})
}

// RecordReferenceRows counts rows moved into one reference table.
func RecordReferenceRows(table string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(ReferenceRowsTotal, float64(n), Labels{"table": table})
}
