package metrics

import (
	"testing"
	"time"
)

// recordingBackend captures every event so tests can assert names and labels.
type recordingBackend struct {
	counters []struct {
		name   string
		delta  float64
		labels Labels
	}
	histograms []struct {
		name   string
		value  float64
		labels Labels
	}
	flushed int
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.counters = append(r.counters, struct {
		name   string
		delta  float64
		labels Labels
	}{name, delta, labels})
}

func (r *recordingBackend) ObserveHistogram(name string, value float64, labels Labels) {
	r.histograms = append(r.histograms, struct {
		name   string
		value  float64
		labels Labels
	}{name, value, labels})
}

func (r *recordingBackend) Flush() error {
	r.flushed++
	return nil
}

// The package backend is global state, so these tests run sequentially and
// restore the nop backend when done.

func TestRecordRows(t *testing.T) {
	rec := &recordingBackend{}
	SetBackend(rec)
	defer SetBackend(nil)

	RecordRows("fact_listing", "succeeded", 42)
	RecordRows("fact_listing", "skipped", 0)

	if len(rec.counters) != 1 {
		t.Fatalf("got %d counter events, want 1 (zero counts dropped)", len(rec.counters))
	}
	c := rec.counters[0]
	if c.name != RowsTotal || c.delta != 42 {
		t.Fatalf("counter = %s/%v", c.name, c.delta)
	}
	if c.labels["table"] != "fact_listing" || c.labels["status"] != "succeeded" {
		t.Fatalf("labels = %v", c.labels)
	}
}

func TestRecordRun(t *testing.T) {
	rec := &recordingBackend{}
	SetBackend(rec)
	defer SetBackend(nil)

	RecordRun("fact_listing", "ok", 1500*time.Millisecond)

	if len(rec.counters) != 1 || rec.counters[0].name != RunsTotal {
		t.Fatalf("counters = %+v", rec.counters)
	}
	if len(rec.histograms) != 1 {
		t.Fatalf("histograms = %+v", rec.histograms)
	}
	h := rec.histograms[0]
	if h.name != RunDurationSeconds || h.value != 1.5 {
		t.Fatalf("histogram = %s/%v, want %s/1.5", h.name, h.value, RunDurationSeconds)
	}
	if h.labels["table"] != "fact_listing" {
		t.Fatalf("histogram labels = %v", h.labels)
	}
}

func TestRecordReferenceRows(t *testing.T) {
	rec := &recordingBackend{}
	SetBackend(rec)
	defer SetBackend(nil)

	RecordReferenceRows("dim_fuel", 7)
	RecordReferenceRows("dim_color", -1)

	if len(rec.counters) != 1 {
		t.Fatalf("got %d counter events, want 1", len(rec.counters))
	}
	if rec.counters[0].name != ReferenceRowsTotal || rec.counters[0].labels["table"] != "dim_fuel" {
		t.Fatalf("counter = %+v", rec.counters[0])
	}
}

func TestFlush_DelegatesWhenSupported(t *testing.T) {
	rec := &recordingBackend{}
	SetBackend(rec)
	defer SetBackend(nil)

	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if rec.flushed != 1 {
		t.Fatalf("flushed = %d, want 1", rec.flushed)
	}
}

func TestFlush_NopBackendIsSilent(t *testing.T) {
	SetBackend(nil)
	if err := Flush(); err != nil {
		t.Fatalf("Flush on nop backend: %v", err)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	rec := &recordingBackend{}
	SetBackend(rec)
	SetBackend(nil)

	IncCounter(RowsTotal, 1, nil)
	if len(rec.counters) != 0 {
		t.Fatalf("events reached a replaced backend: %+v", rec.counters)
	}
}
