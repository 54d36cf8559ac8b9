// Package datadog implements a Datadog backend for the internal/metrics
// facade.
//
// The backend buffers metric events in memory, submits them on a ticker
// (default once per minute), and submits one final time on Close. Long sync
// runs get a real time series instead of a single spike at process exit;
// short runs still get their tail flush.
//
// Concurrency model:
//   - engine goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets the buffers under a mutex, then submits
//     out of the lock
//   - the flush loop calls Flush periodically; Close stops the loop
//
// If the process dies with SIGKILL/OOM the final flush never runs; no
// backend can fix that.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"carsync/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "carsync".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:carsync"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// The following fields are unexported test seams. Production code never
	// sets them; unit tests use them to avoid real network submission and
	// nondeterministic clocks and tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK this backend
// needs. The SDK exposes a concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP; depending on this tiny private interface keeps
// the tests deterministic.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	// now is injected for deterministic tests. Production uses time.Now.
	now func() time.Time

	// newTicker is injected for deterministic tests. Production uses
	// time.NewTicker.
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	rowCounts    map[string]float64   // table\x00status -> rows
	runCounts    map[string]float64   // table\x00status -> runs
	refRowCounts map[string]float64   // table -> rows
	runDurations map[string][]float64 // table -> seconds
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
//
// Errors:
//   - Returns any error from the final Flush submission.
//   - Calling Close twice panics (stopCh is closed twice). The backend has
//     process lifetime; close it once at shutdown.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client and
// starts its periodic flush goroutine.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "carsync".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Client construction is not expected to fail under normal conditions;
//     network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "carsync"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		rowCounts:    make(map[string]float64),
		runCounts:    make(map[string]float64),
		refRowCounts: make(map[string]float64),
		runDurations: make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.RowsTotal:
		b.rowCounts[tableStatusKey(labels["table"], labels["status"])] += delta

	case metrics.RunsTotal:
		b.runCounts[tableStatusKey(labels["table"], labels["status"])] += delta

	case metrics.ReferenceRowsTotal:
		table := labels["table"]
		if table == "" {
			table = "unknown"
		}
		b.refRowCounts[table] += delta

	default:
		// Unknown metrics are dropped.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.RunDurationSeconds:
		table := labels["table"]
		if table == "" {
			table = "unknown"
		}
		b.runDurations[table] = append(b.runDurations[table], value)

	default:
		// Unknown histograms are dropped.
	}
}

// snapshot is the detached buffered state used to build one flush payload.
// Flush must reset buffers under the lock but submit out of the lock;
// snapshotting separates the two.
type snapshot struct {
	rowCounts    map[string]float64
	runCounts    map[string]float64
	refRowCounts map[string]float64
	runDurations map[string][]float64
}

// snapshotAndReset grabs the buffered metrics and resets the buffers.
// Call with no lock held; it takes the lock itself and returns detached maps.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		rowCounts:    b.rowCounts,
		runCounts:    b.runCounts,
		refRowCounts: b.refRowCounts,
		runDurations: b.runDurations,
	}

	b.rowCounts = make(map[string]float64)
	b.runCounts = make(map[string]float64)
	b.refRowCounts = make(map[string]float64)
	b.runDurations = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.rowCounts) == 0 &&
		len(s.runCounts) == 0 &&
		len(s.refRowCounts) == 0 &&
		len(s.runDurations) == 0
}

// Flush submits buffered metrics to Datadog and resets the local buffers.
//
// Edge cases:
//   - Safe to call concurrently with IncCounter/ObserveHistogram.
//   - Returns nil without submitting when there is nothing to send.
//   - Buffers are reset even when submission fails, so a broken intake
//     cannot block the engine or grow memory without bound.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	nowUnix := b.now().Unix()

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, nowUnix)}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
// It is pure (no locks, no network, no clocks) and centralizes the naming
// and tagging contract.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	addCount := func(metric string, value float64, tags []string) datadogV2.MetricSeries {
		return datadogV2.MetricSeries{
			Metric: metric,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
			},
			Tags: tags,
		}
	}

	series := make([]datadogV2.MetricSeries, 0, len(s.rowCounts)+len(s.runCounts)+len(s.refRowCounts)+8)

	for k, v := range s.rowCounts {
		if v == 0 {
			continue
		}
		table, status := splitTableStatusKey(k)
		tags := withTags(b.baseTags, "table:"+table, "status:"+status)
		series = append(series, addCount("carsync.rows.total", v, tags))
	}

	for k, v := range s.runCounts {
		if v == 0 {
			continue
		}
		table, status := splitTableStatusKey(k)
		tags := withTags(b.baseTags, "table:"+table, "status:"+status)
		series = append(series, addCount("carsync.runs.total", v, tags))
	}

	for table, v := range s.refRowCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "table:"+table)
		series = append(series, addCount("carsync.reference.rows.total", v, tags))
	}

	for table, samples := range s.runDurations {
		addPercentiles(&series, b.baseTags, "carsync.run.duration_seconds", table, samples, nowUnix)
	}

	return series
}

// addPercentiles appends the fixed percentile gauges for one sample set.
// Empty sample sets append nothing; the samples are sorted as a copy, the
// input slice is never mutated.
func addPercentiles(series *[]datadogV2.MetricSeries, baseTags []string, metricPrefix, table string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	tags := withTags(baseTags, "table:"+table)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func tableStatusKey(table, status string) string {
	return table + "\x00" + status
}

func splitTableStatusKey(k string) (table, status string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:carsync".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
