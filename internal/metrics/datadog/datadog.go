// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// A single sync run can take minutes against a slow datastore, and the
// scheduler keeps the process alive between runs. Submitting only at exit
// would collapse a run into one spike, so we:
//   - buffer metrics in memory under a mutex
//   - Flush() periodically on a ticker (default: once per minute)
//   - Flush() one final time on Close()
//
// Flush snapshots and resets the buffers under the lock, then submits
// out-of-lock. If the process is killed with SIGKILL, Close() won't run.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"datamirror/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "mirror".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "dataset:leyes"}).
	// Each tag must have the form key:value.
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the subset of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesSpec maps an internal metric name to its Datadog name and the labels
// that become tags. A label listed in required must be present, otherwise the
// event is dropped; other missing labels are tagged "unknown".
type seriesSpec struct {
	ddName   string
	tagKeys  []string
	required string
}

var counterSpecs = map[string]seriesSpec{
	metrics.StepTotal:         {ddName: "mirror.step.total", tagKeys: []string{"step", "status"}},
	metrics.RecordsTotal:      {ddName: "mirror.records.total", tagKeys: []string{"kind"}, required: "kind"},
	metrics.PagesTotal:        {ddName: "mirror.pages.total"},
	metrics.HTTPRequestsTotal: {ddName: "mirror.http.requests.total", tagKeys: []string{"status"}},
	metrics.HTTPErrorsTotal:   {ddName: "mirror.http.errors.total", tagKeys: []string{"status"}},
}

var histogramSpecs = map[string]seriesSpec{
	metrics.StepDurationSeconds: {ddName: "mirror.step.duration_seconds", tagKeys: []string{"step", "status"}},
	metrics.HTTPRequestSeconds:  {ddName: "mirror.http.request_duration_seconds", tagKeys: []string{"status"}},
	metrics.HTTPDownloadBytes:   {ddName: "mirror.http.download_bytes", tagKeys: []string{"status"}},
}

// bucket is one buffered series: a Datadog metric name plus its event tags.
type bucket struct {
	metric  string
	tags    []string
	sum     float64
	samples []float64
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu         sync.Mutex
	counters   map[string]*bucket
	histograms map[string]*bucket
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

// NewBackend constructs a Datadog backend using the official client.
// Credentials come from DD_API_KEY / DD_SITE via dd.NewDefaultContext.
//
// Errors:
//   - A tag without a "key:value" shape is rejected.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "mirror"
	}
	for _, t := range opts.Tags {
		if k, v, ok := strings.Cut(t, ":"); !ok || k == "" || v == "" {
			return nil, wrapInitErr(fmt.Errorf("tag %q is not key:value", t))
		}
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
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[string]*bucket),
		histograms: make(map[string]*bucket),
	}

	go b.loop()
	return b, nil
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

// Close stops the background flush loop and performs one final Flush().
// Close must be called once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown names and non-positive
// deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	spec, ok := counterSpecs[name]
	if !ok {
		return
	}
	tags, ok := spec.tags(labels)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bucketFor(b.counters, spec.ddName, tags).sum += delta
}

// ObserveHistogram implements metrics.Backend. Unknown names and negative
// values are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	spec, ok := histogramSpecs[name]
	if !ok {
		return
	}
	tags, ok := spec.tags(labels)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bk := bucketFor(b.histograms, spec.ddName, tags)
	bk.samples = append(bk.samples, value)
}

func (s seriesSpec) tags(labels metrics.Labels) ([]string, bool) {
	if s.required != "" && labels[s.required] == "" {
		return nil, false
	}
	out := make([]string, 0, len(s.tagKeys))
	for _, k := range s.tagKeys {
		v := labels[k]
		if v == "" {
			v = "unknown"
		}
		out = append(out, k+":"+v)
	}
	return out, true
}

func bucketFor(m map[string]*bucket, metric string, tags []string) *bucket {
	key := metric + "\x00" + strings.Join(tags, "\x00")
	bk, ok := m[key]
	if !ok {
		bk = &bucket{metric: metric, tags: tags}
		m[key] = bk
	}
	return bk
}

// snapshotAndReset detaches the current buffers. It takes the lock itself.
func (b *Backend) snapshotAndReset() (counters, histograms map[string]*bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counters, histograms = b.counters, b.histograms
	b.counters = make(map[string]*bucket)
	b.histograms = make(map[string]*bucket)
	return counters, histograms
}

// Flush submits buffered metrics and resets local buffers.
//
// Buffers are reset even if submission fails; delivery is at most once.
// Returns nil without submitting when there is nothing buffered.
func (b *Backend) Flush() error {
	counters, histograms := b.snapshotAndReset()
	if len(counters) == 0 && len(histograms) == 0 {
		return nil
	}

	series := b.buildSeries(counters, histograms, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries turns a snapshot into Datadog series at a fixed timestamp.
// Output is sorted by metric name then tags so payloads are deterministic.
func (b *Backend) buildSeries(counters, histograms map[string]*bucket, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counters)+6*len(histograms))

	for _, bk := range sortedBuckets(counters) {
		if bk.sum == 0 {
			continue
		}
		series = append(series, countSeries(bk.metric, bk.sum, withTags(b.baseTags, bk.tags...), nowUnix))
	}
	for _, bk := range sortedBuckets(histograms) {
		addPercentiles(&series, withTags(b.baseTags, bk.tags...), bk.metric, bk.samples, nowUnix)
	}
	return series
}

func sortedBuckets(m map[string]*bucket) []*bucket {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*bucket, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for samples.
// It sorts a copy; samples is not mutated. Empty input adds nothing.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
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
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,dataset:leyes".
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

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
