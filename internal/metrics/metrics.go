// Package metrics is the backend-neutral instrumentation surface of the sync
// engine. Components call the Record* helpers; the process picks a Backend
// once at startup with SetBackend. The default backend drops everything.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends switch on these.
const (
	StepTotal           = "mirror_step_total"
	StepDurationSeconds = "mirror_step_duration_seconds"
	RecordsTotal        = "mirror_records_total"
	PagesTotal          = "mirror_pages_total"
	HTTPRequestsTotal   = "mirror_http_requests_total"
	HTTPErrorsTotal     = "mirror_http_errors_total"
	HTTPRequestSeconds  = "mirror_http_request_duration_seconds"
	HTTPDownloadBytes   = "mirror_http_download_bytes"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the nop
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the current backend.
func Flush() error {
	return current().Flush()
}

// RecordHTTP records one fetch attempt. status 0 means no response was
// received.
func RecordHTTP(job string, status int, err error, reqDur time.Duration, bytes int64) {
	b := current()
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status < 200 || status > 299 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPRequestSeconds, reqDur.Seconds(), l)
	if bytes > 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}

// RecordStep records one engine step (fetch, schema, write, advance).
func RecordStep(job, step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"job": job, "step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts records by outcome kind ("inserted", "skipped").
func RecordRecords(job, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"job": job, "kind": kind})
}

// RecordPage counts one committed page.
func RecordPage(job string) {
	current().IncCounter(PagesTotal, 1, Labels{"job": job})
}
