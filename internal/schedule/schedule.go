// Package schedule re-runs a mirror job on a cron schedule and exposes the
// outcome of the latest run over HTTP.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"datamirror/internal/syncer"
)

// ErrBusy is returned by RunNow while a run is in progress.
var ErrBusy = errors.New("schedule: a run is already in progress")

// Job performs one complete sync.
type Job func(ctx context.Context) (syncer.Result, error)

type Logger interface {
	Printf(format string, v ...any)
}

// Status is the JSON body of GET /status.
type Status struct {
	Spec       string         `json:"spec"`
	Running    bool           `json:"running"`
	Runs       int            `json:"runs"`
	Failures   int            `json:"failures"`
	Next       *time.Time     `json:"next,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Last       *syncer.Result `json:"last,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Runner owns the cron loop. Runs never overlap: a tick that fires while the
// previous run is still going is skipped.
type Runner struct {
	spec   string
	job    Job
	logger Logger
	now    func() time.Time

	cron  *cron.Cron
	entry cron.EntryID

	mu       sync.Mutex
	ctx      context.Context
	running  bool
	runs     int
	failures int
	started  time.Time
	finished time.Time
	last     *syncer.Result
	lastErr  error
}

// New parses spec (standard 5-field cron or a descriptor such as "@hourly").
func New(spec string, job Job, logger Logger) (*Runner, error) {
	if job == nil {
		return nil, fmt.Errorf("schedule: job is nil")
	}
	r := &Runner{spec: spec, job: job, logger: logger, now: time.Now, ctx: context.Background()}

	var cl cron.Logger = cron.DiscardLogger
	if logger != nil {
		cl = cron.PrintfLogger(logger)
	}
	r.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	id, err := r.cron.AddFunc(spec, r.tick)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", spec, err)
	}
	r.entry = id
	return r, nil
}

// Start begins firing ticks. Runs use ctx, so canceling it aborts the run in
// progress.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
	r.logf("stage=schedule spec=%q next=%s", r.spec, r.cron.Entry(r.entry).Next.Format(time.RFC3339))
}

// Stop stops the scheduler and waits for a run in progress to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Runner) tick() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if err := r.RunNow(ctx); errors.Is(err, ErrBusy) {
		r.logf("stage=schedule note=skipped reason=still_running")
	}
}

// RunNow executes the job synchronously unless a run is already in progress.
// The job's own error is recorded in the status and returned.
func (r *Runner) RunNow(ctx context.Context) error {
	if _, ok := r.claim(); !ok {
		return ErrBusy
	}
	return r.runClaimed(ctx)
}

// claim marks a run as in progress and returns the runner's base context.
// It reports false when a run already holds the guard.
func (r *Runner) claim() (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, false
	}
	r.running = true
	r.started = r.now()
	return r.ctx, true
}

// runClaimed runs the job after a successful claim and releases the guard.
func (r *Runner) runClaimed(ctx context.Context) error {
	res, err := r.job(ctx)

	r.mu.Lock()
	r.running = false
	r.runs++
	r.finished = r.now()
	r.last = &res
	r.lastErr = err
	if err != nil {
		r.failures++
	}
	r.mu.Unlock()

	if err != nil {
		r.logf("stage=schedule run_id=%s err=%v", res.RunID, err)
	}
	return err
}

// Status snapshots the runner state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Spec: r.spec, Running: r.running, Runs: r.runs, Failures: r.failures}
	if next := r.cron.Entry(r.entry).Next; !next.IsZero() {
		st.Next = &next
	}
	if !r.started.IsZero() {
		t := r.started
		st.StartedAt = &t
	}
	if !r.finished.IsZero() {
		t := r.finished
		st.FinishedAt = &t
	}
	if r.last != nil {
		last := *r.last
		st.Last = &last
	}
	if r.lastErr != nil {
		st.Error = r.lastErr.Error()
	}
	return st
}

// Handler serves:
//
//	GET  /healthz  liveness
//	GET  /status   Status as JSON
//	POST /run      start a run in the background (202, or 409 when busy)
func (r *Runner) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.Status())
	})
	mux.Post("/run", func(w http.ResponseWriter, _ *http.Request) {
		ctx, ok := r.claim()
		if !ok {
			writeJSON(w, http.StatusConflict, map[string]string{"error": ErrBusy.Error()})
			return
		}
		go func() { _ = r.runClaimed(ctx) }()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})
	return mux
}

// Serve runs the HTTP handler on addr until ctx is canceled.
func (r *Runner) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (r *Runner) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Printf(format, v...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
