package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"datamirror/internal/syncer"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func okJob(inserted int64) Job {
	return func(context.Context) (syncer.Result, error) {
		return syncer.Result{RunID: "r1", Table: "leyes", State: syncer.StateDone, Inserted: inserted}, nil
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("every day", okJob(0), nil); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := New("@hourly", nil, nil); err == nil {
		t.Fatalf("expected error for nil job")
	}
	if _, err := New("*/5 * * * *", okJob(0), nil); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	r, err := New("@hourly", func(context.Context) (syncer.Result, error) {
		calls++
		if calls == 2 {
			return syncer.Result{RunID: "r2", State: syncer.StateFailed}, boom
		}
		return syncer.Result{RunID: "r1", State: syncer.StateDone, Inserted: 3}, nil
	}, log.New(&lockedBuffer{}, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow #1: %v", err)
	}
	st := r.Status()
	if st.Runs != 1 || st.Failures != 0 || st.Last == nil || st.Last.Inserted != 3 || st.Error != "" {
		t.Fatalf("status after success: %+v", st)
	}
	if st.StartedAt == nil || st.FinishedAt == nil {
		t.Fatalf("missing timestamps: %+v", st)
	}

	if err := r.RunNow(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunNow #2 err=%v, want boom", err)
	}
	st = r.Status()
	if st.Runs != 2 || st.Failures != 1 || st.Error != "boom" || st.Last.RunID != "r2" {
		t.Fatalf("status after failure: %+v", st)
	}
}

func TestRunNow_NoOverlap(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	r, err := New("@hourly", func(context.Context) (syncer.Result, error) {
		close(entered)
		<-release
		return syncer.Result{}, nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.RunNow(context.Background()) }()
	<-entered

	if !r.Status().Running {
		t.Fatalf("expected running status")
	}
	if err := r.RunNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second RunNow err=%v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	if st := r.Status(); st.Runs != 1 || st.Running {
		t.Fatalf("status: %+v", st)
	}
}

func TestHandler_RunClaimsGuardBeforeAccepting(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	r, err := New("@hourly", func(context.Context) (syncer.Result, error) {
		calls.Add(1)
		<-release
		return syncer.Result{}, nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run status=%d, want 202", rec.Code)
	}

	// No wait: the accepted run already holds the guard.
	if !r.Status().Running {
		t.Fatalf("expected running status right after 202")
	}
	if err := r.RunNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("RunNow after 202 err=%v, want ErrBusy", err)
	}

	close(release)
	waitFor(t, func() bool { return r.Status().Runs == 1 })
	if n := calls.Load(); n != 1 {
		t.Fatalf("job ran %d times, want 1", n)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r, err := New("@daily", func(context.Context) (syncer.Result, error) {
		<-release
		return syncer.Result{RunID: "r1", Table: "leyes", State: syncer.StateDone, Inserted: 2}, nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/run", "application/json", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run status=%d", resp.StatusCode)
	}

	waitFor(t, func() bool { return r.Status().Running })
	resp, err = http.Post(srv.URL+"/run", "application/json", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy run status=%d, want 409", resp.StatusCode)
	}

	close(release)
	waitFor(t, func() bool { return r.Status().Runs == 1 })

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Runs int `json:"runs"`
		Last struct {
			RunID    string `json:"run_id"`
			State    string `json:"state"`
			Inserted int64  `json:"inserted"`
		} `json:"last"`
		Next string `json:"next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Runs != 1 || body.Last.RunID != "r1" || body.Last.State != "done" || body.Last.Inserted != 2 {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestStart_FiresTicks(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	t.Parallel()

	var mu sync.Mutex
	runs := 0
	r, err := New("@every 1s", func(context.Context) (syncer.Result, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return syncer.Result{}, nil
	}, log.New(&lockedBuffer{}, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 1
	})
	r.Stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
