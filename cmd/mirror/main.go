// Command mirror copies a paginated datastore_search API into a relational
// table. Re-running it only adds records that are not stored yet.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datamirror/internal/metrics"
	"datamirror/internal/metrics/datadog"
	"datamirror/internal/storage"

	// register all backends with the storage factory.
	_ "datamirror/internal/storage/all"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1 // the sync ran and failed
	exitConfig = 2 // configuration or initialization error
)

// backendCloser is a metrics backend that must be closed at shutdown.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	// OpenStore defaults to storage.Open.
	OpenStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)
	// HTTPClient defaults to fetch.NewClient with the configured timeout.
	HTTPClient *http.Client

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

// exitError carries an exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		OpenStore: storage.Open,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	stop()
	os.Exit(code)
}

// run executes the command line and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: the sync failed or was canceled.
//   - 2: configuration/initialization error, including usage errors.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.OpenStore == nil {
		d.OpenStore = storage.Open
	}

	root := newRootCmd(&app{d: d})
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(d.Stderr, "error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(d.Stderr, "error:", err)
	return exitConfig
}
