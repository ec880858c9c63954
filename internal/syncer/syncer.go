// Package syncer drives one incremental sync run: it walks the remote page
// cursor, learns the table shape from the first page and inserts every record
// that is not already stored.
//
// The destination table is the only checkpoint. A rerun starts again from the
// first page and relies on the full-row existence check to skip what an
// earlier run already wrote. Two runs against the same table at the same time
// are not supported: check-then-insert is not atomic across writers.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"datamirror/internal/dataset"
	"datamirror/internal/fetch"
	"datamirror/internal/matcher"
	"datamirror/internal/metrics"
	"datamirror/internal/progress"
	"datamirror/internal/schema"
	"datamirror/internal/storage"
)

// ErrCanceled is returned when the run context ends. It wraps the context
// error.
var ErrCanceled = errors.New("sync canceled")

// State is the position of the run in its state machine.
type State int

const (
	StateFetching State = iota
	StateSchemaReady
	StateWriting
	StateAdvancing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateSchemaReady:
		return "schema_ready"
	case StateWriting:
		return "writing"
	case StateAdvancing:
		return "advancing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Options is the explicit configuration of one run.
type Options struct {
	// BaseURL is the scheme and host of the datastore, e.g.
	// "https://datos.hcdn.gob.ar:443". Ignored when StartPath is absolute.
	BaseURL string
	// StartPath locates the first page, e.g.
	// "/api/3/action/datastore_search?resource_id=...".
	StartPath string
	// Table is the destination table.
	Table string
	// PageDelay is the pause before every page fetch.
	PageDelay time.Duration
	// MinFields is the smallest plausible field count (default 1).
	MinFields int
	// MaxPages stops the run after that many pages. Zero means no cap.
	MaxPages int
	// LogRecords logs one line per inserted or skipped record.
	LogRecords bool
}

// StartURL joins BaseURL and StartPath.
func (o Options) StartURL() (string, error) {
	if strings.TrimSpace(o.StartPath) == "" {
		return "", fmt.Errorf("start path is empty")
	}
	if strings.HasPrefix(o.StartPath, "http://") || strings.HasPrefix(o.StartPath, "https://") {
		return o.StartPath, nil
	}
	return fetch.Resolve(o.BaseURL, o.StartPath)
}

// PageFetcher returns one decoded page. *fetch.Fetcher implements it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*dataset.Page, error)
}

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Result summarizes a run.
type Result struct {
	RunID    string `json:"run_id"`
	Table    string `json:"table"`
	State    State  `json:"state"`
	Pages    int    `json:"pages"`
	Fetches  int    `json:"fetches"`
	Inserted int64  `json:"inserted"`
	Skipped  int64  `json:"skipped"`
	Tally    int64  `json:"tally"`
	Total    int64  `json:"total"`
	Err      error  `json:"-"`
}

// Syncer runs syncs for one table.
type Syncer struct {
	opts     Options
	startURL string

	store    storage.Store
	fetcher  PageFetcher
	reporter progress.Reporter
	logger   Logger
	newRunID func() string
	job      string
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithReporter sets the per-page progress reporter.
func WithReporter(r progress.Reporter) Option { return func(s *Syncer) { s.reporter = r } }

// WithLogger sets the logger. A nil logger discards.
func WithLogger(l Logger) Option { return func(s *Syncer) { s.logger = l } }

// WithRunID overrides run id generation.
func WithRunID(f func() string) Option { return func(s *Syncer) { s.newRunID = f } }

// WithJobName sets the metrics job label. Defaults to the table name.
func WithJobName(job string) Option { return func(s *Syncer) { s.job = job } }

// New validates opts and builds a Syncer.
//
// A nil fetcher, typed or not, gets a default *fetch.Fetcher. For a *fetch.Fetcher, a
// positive PageDelay replaces its Delay on a private copy.
func New(opts Options, store storage.Store, fetcher PageFetcher, options ...Option) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("syncer: store is nil")
	}
	if strings.TrimSpace(opts.Table) == "" {
		return nil, fmt.Errorf("syncer: table is empty")
	}
	if opts.PageDelay < 0 {
		return nil, fmt.Errorf("syncer: negative page delay %s", opts.PageDelay)
	}
	if opts.MaxPages < 0 {
		return nil, fmt.Errorf("syncer: negative max pages %d", opts.MaxPages)
	}
	start, err := opts.StartURL()
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}

	switch f := fetcher.(type) {
	case nil:
		fetcher = &fetch.Fetcher{Delay: opts.PageDelay}
	case *fetch.Fetcher:
		if f == nil {
			fetcher = &fetch.Fetcher{Delay: opts.PageDelay}
		} else if opts.PageDelay > 0 {
			cp := *f
			cp.Delay = opts.PageDelay
			fetcher = &cp
		}
	}

	s := &Syncer{
		opts:     opts,
		startURL: start,
		store:    store,
		fetcher:  fetcher,
		reporter: progress.Nop{},
		newRunID: uuid.NewString,
		job:      opts.Table,
	}
	for _, o := range options {
		o(s)
	}
	if s.reporter == nil {
		s.reporter = progress.Nop{}
	}
	return s, nil
}

// Run performs one sync. The returned Result is meaningful on error too: it
// carries the counters up to the failure and State == StateFailed.
//
// The walk stops when the tally reaches the backend total, when a page is
// empty, or when a page carries no cursor. A total of zero is treated as
// unknown.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: s.newRunID(), Table: s.opts.Table, State: StateFetching}
	s.logf("stage=start run_id=%s table=%s url=%s", res.RunID, res.Table, s.startURL)

	var (
		sch *schema.Schema
		url = s.startURL
	)
	for {
		res.State = StateFetching
		if err := ctx.Err(); err != nil {
			return s.fail(&res, fmt.Errorf("%w: %w", ErrCanceled, err))
		}
		if s.opts.MaxPages > 0 && res.Pages >= s.opts.MaxPages {
			s.logf("stage=done run_id=%s reason=max_pages pages=%d", res.RunID, res.Pages)
			return s.done(&res), nil
		}

		start := time.Now()
		page, err := s.fetcher.Fetch(ctx, url)
		res.Fetches++
		metrics.RecordStep(s.job, "fetch", err, time.Since(start))
		if err != nil {
			return s.fail(&res, s.canceledOr(ctx, err))
		}
		if res.Fetches == 1 {
			res.Total = page.Total
		} else if page.Total != res.Total {
			s.logf("stage=fetch run_id=%s note=total_changed first=%d now=%d", res.RunID, res.Total, page.Total)
		}

		res.State = StateSchemaReady
		start = time.Now()
		if sch == nil {
			sch, err = s.learn(ctx, page.Fields)
		} else {
			err = sch.Check(page.Fields)
		}
		metrics.RecordStep(s.job, "schema", err, time.Since(start))
		if err != nil {
			return s.fail(&res, s.canceledOr(ctx, err))
		}

		res.State = StateWriting
		start = time.Now()
		inserted, skipped, err := s.writePage(ctx, sch, page)
		metrics.RecordStep(s.job, "write", err, time.Since(start))
		if err != nil {
			return s.fail(&res, s.canceledOr(ctx, err))
		}

		res.State = StateAdvancing
		res.Pages++
		res.Inserted += inserted
		res.Skipped += skipped
		res.Tally += int64(page.Returned)
		metrics.RecordPage(s.job)
		metrics.RecordRecords(s.job, "inserted", int(inserted))
		metrics.RecordRecords(s.job, "skipped", int(skipped))

		s.logf("stage=page run_id=%s page=%d records=%d inserted=%d tally=%d total=%d",
			res.RunID, res.Pages, page.Returned, inserted, res.Tally, res.Total)
		s.reporter.Page(progress.Update{
			Table:    res.Table,
			Page:     res.Pages,
			Records:  page.Returned,
			Inserted: int(inserted),
			Tally:    res.Tally,
			Total:    res.Total,
		})

		switch {
		case res.Total > 0 && res.Tally >= res.Total:
			s.logf("stage=done run_id=%s reason=total_reached", res.RunID)
			return s.done(&res), nil
		case page.Returned == 0:
			s.logf("stage=done run_id=%s reason=empty_page", res.RunID)
			return s.done(&res), nil
		case page.Next == "":
			s.logf("stage=done run_id=%s reason=no_cursor tally=%d total=%d", res.RunID, res.Tally, res.Total)
			return s.done(&res), nil
		}

		next, err := fetch.Resolve(url, page.Next)
		if err != nil {
			return s.fail(&res, err)
		}
		url = next
	}
}

func (s *Syncer) learn(ctx context.Context, fields []dataset.Field) (*schema.Schema, error) {
	sch, err := schema.Learn(fields, schema.Options{MinFields: s.opts.MinFields})
	if err != nil {
		return nil, err
	}
	if err := sch.Ensure(ctx, s.store, s.opts.Table); err != nil {
		return nil, err
	}
	s.logf("stage=schema table=%s columns=%d", s.opts.Table, len(sch.Columns))
	return sch, nil
}

// writePage checks and inserts every record of page in one transaction.
// Nothing from the page is kept unless every record succeeds.
func (s *Syncer) writePage(ctx context.Context, sch *schema.Schema, page *dataset.Page) (inserted, skipped int64, err error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	d := s.store.Dialect()
	for _, rec := range page.Records {
		m, err := matcher.Build(rec, sch)
		if err != nil {
			s.logf("stage=write table=%s bad_record=%s", s.opts.Table, rec.String())
			return 0, 0, err
		}

		where, args := m.Where(d, 1)
		found, err := tx.Exists(ctx, s.opts.Table, where, args)
		if err != nil {
			return 0, 0, err
		}
		if found {
			skipped++
			if s.opts.LogRecords {
				s.logf("stage=write table=%s action=skip record=%s", s.opts.Table, rec.String())
			}
			continue
		}

		cols, vals := m.Row()
		if err := tx.Insert(ctx, s.opts.Table, cols, vals); err != nil {
			return 0, 0, err
		}
		inserted++
		if s.opts.LogRecords {
			s.logf("stage=write table=%s action=insert record=%s", s.opts.Table, rec.String())
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit page: %w", err)
	}
	return inserted, skipped, nil
}

func (s *Syncer) canceledOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrCanceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return err
}

func (s *Syncer) done(res *Result) Result {
	res.State = StateDone
	s.logf("stage=summary run_id=%s table=%s pages=%d fetches=%d inserted=%d skipped=%d tally=%d total=%d",
		res.RunID, res.Table, res.Pages, res.Fetches, res.Inserted, res.Skipped, res.Tally, res.Total)
	return *res
}

func (s *Syncer) fail(res *Result, err error) (Result, error) {
	res.State = StateFailed
	res.Err = err
	s.logf("stage=failed run_id=%s table=%s pages=%d tally=%d total=%d err=%v",
		res.RunID, res.Table, res.Pages, res.Tally, res.Total, err)
	return *res, err
}

func (s *Syncer) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}
