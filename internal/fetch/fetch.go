// Package fetch retrieves one page of the remote datastore.
//
// A fetch is a single GET preceded by a fixed pacing delay. There are no
// retries: any failure is returned to the caller, which ends the run.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"datamirror/internal/dataset"
	"datamirror/internal/metrics"
)

var (
	// ErrTransport covers unreachable hosts, non-200 statuses and bodies that
	// are not a datastore envelope.
	ErrTransport = errors.New("transport failure")

	// ErrBackend is a well-formed envelope with success=false.
	ErrBackend = errors.New("backend reported failure")
)

// TransportError describes a failed fetch. errors.Is(err, ErrTransport)
// holds for every TransportError.
type TransportError struct {
	URL    string
	Status int // 0 when no response was received
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("fetch ")
	b.WriteString(e.URL)
	if e.Status > 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Fetcher performs page fetches. The zero value uses http.DefaultClient and
// no delay.
type Fetcher struct {
	Client    *http.Client
	Delay     time.Duration
	UserAgent string
	JobName   string
	Logger    Logger

	// Sleep waits before each request. Defaults to a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewClient returns an HTTP client for a single sequential walker.
func NewClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 2,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Fetch waits the pacing delay, GETs rawURL and decodes the envelope.
//
// Errors:
//   - ctx cancellation during the delay returns ctx.Err() unwrapped.
//   - transport, status and decode failures are *TransportError.
//   - success=false wraps ErrBackend.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*dataset.Page, error) {
	sleep := f.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if err := sleep(ctx, f.Delay); err != nil {
		return nil, err
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		metrics.RecordHTTP(f.JobName, 0, err, time.Since(start), 0)
		f.logf("stage=fetch url=%s status=error duration=%s err=%v", rawURL, time.Since(start), err)
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	dur := time.Since(start)
	metrics.RecordHTTP(f.JobName, resp.StatusCode, readErr, dur, int64(len(body)))
	f.logf("stage=fetch url=%s status=%d bytes=%d duration=%s", rawURL, resp.StatusCode, len(body), dur)

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode, Detail: describeBody(resp.Header, body)}
	}
	if readErr != nil {
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode, Detail: "read body", Err: readErr}
	}

	page, err := dataset.DecodePage(bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode, Detail: describeBody(resp.Header, body), Err: err}
	}
	if !page.Success {
		return nil, fmt.Errorf("%w: %s returned success=false", ErrBackend, rawURL)
	}
	return page, nil
}

func (f *Fetcher) logf(format string, v ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, v...)
	}
}

// Resolve turns the next-page cursor into an absolute URL. The cursor is
// usually base-relative ("/api/3/action/datastore_search?offset=100&...") and
// is resolved against the URL of the page that carried it.
func Resolve(base, next string) (string, error) {
	next = strings.TrimSpace(next)
	if next == "" {
		return "", fmt.Errorf("resolve: empty cursor")
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("resolve: base %q: %w", base, err)
	}
	if !b.IsAbs() {
		return "", fmt.Errorf("resolve: base %q is not absolute", base)
	}
	n, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("resolve: cursor %q: %w", next, err)
	}
	return b.ResolveReference(n).String(), nil
}

// describeBody summarizes an unexpected body for an error message. HTML error
// pages are reduced to their <title>.
func describeBody(h http.Header, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "empty body"
	}
	ct := strings.ToLower(h.Get("Content-Type"))
	if strings.Contains(ct, "html") || bytes.HasPrefix(trimmed, []byte("<")) {
		if title := htmlTitle(trimmed); title != "" {
			return "html page: " + title
		}
		return "html page"
	}
	const maxSnippet = 200
	if len(trimmed) > maxSnippet {
		return strings.ToValidUTF8(string(trimmed[:maxSnippet]), "") + "..."
	}
	return string(trimmed)
}

func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
