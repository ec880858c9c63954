package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageOne = `{"success": true, "result": {
  "fields": [{"id": "id", "type": "int"}, {"id": "name", "type": "text"}],
  "records": [{"id": 1, "name": "Ley A"}, {"id": 2, "name": "Ley B"}],
  "total": 3,
  "_links": {"next": "/api/3/action/datastore_search?offset=2&resource_id=r1"}}}`

func noSleep(context.Context, time.Duration) error { return nil }

func TestFetch_DecodesPage(t *testing.T) {
	t.Parallel()

	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pageOne))
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), UserAgent: "mirror-test", Sleep: noSleep}
	page, err := f.Fetch(context.Background(), srv.URL+"/api/3/action/datastore_search?resource_id=r1")
	require.NoError(t, err)

	assert.True(t, page.Success)
	assert.Equal(t, 2, page.Returned)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, "/api/3/action/datastore_search?offset=2&resource_id=r1", page.Next)
	assert.Equal(t, "mirror-test", gotUA)
	assert.Equal(t, "application/json", gotAccept)
}

func TestFetch_SleepsDelayBeforeRequest(t *testing.T) {
	t.Parallel()

	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "request")
		_, _ = w.Write([]byte(pageOne))
	}))
	defer srv.Close()

	var slept time.Duration
	f := &Fetcher{
		Client: srv.Client(),
		Delay:  3 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			order = append(order, "sleep")
			slept = d
			return nil
		},
	}
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, slept)
	assert.Equal(t, []string{"sleep", "request"}, order)
}

func TestFetch_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		ctype      string
		body       string
		wantIs     error
		wantStatus int
		wantInMsg  string
	}{
		{
			name:       "html_error_page",
			status:     http.StatusBadGateway,
			ctype:      "text/html",
			body:       "<html><head><title>502 Bad\n Gateway</title></head><body>nginx</body></html>",
			wantIs:     ErrTransport,
			wantStatus: http.StatusBadGateway,
			wantInMsg:  "html page: 502 Bad Gateway",
		},
		{
			name:       "not_found_text",
			status:     http.StatusNotFound,
			ctype:      "text/plain",
			body:       "no such resource",
			wantIs:     ErrTransport,
			wantStatus: http.StatusNotFound,
			wantInMsg:  "no such resource",
		},
		{
			name:       "non_json_200",
			status:     http.StatusOK,
			ctype:      "text/plain",
			body:       "hello",
			wantIs:     ErrTransport,
			wantStatus: http.StatusOK,
			wantInMsg:  "decode envelope",
		},
		{
			name:      "success_false",
			status:    http.StatusOK,
			ctype:     "application/json",
			body:      `{"success": false, "error": {"message": "Not found"}}`,
			wantIs:    ErrBackend,
			wantInMsg: "success=false",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.ctype)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			f := &Fetcher{Client: srv.Client(), Sleep: noSleep}
			page, err := f.Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Nil(t, page)
			assert.True(t, errors.Is(err, tc.wantIs), "err=%v", err)
			assert.Contains(t, err.Error(), tc.wantInMsg)

			if tc.wantIs == ErrBackend {
				assert.False(t, errors.Is(err, ErrTransport))
				return
			}
			var te *TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tc.wantStatus, te.Status)
		})
	}
}

func TestFetch_UnreachableHost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := &Fetcher{Client: &http.Client{Timeout: 2 * time.Second}, Sleep: noSleep}
	_, err := f.Fetch(context.Background(), addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, te.Status)
}

func TestFetch_CanceledDuringDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &Fetcher{Delay: time.Hour}
	_, err := f.Fetch(ctx, "http://127.0.0.1:1/")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	base := "https://datos.hcdn.gob.ar:443/api/3/action/datastore_search?resource_id=a88b42c3"
	got, err := Resolve(base, "/api/3/action/datastore_search?offset=100&resource_id=a88b42c3")
	require.NoError(t, err)
	assert.Equal(t, "https://datos.hcdn.gob.ar:443/api/3/action/datastore_search?offset=100&resource_id=a88b42c3", got)

	got, err = Resolve(base, "https://mirror.example.org/api/3/action/datastore_search?offset=200")
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example.org/api/3/action/datastore_search?offset=200", got)

	_, err = Resolve(base, "  ")
	assert.Error(t, err)
	_, err = Resolve("/relative/only", "/api/x")
	assert.Error(t, err)
}

func TestDescribeBody_TruncatesLongText(t *testing.T) {
	t.Parallel()

	got := describeBody(http.Header{}, []byte(strings.Repeat("x", 500)))
	assert.Len(t, got, 203)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "empty body", describeBody(http.Header{}, []byte("  ")))
}
