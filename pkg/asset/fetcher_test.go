package asset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/assetgate/pkg/domain"
)

type statusLog []string

func (s *statusLog) RecordAssetFetch(status string) { *s = append(*s, status) }

const script = "window.plugin = function () { return 42; };"

func upstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestServeStreamsUpstream(t *testing.T) {
	srv := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Set-Cookie", "tracking=1")
		_, _ = w.Write([]byte(script))
	})

	var log statusLog
	f, err := NewFetcher(Config{UpstreamURL: srv.URL + "/plugin.min.js"}, nil, WithObserver(&log))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, f.Serve(rec, httptest.NewRequest(http.MethodGet, "/accessibility-plugin", nil)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, script, rec.Body.String())
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"v1"`, rec.Header().Get("ETag"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Equal(t, statusLog{StatusOK}, log)
}

func TestServeForwardsConditionalRequests(t *testing.T) {
	srv := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte(script))
	})

	f, err := NewFetcher(Config{UpstreamURL: srv.URL}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/accessibility-plugin", nil)
	req.Header.Set("If-None-Match", `"v1"`)
	rec := httptest.NewRecorder()
	require.NoError(t, f.Serve(rec, req))
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServeUpstreamFailure(t *testing.T) {
	srv := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	var log statusLog
	f, err := NewFetcher(Config{UpstreamURL: srv.URL}, nil, WithObserver(&log))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	err = f.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
	assert.Equal(t, http.StatusBadGateway, domain.HTTPStatus(err))
	assert.Zero(t, rec.Body.Len(), "nothing is written on failure")
	assert.Equal(t, statusLog{StatusUpstreamErr}, log)
}

func TestServeUnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f, err := NewFetcher(Config{UpstreamURL: addr, Timeout: time.Second}, nil)
	require.NoError(t, err)

	err = f.Serve(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
}

func TestServeRateWaitCancelled(t *testing.T) {
	srv := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(script))
	})

	var log statusLog
	f, err := NewFetcher(Config{UpstreamURL: srv.URL, FetchRate: 0.001, Burst: 1}, nil, WithObserver(&log))
	require.NoError(t, err)

	require.NoError(t, f.Serve(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	err = f.Serve(httptest.NewRecorder(), req)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
	assert.Equal(t, statusLog{StatusOK, StatusCancelled}, log)
}

func TestNewFetcherValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://cdn/x.js", "not a url", "https://"} {
		_, err := NewFetcher(Config{UpstreamURL: raw}, nil)
		assert.ErrorIs(t, err, domain.ErrConfigInvalid, raw)
	}
}
