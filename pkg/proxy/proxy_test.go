package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekcache/seekcache/pkg/download"
	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/store"
)

type proxyEnv struct {
	ledger *ledger.Ledger
	store  *store.Store
	mgr    *download.Manager
	srv    *Server
	client *httptest.Server
}

func newProxyEnv(t *testing.T, cfg Config) *proxyEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewWithPath(filepath.Join(dir, "chunks"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	mgr := download.New(led, st, nil, download.Config{SubchunkSize: 1024}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Close()
	})

	srv := NewServer(cfg, led, st, mgr, nil)
	client := httptest.NewServer(srv.Handler())
	t.Cleanup(client.Close)

	return &proxyEnv{ledger: led, store: st, mgr: mgr, srv: srv, client: client}
}

func originServing(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mediaData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i * 7) % 256)
	}
	return data
}

func get(t *testing.T, env *proxyEnv, path, rangeHeader string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.client.URL+path, nil)
	require.NoError(t, err)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := env.client.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStreamColdStartRange(t *testing.T) {
	data := mediaData(8192)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 2048})

	_, err := env.mgr.Open(context.Background(), "movie", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/movie", "bytes=0-99")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-99/8192", resp.Header.Get("Content-Range"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[:100], body)
}

func TestStreamFullEntry(t *testing.T) {
	data := mediaData(4000)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 2048})

	_, err := env.mgr.Open(context.Background(), "movie", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/movie", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4000", resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestStreamSeekIntoMiddle(t *testing.T) {
	data := mediaData(65536)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 4096})

	_, err := env.mgr.Open(context.Background(), "movie", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/movie", "bytes=60000-61023")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[60000:61024], body)
}

func TestStreamOpenEndedRange(t *testing.T) {
	data := mediaData(5000)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 2048})

	_, err := env.mgr.Open(context.Background(), "movie", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/movie", "bytes=4000-")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 4000-4999/5000", resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[4000:], body)
}

func TestStreamUnknownEntry(t *testing.T) {
	env := newProxyEnv(t, Config{})
	resp := get(t, env, "/stream/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamUnsatisfiableRange(t *testing.T) {
	data := mediaData(1000)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 2048})

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "movie", origin.URL)
	require.NoError(t, err)

	// First request resolves the size, then a range past EOF must 416.
	resp := get(t, env, "/stream/movie", "bytes=0-9")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)

	resp = get(t, env, "/stream/movie", "bytes=5000-6000")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */1000", resp.Header.Get("Content-Range"))
}

func TestStreamSlowOriginReturns503(t *testing.T) {
	blocked := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	t.Cleanup(func() {
		close(blocked)
		origin.Close()
	})

	env := newProxyEnv(t, Config{InitialWaitTimeout: 100 * time.Millisecond})

	_, err := env.mgr.Open(context.Background(), "stalled", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/stalled", "bytes=0-99")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestStreamFailedOriginReturns502(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(origin.Close)

	env := newProxyEnv(t, Config{InitialWaitTimeout: 5 * time.Second})

	_, err := env.mgr.Open(context.Background(), "gone", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/gone", "bytes=0-99")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStreamHead(t *testing.T) {
	data := mediaData(2000)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 2048})

	_, err := env.mgr.Open(context.Background(), "movie", origin.URL)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodHead, env.client.URL+"/stream/movie", nil)
	require.NoError(t, err)
	resp, err := env.client.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2000", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
}

func TestServedBytesSurviveRestart(t *testing.T) {
	data := mediaData(3000)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 4096})

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "movie", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/movie", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	// A second request must be a pure disk hit even with the origin gone.
	origin.Close()
	resp = get(t, env, "/stream/movie", "bytes=1000-1999")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[1000:2000], body)
}

func TestHealthEndpoints(t *testing.T) {
	env := newProxyEnv(t, Config{})

	resp := get(t, env, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, env, "/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	data := mediaData(500)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 1024})

	_, err := env.mgr.Open(context.Background(), "movie", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/movie", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)

	resp = get(t, env, "/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "ok", envelope.Status)

	payload, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	var stats StatsData
	require.NoError(t, json.Unmarshal(payload, &stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(500), stats.BytesOnDisk)
}

func TestParseRange(t *testing.T) {
	const size = 1000
	tests := []struct {
		name    string
		header  string
		want    ledger.ByteRange
		wantErr bool
	}{
		{name: "no header", header: "", want: ledger.ByteRange{Start: 0, End: 999}},
		{name: "explicit", header: "bytes=10-19", want: ledger.ByteRange{Start: 10, End: 19}},
		{name: "open ended", header: "bytes=990-", want: ledger.ByteRange{Start: 990, End: 999}},
		{name: "suffix", header: "bytes=-100", want: ledger.ByteRange{Start: 900, End: 999}},
		{name: "suffix larger than entry", header: "bytes=-5000", want: ledger.ByteRange{Start: 0, End: 999}},
		{name: "end clamped", header: "bytes=500-5000", want: ledger.ByteRange{Start: 500, End: 999}},
		{name: "multi takes first", header: "bytes=0-9,100-199", want: ledger.ByteRange{Start: 0, End: 9}},
		{name: "start past end", header: "bytes=1000-1010", wantErr: true},
		{name: "inverted", header: "bytes=20-10", wantErr: true},
		{name: "not bytes", header: "items=0-10", wantErr: true},
		{name: "garbage", header: "bytes=abc", wantErr: true},
		{name: "empty suffix", header: "bytes=-", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRange(tt.header, size)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamTracker(t *testing.T) {
	tr := newStreamTracker()
	assert.False(t, tr.Active("a"))

	tr.enter("a")
	tr.enter("a")
	tr.enter("b")
	assert.True(t, tr.Active("a"))
	assert.Equal(t, 3, tr.Count())

	tr.leave("a")
	assert.True(t, tr.Active("a"))
	tr.leave("a")
	assert.False(t, tr.Active("a"))
	assert.Equal(t, 1, tr.Count())
}

func TestStreamHeadersIncludeContentLength(t *testing.T) {
	data := mediaData(1234)
	origin := originServing(t, data)
	env := newProxyEnv(t, Config{LookaheadBytes: 2048})

	_, err := env.mgr.Open(context.Background(), "movie", origin.URL)
	require.NoError(t, err)

	resp := get(t, env, "/stream/movie", "bytes=100-299")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("%d", 200), resp.Header.Get("Content-Length"))
}
