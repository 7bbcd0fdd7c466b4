package download

import (
	"bytes"
	"container/heap"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/store"
)

// testEnv bundles a store, ledger, and manager on a temp dir.
type testEnv struct {
	store  *store.Store
	ledger *ledger.Ledger
	mgr    *Manager
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewWithPath(filepath.Join(dir, "chunks"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	mgr := New(led, st, nil, cfg, nil)
	return &testEnv{store: st, ledger: led, mgr: mgr}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.mgr.Close()
	})
}

// recordingOrigin serves data with full range support and records every
// request's method and Range header.
type recordingOrigin struct {
	mu     sync.Mutex
	ranges []string
	server *httptest.Server
}

func newRecordingOrigin(t *testing.T, data []byte) *recordingOrigin {
	t.Helper()
	o := &recordingOrigin{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.ranges = append(o.ranges, r.Method+" "+r.Header.Get("Range"))
		o.mu.Unlock()
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *recordingOrigin) requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ranges...)
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestDownloadFullEntry(t *testing.T) {
	data := testData(1000)
	origin := newRecordingOrigin(t, data)

	env := newTestEnv(t, Config{SubchunkSize: 64, OriginMaxRetries: 1})
	env.start(t)

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "movie-1", origin.server.URL)
	require.NoError(t, err)

	full := ledger.ByteRange{Start: 0, End: int64(len(data)) - 1}
	require.NoError(t, env.mgr.EnsureRange(ctx, "movie-1", full, High))

	sub := env.mgr.Subscribe("movie-1", full)
	require.NoError(t, sub.Wait(ctx, 10*time.Second))

	entry, err := env.ledger.GetEntry(ctx, "movie-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateComplete, entry.State)
	require.NotNil(t, entry.ExpectedTotalSize)
	assert.Equal(t, int64(len(data)), *entry.ExpectedTotalSize)

	got := make([]byte, len(data))
	_, err = env.store.ReadAt(ctx, "movie-1", got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The size probe is always a one byte ranged GET, never a HEAD.
	reqs := origin.requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "GET bytes=0-0", reqs[0])
}

func TestProbeAcceptsFullBodyOrigin(t *testing.T) {
	data := testData(300)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores Range entirely, like a naive file server.
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{SubchunkSize: 64, OriginMaxRetries: 1})
	env.start(t)

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "clip", server.URL)
	require.NoError(t, err)

	full := ledger.ByteRange{Start: 0, End: int64(len(data)) - 1}
	require.NoError(t, env.mgr.EnsureRange(ctx, "clip", full, High))

	sub := env.mgr.Subscribe("clip", full)
	require.NoError(t, sub.Wait(ctx, 10*time.Second))

	got := make([]byte, len(data))
	_, err = env.store.ReadAt(ctx, "clip", got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRangeIgnoringOriginServesMiddleRange(t *testing.T) {
	data := testData(500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always replays the whole body, whatever the Range header says.
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{SubchunkSize: 64, OriginMaxRetries: 1})
	env.start(t)

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "naive", server.URL)
	require.NoError(t, err)

	rng := ledger.ByteRange{Start: 200, End: 299}
	require.NoError(t, env.mgr.EnsureRange(ctx, "naive", rng, High))

	sub := env.mgr.Subscribe("naive", rng)
	require.NoError(t, sub.Wait(ctx, 10*time.Second))

	entry, err := env.ledger.GetEntry(ctx, "naive")
	require.NoError(t, err)
	assert.NotEqual(t, ledger.StateFailed, entry.State)

	got := make([]byte, 100)
	_, err = env.store.ReadAt(ctx, "naive", got, 200)
	require.NoError(t, err)
	assert.Equal(t, data[200:300], got)
}

func TestOriginFailureMarksEntryFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{SubchunkSize: 64, OriginMaxRetries: 1})
	env.start(t)

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "broken", server.URL)
	require.NoError(t, err)

	rng := ledger.ByteRange{Start: 0, End: 99}
	require.NoError(t, env.mgr.EnsureRange(ctx, "broken", rng, High))

	sub := env.mgr.Subscribe("broken", rng)
	err = sub.Wait(ctx, 10*time.Second)
	require.ErrorIs(t, err, ErrEntryFailed)

	entry, err := env.ledger.GetEntry(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, entry.State)
}

func TestPermanentStatusSkipsRetries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{SubchunkSize: 64, OriginMaxRetries: 5})
	env.start(t)

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "gone", server.URL)
	require.NoError(t, err)

	rng := ledger.ByteRange{Start: 0, End: 9}
	require.NoError(t, env.mgr.EnsureRange(ctx, "gone", rng, High))

	sub := env.mgr.Subscribe("gone", rng)
	require.ErrorIs(t, sub.Wait(ctx, 10*time.Second), ErrEntryFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestResumeSkipsCommittedBytes(t *testing.T) {
	data := testData(64)
	origin := newRecordingOrigin(t, data)

	env := newTestEnv(t, Config{SubchunkSize: 64, OriginMaxRetries: 1})

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "resume", origin.server.URL)
	require.NoError(t, err)

	// Simulate a prior run that got the first half.
	require.NoError(t, env.ledger.SetTotalSize(ctx, "resume", int64(len(data))))
	require.NoError(t, env.store.WriteAt(ctx, "resume", data[:32], 0))
	_, _, err = env.ledger.AddRange(ctx, "resume", ledger.ByteRange{Start: 0, End: 31})
	require.NoError(t, err)

	env.start(t)

	full := ledger.ByteRange{Start: 0, End: int64(len(data)) - 1}
	require.NoError(t, env.mgr.EnsureRange(ctx, "resume", full, High))

	sub := env.mgr.Subscribe("resume", full)
	require.NoError(t, sub.Wait(ctx, 10*time.Second))

	reqs := origin.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "GET bytes=32-63", reqs[0])

	got := make([]byte, len(data))
	_, err = env.store.ReadAt(ctx, "resume", got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEnsureRangeBeyondEndIsNoop(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.Open(ctx, "short", "http://origin.invalid/short")
	require.NoError(t, err)
	require.NoError(t, env.ledger.SetTotalSize(ctx, "short", 100))

	err = env.mgr.EnsureRange(ctx, "short", ledger.ByteRange{Start: 200, End: 300}, High)
	require.NoError(t, err)
	assert.Equal(t, 0, env.mgr.QueueDepth())
}

func TestEnsureRangeRaisesQueuedPriority(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.Open(ctx, "vid", "http://origin.invalid/vid")
	require.NoError(t, err)

	rng := ledger.ByteRange{Start: 0, End: 99}
	require.NoError(t, env.mgr.EnsureRange(ctx, "vid", rng, Low))
	require.NoError(t, env.mgr.EnsureRange(ctx, "vid", rng, Critical))

	// Same range queued once, at the raised priority.
	require.Equal(t, 1, env.mgr.QueueDepth())
	env.mgr.mu.Lock()
	defer env.mgr.mu.Unlock()
	assert.Equal(t, Critical, env.mgr.queue[0].priority)
}

func TestDemoteOnlyTouchesGivenRanges(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.Open(ctx, "vid", "http://origin.invalid/vid")
	require.NoError(t, err)

	mine := ledger.ByteRange{Start: 0, End: 999}
	theirs := ledger.ByteRange{Start: 5000, End: 5999}
	require.NoError(t, env.mgr.EnsureRange(ctx, "vid", mine, High))
	require.NoError(t, env.mgr.EnsureRange(ctx, "vid", theirs, High))

	// Without ranges nothing moves.
	env.mgr.Demote("vid")
	// A reader leaving demotes its own windows; another reader's stay up.
	env.mgr.Demote("vid", mine)

	env.mgr.mu.Lock()
	defer env.mgr.mu.Unlock()
	for _, req := range env.mgr.queue {
		if req.rng == theirs {
			assert.Equal(t, High, req.priority)
		} else {
			assert.Equal(t, Low, req.priority)
		}
	}
}

func TestCancelDropsQueuedWork(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.Open(ctx, "a", "http://origin.invalid/a")
	require.NoError(t, err)
	_, err = env.mgr.Open(ctx, "b", "http://origin.invalid/b")
	require.NoError(t, err)

	require.NoError(t, env.mgr.EnsureRange(ctx, "a", ledger.ByteRange{Start: 0, End: 9}, High))
	require.NoError(t, env.mgr.EnsureRange(ctx, "b", ledger.ByteRange{Start: 0, End: 9}, High))

	env.mgr.Cancel("a")

	assert.Equal(t, 1, env.mgr.QueueDepth())
	assert.False(t, env.mgr.Downloading("a"))
	assert.True(t, env.mgr.Downloading("b"))
}

func TestCancelScopedToRange(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.Open(ctx, "a", "http://origin.invalid/a")
	require.NoError(t, err)

	head := ledger.ByteRange{Start: 0, End: 9}
	tail := ledger.ByteRange{Start: 100, End: 109}
	require.NoError(t, env.mgr.EnsureRange(ctx, "a", head, High))
	require.NoError(t, env.mgr.EnsureRange(ctx, "a", tail, High))

	env.mgr.Cancel("a", head)

	require.Equal(t, 1, env.mgr.QueueDepth())
	env.mgr.mu.Lock()
	defer env.mgr.mu.Unlock()
	assert.Equal(t, tail, env.mgr.queue[0].rng)
}

func TestCriticalPreemptsRunningBackgroundFetch(t *testing.T) {
	data := testData(1000)
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseOnce)

	var mu sync.Mutex
	var reqs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		mu.Lock()
		reqs = append(reqs, rangeHeader)
		mu.Unlock()

		if rangeHeader == "bytes=0-999" {
			// Trickle the background fetch so an urgent request can be
			// injected while it is mid-flight.
			w.Header().Set("Content-Range", "bytes 0-999/1000")
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(data[:20])
			w.(http.Flusher).Flush()
			<-release
			_, _ = w.Write(data[20:])
			return
		}
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{ConcurrentDownloads: 1, SubchunkSize: 10, OriginMaxRetries: 1})

	ctx := context.Background()
	_, err := env.mgr.Open(ctx, "movie", server.URL)
	require.NoError(t, err)
	require.NoError(t, env.ledger.SetTotalSize(ctx, "movie", int64(len(data))))

	env.start(t)

	full := ledger.ByteRange{Start: 0, End: 999}
	require.NoError(t, env.mgr.EnsureRange(ctx, "movie", full, Low))

	// The single worker commits two subchunks, then blocks on the origin.
	require.Eventually(t, func() bool {
		ok, availErr := env.ledger.IsAvailable(ctx, "movie", ledger.ByteRange{Start: 0, End: 19})
		return availErr == nil && ok
	}, 5*time.Second, 5*time.Millisecond)

	urgent := ledger.ByteRange{Start: 900, End: 909}
	require.NoError(t, env.mgr.EnsureRange(ctx, "movie", urgent, Critical))
	releaseOnce()

	require.NoError(t, env.mgr.Subscribe("movie", urgent).Wait(ctx, 10*time.Second))
	require.NoError(t, env.mgr.Subscribe("movie", full).Wait(ctx, 10*time.Second))

	// The worker dropped the background fetch at a subchunk boundary and
	// served the urgent range before resuming the remainder.
	mu.Lock()
	recorded := append([]string(nil), reqs...)
	mu.Unlock()
	require.GreaterOrEqual(t, len(recorded), 3)
	assert.Equal(t, "bytes=0-999", recorded[0])
	assert.Equal(t, "bytes=900-909", recorded[1])
	for _, resumed := range recorded[2:] {
		assert.NotEqual(t, "bytes=0-999", resumed)
	}

	entry, err := env.ledger.GetEntry(ctx, "movie")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateComplete, entry.State)
}

func TestWaitTimesOutWithoutWorkers(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.Open(ctx, "stalled", "http://origin.invalid/stalled")
	require.NoError(t, err)
	require.NoError(t, env.ledger.SetTotalSize(ctx, "stalled", 100))

	sub := env.mgr.Subscribe("stalled", ledger.ByteRange{Start: 0, End: 99})
	err = sub.Wait(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestReopenFailedEntryResets(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.Open(ctx, "retry", "http://origin.invalid/retry")
	require.NoError(t, err)
	require.NoError(t, env.ledger.MarkFailed(ctx, "retry"))

	entry, err := env.mgr.Open(ctx, "retry", "http://origin.invalid/retry")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateInitializing, entry.State)
}

func TestPriorityNames(t *testing.T) {
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "critical", Critical.String())
	assert.True(t, Low < Medium && Medium < High && High < Critical)
}

func TestQueueOrdering(t *testing.T) {
	h := &requestHeap{}
	push := func(key string, start int64, p Priority, seq uint64) {
		heap.Push(h, &request{
			entryKey: key,
			rng:      ledger.ByteRange{Start: start, End: start + 9},
			priority: p,
			seq:      seq,
		})
	}

	push("a", 500, Low, 1)
	push("b", 100, Critical, 2)
	push("a", 0, High, 3)
	push("c", 100, High, 4)
	push("b", 0, Critical, 5)

	var got []string
	for h.Len() > 0 {
		req := heap.Pop(h).(*request)
		got = append(got, req.entryKey)
	}

	// Priority first, then lowest start, then FIFO.
	assert.Equal(t, []string{"b", "b", "a", "c", "a"}, got)
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    int64
		wantErr bool
	}{
		{name: "normal", header: "bytes 0-0/12345", want: 12345},
		{name: "large", header: "bytes 0-0/9999999999", want: 9999999999},
		{name: "unknown total", header: "bytes 0-0/*", wantErr: true},
		{name: "missing slash", header: "bytes 0-0", wantErr: true},
		{name: "not bytes", header: "items 0-0/5", wantErr: true},
		{name: "empty", header: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContentRangeTotal(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
