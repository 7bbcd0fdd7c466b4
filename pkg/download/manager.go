package download

import (
	"container/heap"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/seekcache/seekcache/internal/logger"
	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/metrics"
	"github.com/seekcache/seekcache/pkg/store"
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls the download manager's concurrency and origin behavior.
type Config struct {
	// ConcurrentDownloads is the number of worker goroutines pulling
	// requests off the priority queue.
	ConcurrentDownloads int

	// SubchunkSize is the granularity at which a range download commits
	// bytes to the ledger. Smaller values surface progress to waiting
	// readers sooner at the cost of more ledger writes.
	SubchunkSize int64

	// OriginTimeout bounds a single origin round trip.
	OriginTimeout time.Duration

	// OriginMaxRetries is the number of retry attempts after the first
	// failed origin request before the entry is marked failed.
	OriginMaxRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrentDownloads: 3,
		SubchunkSize:        2 << 20,
		OriginTimeout:       30 * time.Second,
		OriginMaxRetries:    4,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ConcurrentDownloads <= 0 {
		c.ConcurrentDownloads = def.ConcurrentDownloads
	}
	if c.SubchunkSize <= 0 {
		c.SubchunkSize = def.SubchunkSize
	}
	if c.OriginTimeout <= 0 {
		c.OriginTimeout = def.OriginTimeout
	}
	if c.OriginMaxRetries < 0 {
		c.OriginMaxRetries = def.OriginMaxRetries
	}
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns the download side of the cache: it accepts prioritized range
// requests, dedups them against bytes already on disk, and runs a bounded
// worker pool that fetches missing ranges from the origin and commits them
// chunk by chunk to the store and ledger.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	ledger  *ledger.Ledger
	store   *store.Store
	client  *http.Client
	cfg     Config
	metrics *metrics.Metrics

	notifier *notifier

	mu      sync.Mutex
	cond    *sync.Cond
	queue   requestHeap
	pending map[string]*request // request key -> queued request
	inFlight map[string]int     // entry key -> queued + running requests
	probing map[string]chan struct{}
	seq     uint64
	closed  bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Manager. A nil client falls back to a default http.Client
// with the configured origin timeout. Metrics may be nil.
func New(led *ledger.Ledger, st *store.Store, client *http.Client, cfg Config, m *metrics.Metrics) *Manager {
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.OriginTimeout}
	}
	mgr := &Manager{
		ledger:   led,
		store:    st,
		client:   client,
		cfg:      cfg,
		metrics:  m,
		notifier: newNotifier(),
		pending:  make(map[string]*request),
		inFlight: make(map[string]int),
		probing:  make(map[string]chan struct{}),
	}
	mgr.cond = sync.NewCond(&mgr.mu)
	return mgr
}

// Start launches the worker pool. Workers run until Close is called or ctx
// is cancelled, whichever comes first.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.cfg.ConcurrentDownloads; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-ctx.Done()
		m.shutdown()
	}()
	logger.Info("download manager started",
		"workers", m.cfg.ConcurrentDownloads,
		"subchunk_size", m.cfg.SubchunkSize)
}

// Close stops accepting requests and waits for in-flight downloads to wind
// down. Queued requests that never started are dropped.
func (m *Manager) Close() {
	m.shutdown()
	m.wg.Wait()
}

func (m *Manager) shutdown() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.pending = make(map[string]*request)
		m.mu.Unlock()
		m.cond.Broadcast()
	})
}

// ============================================================================
// Entry registration
// ============================================================================

// Open registers an entry for entryKey backed by originURL, creating its
// sparse backing file and ledger row if they do not exist yet. Opening an
// entry that previously failed resets it so a new playback attempt can
// retry the origin.
func (m *Manager) Open(ctx context.Context, entryKey, originURL string) (*ledger.Entry, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.mu.Unlock()

	path, err := m.store.Create(entryKey)
	if err != nil {
		return nil, err
	}
	entry, err := m.ledger.CreateEntry(ctx, entryKey, originURL, path)
	if err != nil {
		return nil, err
	}
	if entry.State == ledger.StateFailed {
		state := ledger.StateInitializing
		if entry.ExpectedTotalSize != nil {
			state = ledger.StateDownloading
		}
		if err := m.ledger.SetState(ctx, entryKey, state); err != nil {
			return nil, err
		}
		entry.State = state
		logger.Info("reopened failed entry", "entry_key", entryKey)
	}
	return entry, nil
}

// ============================================================================
// Scheduling
// ============================================================================

// EnsureRange queues a download for the missing parts of rng at the given
// priority. If an identical range is already queued at a lower priority it
// is raised in place; a queued range is never demoted by this method. Bytes
// already on disk make the call a no-op.
func (m *Manager) EnsureRange(ctx context.Context, entryKey string, rng ledger.ByteRange, prio Priority) error {
	if !rng.Valid() {
		return nil
	}

	entry, err := m.ledger.GetEntry(ctx, entryKey)
	if err != nil {
		return err
	}
	if entry.ExpectedTotalSize != nil {
		clamped, ok := rng.Clamp(*entry.ExpectedTotalSize)
		if !ok {
			return nil
		}
		rng = clamped
	}

	if entry.State == ledger.StateComplete {
		return nil
	}
	ok, err := m.ledger.IsAvailable(ctx, entryKey, rng)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}

	req := &request{entryKey: entryKey, rng: rng, priority: prio}
	if existing, found := m.pending[req.key()]; found {
		if prio > existing.priority {
			existing.priority = prio
			heap.Fix(&m.queue, existing.index)
			m.cond.Signal()
		}
		return nil
	}

	m.seq++
	req.seq = m.seq
	m.pending[req.key()] = req
	m.inFlight[entryKey]++
	heap.Push(&m.queue, req)
	m.cond.Signal()
	return nil
}

// Demote lowers queued requests for entryKey that intersect one of the
// given ranges to Low priority. Callers pass the windows they raised, so
// a second reader on the same entry keeps its own elevated windows.
// The demoted bytes stay queued as background precache work. Without
// ranges the call is a no-op.
func (m *Manager) Demote(entryKey string, ranges ...ledger.ByteRange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.queue {
		if req.entryKey != entryKey || req.priority == Low {
			continue
		}
		for _, rng := range ranges {
			if req.rng.Intersects(rng) {
				req.priority = Low
				heap.Fix(&m.queue, req.index)
				break
			}
		}
	}
}

// Cancel removes queued requests for entryKey and wakes its waiters.
// With ranges given, only queued requests intersecting one of them are
// dropped; without, every queued request for the entry is. Running
// downloads are not interrupted either way.
func (m *Manager) Cancel(entryKey string, ranges ...ledger.ByteRange) {
	m.mu.Lock()
	kept := m.queue[:0]
	for _, req := range m.queue {
		if req.entryKey == entryKey && intersectsAny(req.rng, ranges) {
			delete(m.pending, req.key())
			m.inFlight[entryKey]--
			continue
		}
		req.index = len(kept)
		kept = append(kept, req)
	}
	m.queue = kept
	heap.Init(&m.queue)
	if m.inFlight[entryKey] <= 0 {
		delete(m.inFlight, entryKey)
	}
	m.mu.Unlock()
	m.notifier.forget(entryKey)
}

// intersectsAny treats an empty range list as matching everything.
func intersectsAny(rng ledger.ByteRange, ranges []ledger.ByteRange) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if rng.Intersects(r) {
			return true
		}
	}
	return false
}

// preempted reports whether a request strictly more urgent than prio is
// waiting in the queue. Workers poll this between subchunk commits so a
// fresh Critical request never sits behind a long background fetch.
func (m *Manager) preempted(prio Priority) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0 && m.queue[0].priority > prio
}

// requeue pushes a preempted request back onto the queue at its original
// priority. Subchunks committed before the preemption stay committed, so
// reprocessing only fetches what is still missing.
func (m *Manager) requeue(req *request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	next := &request{entryKey: req.entryKey, rng: req.rng, priority: req.priority}
	if existing, found := m.pending[next.key()]; found {
		if next.priority > existing.priority {
			existing.priority = next.priority
			heap.Fix(&m.queue, existing.index)
		}
		return
	}
	m.seq++
	next.seq = m.seq
	m.pending[next.key()] = next
	m.inFlight[req.entryKey]++
	heap.Push(&m.queue, next)
	m.cond.Signal()
}

// Downloading reports whether entryKey has queued or running download work.
// The eviction manager uses this to keep in-progress entries on disk.
func (m *Manager) Downloading(entryKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[entryKey] > 0
}

// QueueDepth returns the number of queued, not yet running requests.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// ============================================================================
// Worker pool
// ============================================================================

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		req := heap.Pop(&m.queue).(*request)
		delete(m.pending, req.key())
		m.mu.Unlock()

		m.process(ctx, req)

		m.mu.Lock()
		m.inFlight[req.entryKey]--
		if m.inFlight[req.entryKey] <= 0 {
			delete(m.inFlight, req.entryKey)
		}
		m.mu.Unlock()
		m.notifier.broadcast(req.entryKey)
	}
}

// process downloads the missing parts of one queued request. Errors are
// not returned: a failed origin exhausts its retries inside fetchRange,
// which marks the entry failed so waiters stop blocking.
func (m *Manager) process(ctx context.Context, req *request) {
	m.metrics.DownloadStarted()
	defer m.metrics.DownloadFinished()

	entry, err := m.ledger.GetEntry(ctx, req.entryKey)
	if err != nil {
		logger.Warn("dropping request for unknown entry",
			"entry_key", req.entryKey, "error", err)
		return
	}
	if entry.State == ledger.StateFailed || entry.State == ledger.StateComplete {
		return
	}

	if entry.ExpectedTotalSize == nil {
		if err := m.resolveSize(ctx, entry); err != nil {
			logger.Error("origin size probe failed",
				"entry_key", req.entryKey, "error", err)
			return
		}
		entry, err = m.ledger.GetEntry(ctx, req.entryKey)
		if err != nil || entry.ExpectedTotalSize == nil {
			return
		}
	}

	rng, ok := req.rng.Clamp(*entry.ExpectedTotalSize)
	if !ok {
		return
	}
	missing, err := m.ledger.MissingRanges(ctx, req.entryKey, rng)
	if err != nil {
		logger.Error("missing range scan failed",
			"entry_key", req.entryKey, "error", err)
		return
	}
	for _, gap := range missing {
		if ctx.Err() != nil {
			return
		}
		if err := m.fetchRange(ctx, entry, gap, req.priority); err != nil {
			if errors.Is(err, errPreempted) {
				m.requeue(req)
				return
			}
			if !errors.Is(err, context.Canceled) {
				logger.Error("range download failed",
					"entry_key", req.entryKey,
					"start", gap.Start, "end", gap.End,
					"error", err)
			}
			return
		}
	}
}

// resolveSize runs the origin size probe exactly once per entry no matter
// how many workers need it; losers of the race wait for the winner.
func (m *Manager) resolveSize(ctx context.Context, entry *ledger.Entry) error {
	m.mu.Lock()
	if ch, running := m.probing[entry.EntryKey]; running {
		m.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	m.probing[entry.EntryKey] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.probing, entry.EntryKey)
		m.mu.Unlock()
		close(ch)
	}()
	return m.probe(ctx, entry)
}
