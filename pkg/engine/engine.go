// Package engine wires the cache components together: storage, ledger,
// download manager, streaming proxy, and eviction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/seekcache/seekcache/internal/logger"
	"github.com/seekcache/seekcache/pkg/config"
	"github.com/seekcache/seekcache/pkg/download"
	"github.com/seekcache/seekcache/pkg/evict"
	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/metrics"
	"github.com/seekcache/seekcache/pkg/proxy"
	"github.com/seekcache/seekcache/pkg/store"
)

// Engine owns the lifecycle of every cache component. Create it with New,
// register entries with Register, and drive it with Run until the context
// is cancelled.
type Engine struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	store   *store.Store
	metrics *metrics.Metrics
	manager *download.Manager
	server  *proxy.Server
	evictor *evict.Manager
}

// New builds an Engine from configuration. The storage directory is
// created if missing; the ledger is opened and migrated.
func New(cfg *config.Config) (*Engine, error) {
	st, err := store.NewWithPath(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("opening chunk store: %w", err)
	}

	led, err := ledger.Open(cfg.Cache.DatabasePath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	mgr := download.New(led, st, &http.Client{Timeout: cfg.Download.OriginTimeout}, download.Config{
		ConcurrentDownloads: cfg.Download.ConcurrentDownloads,
		SubchunkSize:        cfg.Download.SubchunkSize.Int64(),
		OriginTimeout:       cfg.Download.OriginTimeout,
		OriginMaxRetries:    cfg.Download.OriginMaxRetries,
	}, m)

	srv := proxy.NewServer(proxy.Config{
		Port:                   cfg.Proxy.Port,
		InitialWaitTimeout:     cfg.Proxy.InitialWaitTimeout,
		SteadyStateWaitTimeout: cfg.Proxy.SteadyStateWaitTimeout,
		LookaheadBytes:         cfg.Download.LookaheadBytes.Int64(),
		LookaheadChunkCount:    cfg.Download.LookaheadChunkCount,
		ShutdownTimeout:        cfg.ShutdownTimeout,
	}, led, st, mgr, m)

	evictor := evict.New(led, st, m, evict.Config{
		FixedMaxSize:            cfg.Cache.FixedMaxSize.Int64(),
		MinFreeReserveAbsolute:  cfg.Cache.MinFreeReserveAbsolute.Int64(),
		MinFreeReservePercent:   cfg.Cache.MinFreeReservePercent,
		CleanupThresholdPercent: cfg.Cache.CleanupThresholdPercent,
		CleanupInterval:         cfg.Cache.CleanupInterval,
	}, srv.StreamActive, mgr.Downloading)

	return &Engine{
		cfg:     cfg,
		ledger:  led,
		store:   st,
		metrics: m,
		manager: mgr,
		server:  srv,
		evictor: evictor,
	}, nil
}

// Register makes entryKey servable, backed by originURL. Registering an
// existing entry is idempotent; registering a failed one resets it.
func (e *Engine) Register(ctx context.Context, entryKey, originURL string) error {
	_, err := e.manager.Open(ctx, entryKey, originURL)
	return err
}

// Manager exposes the download manager for embedding callers.
func (e *Engine) Manager() *download.Manager {
	return e.manager
}

// Ledger exposes the chunk ledger for embedding callers.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Shutdown order: proxy first so no new requests arrive,
// then the download workers drain, then the ledger and store close.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.manager.Start(runCtx)

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return e.server.Start(gCtx)
	})
	g.Go(func() error {
		return e.evictor.Run(gCtx)
	})

	err := g.Wait()

	// Proxy is down by now; drain workers before closing storage.
	cancel()
	e.manager.Close()

	if cerr := e.ledger.Close(); cerr != nil {
		logger.Error("closing ledger", "error", cerr)
	}
	if cerr := e.store.Close(); cerr != nil {
		logger.Error("closing chunk store", "error", cerr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("engine stopped")
	return nil
}

// RunOnceEviction triggers a single cleanup pass, mainly for tests and
// the CLI.
func (e *Engine) RunOnceEviction(ctx context.Context) error {
	return e.evictor.RunOnce(ctx)
}
