package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/seekcache/seekcache/internal/logger"
	"github.com/seekcache/seekcache/pkg/download"
	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/metrics"
	"github.com/seekcache/seekcache/pkg/store"
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls the proxy server and its streaming behavior.
type Config struct {
	// Port is the TCP port the proxy listens on.
	Port int

	// InitialWaitTimeout bounds how long a request may block before the
	// first byte is written. Until headers go out the client can still
	// receive a clean 503.
	InitialWaitTimeout time.Duration

	// SteadyStateWaitTimeout bounds how long a stream mid-flight waits
	// for the next byte before giving up and closing the connection.
	SteadyStateWaitTimeout time.Duration

	// LookaheadBytes is the size of the urgent window queued at top
	// priority ahead of the client's read position.
	LookaheadBytes int64

	// LookaheadChunkCount is how many windows stay scheduled ahead of
	// the reader, the urgent one included.
	LookaheadChunkCount int

	// ReadTimeout and IdleTimeout are standard http.Server timeouts.
	// There is no write timeout: streams are long-lived.
	ReadTimeout time.Duration
	IdleTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Port:                   8099,
		InitialWaitTimeout:     30 * time.Second,
		SteadyStateWaitTimeout: 10 * time.Second,
		LookaheadBytes:         32 << 20,
		LookaheadChunkCount:    4,
		ReadTimeout:            10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.InitialWaitTimeout <= 0 {
		c.InitialWaitTimeout = def.InitialWaitTimeout
	}
	if c.SteadyStateWaitTimeout <= 0 {
		c.SteadyStateWaitTimeout = def.SteadyStateWaitTimeout
	}
	if c.LookaheadBytes <= 0 {
		c.LookaheadBytes = def.LookaheadBytes
	}
	if c.LookaheadChunkCount <= 0 {
		c.LookaheadChunkCount = def.LookaheadChunkCount
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// ============================================================================
// Server
// ============================================================================

// Server is the HTTP front of the cache. It exposes range-aware streaming
// plus health, stats, and metrics endpoints, and supports graceful
// shutdown.
type Server struct {
	server       *http.Server
	handler      *streamHandler
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates the proxy HTTP server.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests. Metrics may be nil.
func NewServer(cfg Config, led *ledger.Ledger, st *store.Store, mgr *download.Manager, m *metrics.Metrics) *Server {
	cfg.applyDefaults()

	handler := &streamHandler{
		ledger:  led,
		store:   st,
		manager: mgr,
		metrics: m,
		tracker: newStreamTracker(),
		cfg:     cfg,
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     NewRouter(handler),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	return &Server{
		server:  server,
		handler: handler,
		config:  cfg,
	}
}

// StreamActive reports whether entryKey currently has a live stream. The
// eviction manager uses this to protect entries a player is reading.
func (s *Server) StreamActive(entryKey string) bool {
	return s.handler.tracker.Active(entryKey)
}

// Handler returns the configured router, mainly for tests that want to
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the proxy server and blocks until the context is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("proxy server listening", "port", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("proxy server shutdown signal received")
		// A fresh context: the cancelled one would abort shutdown
		// immediately.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("proxy server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		logger.Info("stopping proxy server")
		err = s.server.Shutdown(ctx)
	})
	return err
}
