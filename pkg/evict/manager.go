package evict

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/seekcache/seekcache/internal/logger"
	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/metrics"
	"github.com/seekcache/seekcache/pkg/store"
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls the disk budget and the cleanup cadence.
type Config struct {
	// FixedMaxSize is the hard upper bound on cache bytes.
	FixedMaxSize int64

	// MinFreeReserveAbsolute is the minimum number of bytes to leave
	// free on the volume regardless of its size.
	MinFreeReserveAbsolute int64

	// MinFreeReservePercent is the minimum free space as a percentage
	// of the volume. The larger of the two reserves wins.
	MinFreeReservePercent float64

	// CleanupThresholdPercent is the budget occupancy that triggers a
	// cleanup pass, and the level eviction brings usage back under.
	CleanupThresholdPercent float64

	// CleanupInterval is how often the background loop re-evaluates the
	// budget.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FixedMaxSize:            10 << 30,
		MinFreeReserveAbsolute:  2 << 30,
		MinFreeReservePercent:   5,
		CleanupThresholdPercent: 90,
		CleanupInterval:         time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.FixedMaxSize <= 0 {
		c.FixedMaxSize = def.FixedMaxSize
	}
	if c.MinFreeReserveAbsolute <= 0 {
		c.MinFreeReserveAbsolute = def.MinFreeReserveAbsolute
	}
	if c.MinFreeReservePercent <= 0 {
		c.MinFreeReservePercent = def.MinFreeReservePercent
	}
	if c.CleanupThresholdPercent <= 0 {
		c.CleanupThresholdPercent = def.CleanupThresholdPercent
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
}

// ============================================================================
// Manager
// ============================================================================

// EntryGuard reports whether an entry must not be evicted right now.
// The engine wires in live stream tracking and in-flight download checks.
type EntryGuard func(entryKey string) bool

// Manager reclaims disk space by evicting least recently used entries
// once cache usage crosses the cleanup threshold of the effective budget.
// The budget shrinks as the volume fills, so a disk filling up with
// unrelated data also triggers eviction.
type Manager struct {
	ledger  *ledger.Ledger
	store   *store.Store
	metrics *metrics.Metrics
	cfg     Config
	guards  []EntryGuard

	// diskTotal is swappable for tests.
	diskTotal func(path string) (int64, error)
}

// New creates an eviction Manager. Guards are consulted in order; any
// guard returning true protects the entry from this cleanup pass.
func New(led *ledger.Ledger, st *store.Store, m *metrics.Metrics, cfg Config, guards ...EntryGuard) *Manager {
	cfg.applyDefaults()
	return &Manager{
		ledger:  led,
		store:   st,
		metrics: m,
		cfg:     cfg,
		guards:  guards,
		diskTotal: func(path string) (int64, error) {
			stat, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return int64(stat.Total), nil
		},
	}
}

// Run executes cleanup passes on the configured interval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	logger.Info("eviction manager started",
		"fixed_max_size", m.cfg.FixedMaxSize,
		"cleanup_interval", m.cfg.CleanupInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("eviction manager stopped")
			return nil
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				logger.Error("cleanup pass failed", "error", err)
			}
		}
	}
}

// RunOnce runs a single cleanup pass: recompute the budget, and if usage
// crossed the threshold evict LRU entries until it is back under.
func (m *Manager) RunOnce(ctx context.Context) error {
	used, err := m.ledger.TotalBytes(ctx)
	if err != nil {
		return err
	}
	m.metrics.SetBytesOnDisk(used)

	totalDisk, err := m.diskTotal(m.store.BasePath())
	if err != nil {
		return err
	}

	budget, diskBound := EffectiveBudget(
		m.cfg.FixedMaxSize, totalDisk,
		m.cfg.MinFreeReserveAbsolute, m.cfg.MinFreeReservePercent)

	target := int64(float64(budget) * m.cfg.CleanupThresholdPercent / 100)
	if used <= target {
		return nil
	}

	logger.Info("cache over budget, evicting",
		"used", used, "budget", budget, "target", target,
		"disk_bound", diskBound)

	candidates, err := m.ledger.EntriesByLastAccess(ctx, ledger.StateFailed, ledger.StateComplete)
	if err != nil {
		return err
	}

	for _, entry := range candidates {
		if used <= target {
			break
		}
		if m.protected(entry.EntryKey) {
			continue
		}
		freed, err := m.evict(ctx, entry.EntryKey)
		if err != nil {
			logger.Error("eviction failed",
				"entry_key", entry.EntryKey, "error", err)
			continue
		}
		used -= freed
	}

	m.metrics.SetBytesOnDisk(used)
	if used > target {
		logger.Warn("cleanup pass could not reach target",
			"used", used, "target", target)
	}
	return nil
}

func (m *Manager) protected(entryKey string) bool {
	for _, guard := range m.guards {
		if guard != nil && guard(entryKey) {
			return true
		}
	}
	return false
}

// evict removes one entry. The ledger rows go first: a stray data file
// without rows is invisible garbage, while rows without a file would
// serve corrupt reads.
func (m *Manager) evict(ctx context.Context, entryKey string) (int64, error) {
	bytes, err := m.ledger.BytesPresent(ctx, entryKey)
	if err != nil {
		return 0, err
	}
	if err := m.ledger.DeleteEntry(ctx, entryKey); err != nil {
		return 0, err
	}
	if err := m.store.Remove(entryKey); err != nil {
		logger.Warn("could not remove entry file after ledger delete",
			"entry_key", entryKey, "error", err)
	}
	m.metrics.ObserveEviction(bytes)
	logger.Info("evicted entry", "entry_key", entryKey, "bytes", bytes)
	return bytes, nil
}
