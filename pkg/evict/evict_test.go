package evict

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/store"
)

func TestEffectiveBudget(t *testing.T) {
	const gib = 1 << 30
	tests := []struct {
		name       string
		fixedMax   int64
		totalDisk  int64
		reserveAbs int64
		reservePct float64
		want       int64
		diskBound  bool
	}{
		{
			name:     "fixed max wins on a big disk",
			fixedMax: 10 * gib, totalDisk: 500 * gib,
			reserveAbs: 2 * gib, reservePct: 5,
			want: 10 * gib, diskBound: false,
		},
		{
			name:     "percent reserve binds on a big disk",
			fixedMax: 490 * gib, totalDisk: 500 * gib,
			reserveAbs: 2 * gib, reservePct: 5,
			want: 475 * gib, diskBound: true,
		},
		{
			name:     "absolute reserve binds on a small disk",
			fixedMax: 100 * gib, totalDisk: 20 * gib,
			reserveAbs: 2 * gib, reservePct: 5,
			want: 18 * gib, diskBound: true,
		},
		{
			name:     "tiny disk yields zero budget",
			fixedMax: 10 * gib, totalDisk: 1 * gib,
			reserveAbs: 2 * gib, reservePct: 5,
			want: 0, diskBound: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, diskBound := EffectiveBudget(tt.fixedMax, tt.totalDisk, tt.reserveAbs, tt.reservePct)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.diskBound, diskBound)
		})
	}
}

type evictEnv struct {
	ledger *ledger.Ledger
	store  *store.Store
}

func newEvictEnv(t *testing.T) *evictEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewWithPath(filepath.Join(dir, "chunks"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	return &evictEnv{ledger: led, store: st}
}

// addEntry creates a complete entry of the given size with real bytes on
// disk and a controllable last access time via explicit Touch ordering.
func (e *evictEnv) addEntry(t *testing.T, key string, size int64) {
	t.Helper()
	ctx := context.Background()

	path, err := e.store.Create(key)
	require.NoError(t, err)
	_, err = e.ledger.CreateEntry(ctx, key, "http://origin.invalid/"+key, path)
	require.NoError(t, err)
	require.NoError(t, e.ledger.SetTotalSize(ctx, key, size))

	data := make([]byte, size)
	require.NoError(t, e.store.WriteAt(ctx, key, data, 0))
	_, completed, err := e.ledger.AddRange(ctx, key, ledger.ByteRange{Start: 0, End: size - 1})
	require.NoError(t, err)
	require.True(t, completed)

	// Keep insertion order as access order.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.ledger.Touch(ctx, key))
	time.Sleep(5 * time.Millisecond)
}

func newManagerForTest(env *evictEnv, cfg Config, diskTotal int64, guards ...EntryGuard) *Manager {
	m := New(env.ledger, env.store, nil, cfg, guards...)
	m.diskTotal = func(string) (int64, error) { return diskTotal, nil }
	return m
}

func TestRunOnceUnderBudgetDoesNothing(t *testing.T) {
	env := newEvictEnv(t)
	env.addEntry(t, "a", 1000)

	m := newManagerForTest(env, Config{
		FixedMaxSize:            10000,
		MinFreeReserveAbsolute:  1,
		MinFreeReservePercent:   1,
		CleanupThresholdPercent: 90,
	}, 1<<40)

	require.NoError(t, m.RunOnce(context.Background()))

	_, err := env.ledger.GetEntry(context.Background(), "a")
	assert.NoError(t, err)
}

func TestRunOnceEvictsOldestFirst(t *testing.T) {
	env := newEvictEnv(t)
	env.addEntry(t, "oldest", 4000)
	env.addEntry(t, "middle", 4000)
	env.addEntry(t, "newest", 4000)

	// Budget 10000, threshold 80% -> target 8000, usage 12000: one
	// eviction brings usage to 8000.
	m := newManagerForTest(env, Config{
		FixedMaxSize:            10000,
		MinFreeReserveAbsolute:  1,
		MinFreeReservePercent:   1,
		CleanupThresholdPercent: 80,
	}, 1<<40)

	ctx := context.Background()
	require.NoError(t, m.RunOnce(ctx))

	_, err := env.ledger.GetEntry(ctx, "oldest")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
	assert.False(t, env.store.Exists("oldest"))

	_, err = env.ledger.GetEntry(ctx, "middle")
	assert.NoError(t, err)
	_, err = env.ledger.GetEntry(ctx, "newest")
	assert.NoError(t, err)
}

func TestRunOnceSkipsGuardedEntries(t *testing.T) {
	env := newEvictEnv(t)
	env.addEntry(t, "playing", 4000)
	env.addEntry(t, "idle", 4000)

	guard := func(entryKey string) bool { return entryKey == "playing" }

	m := newManagerForTest(env, Config{
		FixedMaxSize:            5000,
		MinFreeReserveAbsolute:  1,
		MinFreeReservePercent:   1,
		CleanupThresholdPercent: 80,
	}, 1<<40, guard)

	ctx := context.Background()
	require.NoError(t, m.RunOnce(ctx))

	// The older entry survives because it is guarded; the newer one goes.
	_, err := env.ledger.GetEntry(ctx, "playing")
	assert.NoError(t, err)
	_, err = env.ledger.GetEntry(ctx, "idle")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestShrinkingDiskTriggersEviction(t *testing.T) {
	env := newEvictEnv(t)
	env.addEntry(t, "a", 4000)
	env.addEntry(t, "b", 4000)

	// Fixed max is generous, but the volume only has 10000 bytes with an
	// absolute reserve of 4000: effective budget 6000, target 3000.
	m := newManagerForTest(env, Config{
		FixedMaxSize:            1 << 30,
		MinFreeReserveAbsolute:  4000,
		MinFreeReservePercent:   1,
		CleanupThresholdPercent: 50,
	}, 10000)

	ctx := context.Background()
	require.NoError(t, m.RunOnce(ctx))

	entries, err := env.ledger.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 0)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newEvictEnv(t)
	m := newManagerForTest(env, Config{CleanupInterval: 10 * time.Millisecond}, 1<<40)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Run(ctx)
	assert.NoError(t, err)
}
