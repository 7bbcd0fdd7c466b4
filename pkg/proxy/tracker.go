package proxy

import "sync"

// streamTracker counts live streaming requests per entry. The eviction
// manager consults it so an entry a player is actively reading never gets
// evicted out from under the stream.
type streamTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newStreamTracker() *streamTracker {
	return &streamTracker{counts: make(map[string]int)}
}

func (t *streamTracker) enter(entryKey string) {
	t.mu.Lock()
	t.counts[entryKey]++
	t.mu.Unlock()
}

func (t *streamTracker) leave(entryKey string) {
	t.mu.Lock()
	t.counts[entryKey]--
	if t.counts[entryKey] <= 0 {
		delete(t.counts, entryKey)
	}
	t.mu.Unlock()
}

// Active reports whether entryKey has at least one live stream.
func (t *streamTracker) Active(entryKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[entryKey] > 0
}

// Count returns the number of live streams across all entries.
func (t *streamTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}
