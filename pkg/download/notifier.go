package download

import "sync"

// notifier is a per-entry broadcast primitive. Waiters grab the current
// generation channel and block on it; every broadcast closes the channel
// and installs a fresh one, waking all current waiters at once. Waiters
// re-check their condition against the ledger after each wakeup.
type notifier struct {
	mu  sync.Mutex
	chs map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chs: make(map[string]chan struct{})}
}

// wait returns the channel that will be closed on the next broadcast for
// entryKey. The caller must select on it, not read from it.
func (n *notifier) wait(entryKey string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chs[entryKey]
	if !ok {
		ch = make(chan struct{})
		n.chs[entryKey] = ch
	}
	return ch
}

// broadcast wakes every goroutine currently waiting on entryKey.
func (n *notifier) broadcast(entryKey string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chs[entryKey]; ok {
		close(ch)
		delete(n.chs, entryKey)
	}
}

// forget drops the channel for an entry that is being removed. Any waiter
// still holding the old channel is woken so it can observe the deletion.
func (n *notifier) forget(entryKey string) {
	n.broadcast(entryKey)
}
