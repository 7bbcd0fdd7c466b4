package download

import (
	"context"
	"time"

	"github.com/seekcache/seekcache/pkg/ledger"
)

// Subscription lets a reader block until a byte range of an entry is on
// disk. It carries no state beyond its target; readers create one per
// wait and drop it afterwards.
type Subscription struct {
	m        *Manager
	entryKey string
	rng      ledger.ByteRange
}

// Subscribe returns a Subscription for rng of entryKey. It does not queue
// any download work; pair it with EnsureRange.
func (m *Manager) Subscribe(entryKey string, rng ledger.ByteRange) *Subscription {
	return &Subscription{m: m, entryKey: entryKey, rng: rng}
}

// Ready reports whether the subscribed range is fully on disk right now.
// A range entirely past the entry's end counts as ready, since no bytes
// will ever exist for it.
func (s *Subscription) Ready(ctx context.Context) (bool, error) {
	entry, err := s.m.ledger.GetEntry(ctx, s.entryKey)
	if err != nil {
		return false, err
	}
	if entry.State == ledger.StateFailed {
		return false, ErrEntryFailed
	}
	if entry.ExpectedTotalSize == nil {
		return false, nil
	}
	rng, ok := s.rng.Clamp(*entry.ExpectedTotalSize)
	if !ok {
		return true, nil
	}
	return s.m.ledger.IsAvailable(ctx, s.entryKey, rng)
}

// Wait blocks until the subscribed range is on disk, the entry fails, the
// timeout elapses, or ctx is cancelled. It returns ErrEntryFailed or
// ErrWaitTimeout respectively; nil means the bytes are readable.
func (s *Subscription) Wait(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	waited := false
	defer func() {
		if waited {
			s.m.metrics.ObserveWait(time.Since(start))
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Grab the wakeup channel before checking the ledger so a
		// broadcast between the check and the select is not lost.
		ch := s.m.notifier.wait(s.entryKey)

		ready, err := s.Ready(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		waited = true
		select {
		case <-ch:
		case <-timer.C:
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
