package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seekcache/seekcache/internal/logger"
	"github.com/seekcache/seekcache/pkg/ledger"
)

// ============================================================================
// Size probe
// ============================================================================

// probe determines the entry's total size with a one byte ranged GET.
// A HEAD would be cheaper but several CDNs answer HEAD with 403 or wrong
// headers while serving ranged GETs fine, so the probe always uses GET.
// The fetched byte is not wasted: it is committed as chunk [0,0].
func (m *Manager) probe(ctx context.Context, entry *ledger.Entry) error {
	var total int64
	var firstByte []byte

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.OriginURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Range", "bytes=0-0")

		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusPartialContent:
			total, err = parseContentRangeTotal(resp.Header.Get("Content-Range"))
			if err != nil {
				return backoff.Permanent(err)
			}
		case http.StatusOK:
			// Origin ignored the Range header. Content-Length is the
			// full size; take the first byte and drop the rest.
			if resp.ContentLength < 0 {
				return backoff.Permanent(&OriginError{
					Op: "probe", EntryKey: entry.EntryKey, URL: entry.OriginURL,
					StatusCode: resp.StatusCode, Err: ErrUnknownSize,
				})
			}
			total = resp.ContentLength
		default:
			oerr := &OriginError{
				Op: "probe", EntryKey: entry.EntryKey, URL: entry.OriginURL,
				StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus,
			}
			if permanentStatus(resp.StatusCode) {
				return backoff.Permanent(oerr)
			}
			return oerr
		}

		if total > 0 {
			buf := make([]byte, 1)
			if _, err := io.ReadFull(resp.Body, buf); err != nil {
				return err
			}
			firstByte = buf
		}
		return nil
	}

	if err := m.retryOrigin(ctx, entry, "probe", attempt); err != nil {
		return err
	}

	if total == 0 {
		if err := m.ledger.SetTotalSize(ctx, entry.EntryKey, 0); err != nil {
			return err
		}
		return m.ledger.SetState(ctx, entry.EntryKey, ledger.StateComplete)
	}

	if err := m.store.WriteAt(ctx, entry.EntryKey, firstByte, 0); err != nil {
		return err
	}
	if err := m.ledger.SetTotalSize(ctx, entry.EntryKey, total); err != nil {
		return err
	}
	if _, _, err := m.ledger.AddRange(ctx, entry.EntryKey, ledger.ByteRange{Start: 0, End: 0}); err != nil {
		return err
	}
	m.notifier.broadcast(entry.EntryKey)
	logger.Debug("resolved entry size",
		"entry_key", entry.EntryKey, "total_size", total)
	return nil
}

// parseContentRangeTotal extracts the total size from a Content-Range
// header of the form "bytes 0-0/12345".
func parseContentRangeTotal(header string) (int64, error) {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 || !strings.HasPrefix(header, "bytes ") {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	totalPart := header[idx+1:]
	if totalPart == "*" {
		return 0, fmt.Errorf("origin did not report a total size: %w", ErrUnknownSize)
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil || total < 0 {
		return 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	return total, nil
}

// ============================================================================
// Range download
// ============================================================================

// fetchRange downloads gap from the origin, committing progress one
// subchunk at a time so waiting readers unblock as soon as their bytes
// land. Each retry re-reads the ledger and only fetches what is still
// missing, so a mid-range failure never re-downloads committed bytes.
// Exhausting retries marks the entry failed; a preemption surfaces as
// errPreempted without touching the entry state.
func (m *Manager) fetchRange(ctx context.Context, entry *ledger.Entry, gap ledger.ByteRange, prio Priority) error {
	attempt := func() error {
		missing, err := m.ledger.MissingRanges(ctx, entry.EntryKey, gap)
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, g := range missing {
			if err := m.streamRange(ctx, entry, g, prio); err != nil {
				if errors.Is(err, errPreempted) {
					return backoff.Permanent(err)
				}
				return err
			}
		}
		return nil
	}
	return m.retryOrigin(ctx, entry, "fetch", attempt)
}

// streamRange performs one ranged GET and commits its body subchunk by
// subchunk. Cancellation and preemption by a more urgent request are
// honored between subchunks; bytes already committed stay committed.
func (m *Manager) streamRange(ctx context.Context, entry *ledger.Entry, rng ledger.ByteRange, prio Priority) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.OriginURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// expected
	case http.StatusOK:
		// Origin ignored the Range header and is replaying the full body.
		// Skip ahead to the requested offset so the commits line up.
		if rng.Start > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, rng.Start); err != nil {
				return fmt.Errorf("skipping to offset %d: %w", rng.Start, err)
			}
		}
	default:
		oerr := &OriginError{
			Op: "fetch", EntryKey: entry.EntryKey, URL: entry.OriginURL,
			StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus,
		}
		if permanentStatus(resp.StatusCode) {
			return backoff.Permanent(oerr)
		}
		return oerr
	}

	buf := make([]byte, m.cfg.SubchunkSize)
	offset := rng.Start
	for offset <= rng.End {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if offset > rng.Start && m.preempted(prio) {
			return errPreempted
		}
		n := int64(len(buf))
		if remaining := rng.End - offset + 1; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(resp.Body, buf[:n]); err != nil {
			return fmt.Errorf("reading origin body at offset %d: %w", offset, err)
		}
		if err := m.store.WriteAt(ctx, entry.EntryKey, buf[:n], offset); err != nil {
			return backoff.Permanent(err)
		}
		sub := ledger.ByteRange{Start: offset, End: offset + n - 1}
		if _, _, err := m.ledger.AddRange(ctx, entry.EntryKey, sub); err != nil {
			return backoff.Permanent(err)
		}
		m.metrics.ObserveDownloadProgress(n)
		m.notifier.broadcast(entry.EntryKey)
		offset += n
	}
	return nil
}

// ============================================================================
// Retry policy
// ============================================================================

// retryOrigin runs op under the origin retry policy. Exhaustion or a
// permanent error marks the entry failed and wakes its waiters so they
// surface the failure instead of blocking out their timeout.
func (m *Manager) retryOrigin(ctx context.Context, entry *ledger.Entry, op string, attempt func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.OriginMaxRetries)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		m.metrics.ObserveOriginRetry()
		logger.Warn("retrying origin request",
			"op", op, "entry_key", entry.EntryKey,
			"next_attempt_in", next, "error", err)
	}
	err := backoff.RetryNotify(attempt, policy, notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, errPreempted) {
		return errPreempted
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if markErr := m.ledger.MarkFailed(context.WithoutCancel(ctx), entry.EntryKey); markErr != nil {
		logger.Error("could not mark entry failed",
			"entry_key", entry.EntryKey, "error", markErr)
	}
	m.notifier.broadcast(entry.EntryKey)
	return fmt.Errorf("%s %s: %w", op, entry.EntryKey, err)
}

// permanentStatus reports whether an origin status code will not improve
// with retries.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusGone,
		http.StatusRequestedRangeNotSatisfiable:
		return true
	}
	return false
}
