package download

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. The proxy maps these to HTTP
// statuses; nothing in this package panics on origin failure.
var (
	// ErrManagerClosed indicates the download manager has been shut down.
	ErrManagerClosed = errors.New("download manager is closed")

	// ErrEntryFailed indicates the entry exhausted its origin retries and
	// will never complete. Distinct from a wait timeout: retrying will not
	// help.
	ErrEntryFailed = errors.New("entry download failed permanently")

	// ErrWaitTimeout indicates a bounded availability wait elapsed before
	// the requested range landed. Retryable.
	ErrWaitTimeout = errors.New("timed out waiting for range availability")

	// ErrUnexpectedStatus indicates the origin answered with a status the
	// downloader cannot use for the attempted operation.
	ErrUnexpectedStatus = errors.New("unexpected origin status")

	// ErrUnknownSize indicates the origin response carried no usable total
	// size (no Content-Range total and no Content-Length).
	ErrUnknownSize = errors.New("origin did not report a total size")

	// errPreempted stops an in-flight fetch at a subchunk boundary because
	// a more urgent request is waiting. The remainder is requeued, never
	// marked failed.
	errPreempted = errors.New("fetch preempted by higher priority request")
)

// OriginError wraps origin-side failures with request context. errors.Is
// matches through to the wrapped sentinel or transport error.
type OriginError struct {
	// Op is "probe" or "fetch".
	Op string

	// EntryKey identifies the affected cache entry.
	EntryKey string

	// URL is the origin URL that failed.
	URL string

	// StatusCode is the HTTP status received, if any.
	StatusCode int

	// Attempts is how many tries were made before giving up.
	Attempts int

	// Err is the wrapped error.
	Err error
}

func (e *OriginError) Error() string {
	return fmt.Sprintf("origin %s: %s (entry=%s, status=%d, attempts=%d)",
		e.Op, e.Err, e.EntryKey, e.StatusCode, e.Attempts)
}

func (e *OriginError) Unwrap() error {
	return e.Err
}
