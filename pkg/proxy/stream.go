package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seekcache/seekcache/internal/logger"
	"github.com/seekcache/seekcache/pkg/download"
	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/metrics"
	"github.com/seekcache/seekcache/pkg/store"
)

// serveBufferSize is the copy granularity from the store to the client.
const serveBufferSize = 256 << 10

// streamHandler serves entry bytes over HTTP range semantics, blocking on
// the download manager when a requested byte is not on disk yet.
type streamHandler struct {
	ledger  *ledger.Ledger
	store   *store.Store
	manager *download.Manager
	metrics *metrics.Metrics
	tracker *streamTracker
	cfg     Config
}

func (h *streamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entryKey := chi.URLParam(r, "entryKey")

	entry, err := h.ledger.GetEntry(ctx, entryKey)
	if err != nil {
		h.metrics.ObserveRequest("not_found")
		JSON(w, http.StatusNotFound, ErrorResponse("unknown entry"))
		return
	}
	if entry.State == ledger.StateFailed {
		h.metrics.ObserveRequest("failed")
		JSON(w, http.StatusBadGateway, ErrorResponse("origin download failed"))
		return
	}
	if err := h.ledger.Touch(ctx, entryKey); err != nil {
		logger.Warn("could not update last access", "entry_key", entryKey, "error", err)
	}

	h.tracker.enter(entryKey)
	defer h.tracker.leave(entryKey)
	// The windows this request raised above Low become background work once
	// the client is gone. Scoped to our own windows so a second stream on
	// the same entry keeps its elevated lookahead.
	var elevated []ledger.ByteRange
	defer func() {
		if len(elevated) > 0 {
			h.manager.Demote(entryKey, elevated...)
		}
	}()

	total, ok := h.resolveTotal(ctx, w, entry)
	if !ok {
		return
	}

	if total == 0 {
		if r.Header.Get("Range") != "" {
			h.writeUnsatisfiable(w, total)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		h.metrics.ObserveRequest("served")
		return
	}

	rng, err := parseRange(r.Header.Get("Range"), total)
	if err != nil {
		h.writeUnsatisfiable(w, total)
		return
	}

	status := http.StatusOK
	if r.Header.Get("Range") != "" {
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		h.writeStreamHeaders(w, status, rng, total)
		h.metrics.ObserveRequest("served")
		return
	}

	elevated = h.scheduleDownloads(ctx, entryKey, rng, total)
	h.stream(ctx, w, entryKey, rng, total, status, &elevated)
}

// resolveTotal returns the entry's total size, waiting for the origin size
// probe when the entry is still initializing. On timeout the client gets a
// 503 with Retry-After so a player can come back shortly.
func (h *streamHandler) resolveTotal(ctx context.Context, w http.ResponseWriter, entry *ledger.Entry) (int64, bool) {
	if entry.ExpectedTotalSize != nil {
		return *entry.ExpectedTotalSize, true
	}

	first := ledger.ByteRange{Start: 0, End: 0}
	if err := h.manager.EnsureRange(ctx, entry.EntryKey, first, download.Critical); err != nil {
		h.metrics.ObserveRequest("error")
		JSON(w, http.StatusInternalServerError, ErrorResponse("could not schedule download"))
		return 0, false
	}

	err := h.manager.Subscribe(entry.EntryKey, first).Wait(ctx, h.cfg.InitialWaitTimeout)
	switch {
	case err == nil:
	case errors.Is(err, download.ErrEntryFailed):
		h.metrics.ObserveRequest("failed")
		JSON(w, http.StatusBadGateway, ErrorResponse("origin download failed"))
		return 0, false
	case errors.Is(err, download.ErrWaitTimeout):
		h.metrics.ObserveRequest("timeout")
		w.Header().Set("Retry-After", "3")
		JSON(w, http.StatusServiceUnavailable, ErrorResponse("origin did not answer in time"))
		return 0, false
	default:
		return 0, false
	}

	refreshed, err := h.ledger.GetEntry(ctx, entry.EntryKey)
	if err != nil || refreshed.ExpectedTotalSize == nil {
		h.metrics.ObserveRequest("error")
		JSON(w, http.StatusInternalServerError, ErrorResponse("entry size unavailable"))
		return 0, false
	}
	return *refreshed.ExpectedTotalSize, true
}

// scheduleDownloads queues the requested range and its surroundings. The
// first lookahead window is what the player needs right now, the next
// windows ride at High, and the whole entry trickles in at Low so an
// undisturbed playback eventually caches the full file. It returns the
// windows it raised above Low so the caller can demote exactly those
// when the stream ends.
func (h *streamHandler) scheduleDownloads(ctx context.Context, entryKey string, rng ledger.ByteRange, total int64) []ledger.ByteRange {
	var elevated []ledger.ByteRange

	urgentEnd := rng.Start + h.cfg.LookaheadBytes - 1
	if urgentEnd > rng.End {
		urgentEnd = rng.End
	}
	urgent := ledger.ByteRange{Start: rng.Start, End: urgentEnd}
	if err := h.manager.EnsureRange(ctx, entryKey, urgent, download.Critical); err != nil {
		logger.Warn("could not queue urgent range", "entry_key", entryKey, "error", err)
	} else {
		elevated = append(elevated, urgent)
	}

	aheadEnd := rng.Start + h.cfg.LookaheadBytes*int64(h.cfg.LookaheadChunkCount) - 1
	if aheadEnd > rng.End {
		aheadEnd = rng.End
	}
	if urgentEnd < aheadEnd {
		ahead := ledger.ByteRange{Start: urgentEnd + 1, End: aheadEnd}
		if err := h.manager.EnsureRange(ctx, entryKey, ahead, download.High); err != nil {
			logger.Warn("could not queue lookahead", "entry_key", entryKey, "error", err)
		} else {
			elevated = append(elevated, ahead)
		}
	}

	full := ledger.ByteRange{Start: 0, End: total - 1}
	if err := h.manager.EnsureRange(ctx, entryKey, full, download.Low); err != nil {
		logger.Warn("could not queue precache", "entry_key", entryKey, "error", err)
	}
	return elevated
}

// stream copies [rng.Start, rng.End] to the client, serving confirmed
// bytes from the store and blocking on the downloader at each gap. Headers
// go out with the first available byte, so a slow origin can still turn
// into a 503 instead of a broken 200.
func (h *streamHandler) stream(ctx context.Context, w http.ResponseWriter, entryKey string, rng ledger.ByteRange, total int64, status int, elevated *[]ledger.ByteRange) {
	flusher, _ := w.(http.Flusher)
	headerWritten := false
	buf := make([]byte, serveBufferSize)
	offset := rng.Start

	for offset <= rng.End {
		remaining := ledger.ByteRange{Start: offset, End: rng.End}
		missing, err := h.ledger.MissingRanges(ctx, entryKey, remaining)
		if err != nil {
			h.abort(w, headerWritten, http.StatusInternalServerError, "ledger read failed")
			return
		}

		if len(missing) > 0 && missing[0].Start == offset {
			if !h.waitForByte(ctx, w, entryKey, offset, headerWritten, elevated) {
				return
			}
			continue
		}

		serveEnd := rng.End
		if len(missing) > 0 {
			serveEnd = missing[0].Start - 1
		}

		if !headerWritten {
			h.writeStreamHeaders(w, status, rng, total)
			headerWritten = true
		}

		for offset <= serveEnd {
			n := int64(len(buf))
			if left := serveEnd - offset + 1; left < n {
				n = left
			}
			if _, err := h.store.ReadAt(ctx, entryKey, buf[:n], offset); err != nil {
				logger.Error("store read failed during stream",
					"entry_key", entryKey, "offset", offset, "error", err)
				h.metrics.ObserveRequest("error")
				return
			}
			if _, err := w.Write(buf[:n]); err != nil {
				// Client went away.
				h.metrics.ObserveRequest("disconnected")
				return
			}
			h.metrics.ObserveDelivered(n)
			if flusher != nil {
				flusher.Flush()
			}
			offset += n
		}
	}
	h.metrics.ObserveRequest("served")
}

// waitForByte blocks until the byte at offset is on disk. It reissues the
// urgent window first, covering seeks into ranges that were demoted after
// a previous reader left. Returns false when the stream should end.
func (h *streamHandler) waitForByte(ctx context.Context, w http.ResponseWriter, entryKey string, offset int64, headerWritten bool, elevated *[]ledger.ByteRange) bool {
	urgent := ledger.ByteRange{Start: offset, End: offset + h.cfg.LookaheadBytes - 1}
	if err := h.manager.EnsureRange(ctx, entryKey, urgent, download.Critical); err != nil {
		h.abort(w, headerWritten, http.StatusInternalServerError, "could not schedule download")
		return false
	}
	*elevated = append(*elevated, urgent)

	timeout := h.cfg.SteadyStateWaitTimeout
	if !headerWritten {
		timeout = h.cfg.InitialWaitTimeout
	}

	err := h.manager.Subscribe(entryKey, ledger.ByteRange{Start: offset, End: offset}).Wait(ctx, timeout)
	switch {
	case err == nil:
		return true
	case errors.Is(err, download.ErrEntryFailed):
		h.metrics.ObserveRequest("failed")
		if !headerWritten {
			JSON(w, http.StatusBadGateway, ErrorResponse("origin download failed"))
		}
		return false
	case errors.Is(err, download.ErrWaitTimeout):
		h.metrics.ObserveRequest("timeout")
		if !headerWritten {
			w.Header().Set("Retry-After", "3")
			JSON(w, http.StatusServiceUnavailable, ErrorResponse("bytes not available in time"))
		}
		logger.Warn("stream stalled waiting for bytes",
			"entry_key", entryKey, "offset", offset, "timeout", timeout)
		return false
	default:
		// Client cancelled.
		h.metrics.ObserveRequest("disconnected")
		return false
	}
}

func (h *streamHandler) writeStreamHeaders(w http.ResponseWriter, status int, rng ledger.ByteRange, total int64) {
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", rng.Len()))
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, total))
	}
	w.WriteHeader(status)
}

func (h *streamHandler) writeUnsatisfiable(w http.ResponseWriter, total int64) {
	h.metrics.ObserveRequest("unsatisfiable")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
	JSON(w, http.StatusRequestedRangeNotSatisfiable, ErrorResponse("requested range not satisfiable"))
}

func (h *streamHandler) abort(w http.ResponseWriter, headerWritten bool, status int, msg string) {
	h.metrics.ObserveRequest("error")
	if !headerWritten {
		JSON(w, status, ErrorResponse(msg))
	}
}
