package proxy

import (
	"net/http"

	"github.com/seekcache/seekcache/pkg/ledger"
)

// StatsData is the payload of the /stats endpoint.
type StatsData struct {
	Entries          int     `json:"entries"`
	CompleteEntries  int     `json:"complete_entries"`
	BytesOnDisk      int64   `json:"bytes_on_disk"`
	ActiveStreams    int     `json:"active_streams"`
	QueuedDownloads  int     `json:"queued_downloads"`
	DownloadRateBps  float64 `json:"download_rate_bps"`
	DeliveryRateBps  float64 `json:"delivery_rate_bps"`
}

// handleLiveness answers as long as the process is up.
func (h *streamHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, HealthyResponse(nil))
}

// handleReadiness verifies the backing storage is writable.
func (h *streamHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, UnhealthyResponse(err.Error()))
		return
	}
	JSON(w, http.StatusOK, HealthyResponse(nil))
}

func (h *streamHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.ledger.Entries(ctx)
	if err != nil {
		JSON(w, http.StatusInternalServerError, ErrorResponse(err.Error()))
		return
	}
	bytesOnDisk, err := h.ledger.TotalBytes(ctx)
	if err != nil {
		JSON(w, http.StatusInternalServerError, ErrorResponse(err.Error()))
		return
	}

	complete := 0
	for _, e := range entries {
		if e.State == ledger.StateComplete {
			complete++
		}
	}

	JSON(w, http.StatusOK, OKResponse(StatsData{
		Entries:         len(entries),
		CompleteEntries: complete,
		BytesOnDisk:     bytesOnDisk,
		ActiveStreams:   h.tracker.Count(),
		QueuedDownloads: h.manager.QueueDepth(),
		DownloadRateBps: h.metrics.DownloadRate(),
		DeliveryRateBps: h.metrics.DeliveryRate(),
	}))
}
