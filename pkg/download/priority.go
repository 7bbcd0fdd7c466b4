package download

// Priority is the scheduling class of a download request.
//
// Order matters: a higher value is always served before a lower one,
// across all entries.
type Priority int

const (
	// Low is opportunistic background fill of the remainder of a file.
	Low Priority = iota

	// Medium is pre-cache work, e.g. the predicted next item.
	Medium

	// High is the lookahead buffer ahead of the playback position.
	High

	// Critical is bytes needed for the current playback position.
	Critical
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}
