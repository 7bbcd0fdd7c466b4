package proxy

import (
	"errors"
	"strconv"
	"strings"

	"github.com/seekcache/seekcache/pkg/ledger"
)

var errUnsatisfiableRange = errors.New("unsatisfiable range")

// parseRange parses a Range request header against a known entry size and
// returns the requested byte range with inclusive bounds.
//
// Supported forms, all in the bytes unit:
//   - "bytes=a-b"  explicit range, clamped to the last byte
//   - "bytes=a-"   from a to the end
//   - "bytes=-n"   the final n bytes
//
// Media players send a single range; when a client sends several, only the
// first is served. An empty header means the whole entry. A syntactically
// valid range that lies past the end returns errUnsatisfiableRange, which
// maps to 416.
func parseRange(header string, size int64) (ledger.ByteRange, error) {
	if header == "" {
		return ledger.ByteRange{Start: 0, End: size - 1}, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return ledger.ByteRange{}, errUnsatisfiableRange
	}
	if idx := strings.IndexByte(spec, ','); idx >= 0 {
		spec = spec[:idx]
	}
	spec = strings.TrimSpace(spec)

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return ledger.ByteRange{}, errUnsatisfiableRange
	}

	if startStr == "" {
		// Suffix form: the final n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ledger.ByteRange{}, errUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return ledger.ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ledger.ByteRange{}, errUnsatisfiableRange
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return ledger.ByteRange{}, errUnsatisfiableRange
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return ledger.ByteRange{Start: start, End: end}, nil
}
