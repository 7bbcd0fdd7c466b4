package download

import (
	"fmt"

	"github.com/seekcache/seekcache/pkg/ledger"
)

// request is one pending range download. Requests live in the global heap
// until a worker picks them up; EnsureRange may raise and Demote may lower
// their priority in place while queued.
type request struct {
	entryKey string
	rng      ledger.ByteRange
	priority Priority
	seq      uint64 // FIFO tiebreak within equal (priority, start)
	index    int    // heap index, -1 once popped or removed
}

func (r *request) key() string {
	return fmt.Sprintf("%s:%d-%d", r.entryKey, r.rng.Start, r.rng.End)
}

// requestHeap orders pending requests by (priority desc, range start asc,
// seq asc). A single heap across all entries means the highest priority
// request in the system runs next regardless of which entry it belongs to.
// A heap rather than per-priority channels because EnsureRange and Demote
// mutate the priority of already queued requests.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if h[i].rng.Start != h[j].rng.Start {
		return h[i].rng.Start < h[j].rng.Start
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	req := x.(*request)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}
