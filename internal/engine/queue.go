package engine

import "container/heap"

// queueItem is one pending dispatch for a target. Manual entries carry an
// optional push payload and always sort ahead of scheduled entries with the
// same due time.
type queueItem struct {
	targetID int64
	dueAt    int64 // Unix nanoseconds; 0 = now
	manual   bool
	payload  []byte
}

// dueHeap is a min-heap of queue items ordered by due time. It is not
// goroutine-safe; the scheduler guards it with its own mutex.
type dueHeap []*queueItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].dueAt != h[j].dueAt {
		return h[i].dueAt < h[j].dueAt
	}

	// Manual triggers win ties so a just-enqueued trigger is next-to-run.
	return h[i].manual && !h[j].manual
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}

// push adds an item maintaining heap order.
func (h *dueHeap) push(item *queueItem) {
	heap.Push(h, item)
}

// pop removes and returns the earliest item, or nil when empty.
func (h *dueHeap) pop() *queueItem {
	if h.Len() == 0 {
		return nil
	}

	return heap.Pop(h).(*queueItem)
}

// peek returns the earliest item without removing it, or nil when empty.
func (h dueHeap) peek() *queueItem {
	if len(h) == 0 {
		return nil
	}

	return h[0]
}
