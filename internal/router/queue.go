package router

import (
	"container/heap"
	"time"

	"wayfarer/internal/message"
)

type queued struct {
	env        *message.Envelope
	seq        uint64
	enqueuedAt time.Time
}

// envelopeHeap orders by priority (highest first) then arrival sequence.
type envelopeHeap []*queued

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].env.Priority != h[j].env.Priority {
		return h[i].env.Priority > h[j].env.Priority
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h envelopeHeap) peek() *queued {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func (h envelopeHeap) oldest() time.Time {
	var oldest time.Time
	for _, item := range h {
		if oldest.IsZero() || item.enqueuedAt.Before(oldest) {
			oldest = item.enqueuedAt
		}
	}
	return oldest
}

func (h *envelopeHeap) popN(n int) []*queued {
	out := make([]*queued, 0, min(n, h.Len()))
	for len(out) < n && h.Len() > 0 {
		out = append(out, heap.Pop(h).(*queued))
	}
	return out
}
