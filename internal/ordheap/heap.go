// Package ordheap is a max-heap over caller-supplied items, ordered
// by a caller-supplied comparator: one reusable
// container/heap.Interface implementation instead of a heap type per
// element type.
package ordheap

import "container/heap"

// Less reports whether a sorts before b under the heap's ordering.
// ordheap is a max-heap: the item for which Less never returns true
// against any other item sits at the top.
type Less func(a, b interface{}) bool

// Heap is a binary heap over arbitrary items, ordered by a Less
// function supplied at construction.
type Heap struct {
	items []interface{}
	less  Less
}

// New returns an empty heap ordered by less.
func New(less Less) *Heap {
	return &Heap{less: less}
}

// Len returns the number of items in the heap.
func (h *Heap) Len() int { return len(h.items) }

// Push adds x to the heap.
func (h *Heap) Push(x interface{}) {
	heap.Push((*innerHeap)(h), x)
}

// Pop removes and returns the top item (the maximum, under Less).
func (h *Heap) Pop() interface{} {
	return heap.Pop((*innerHeap)(h))
}

// Peek returns the top item without removing it. Panics if empty.
func (h *Heap) Peek() interface{} {
	return h.items[0]
}

// Rebuild re-establishes the heap invariant after the caller has
// mutated items in place (e.g. refreshed remaining-space estimates).
func (h *Heap) Rebuild() {
	heap.Init((*innerHeap)(h))
}

// All returns the current items in heap (not sorted) order, for
// callers that need to iterate every tracked item, e.g. to refresh
// each one's ordering key before calling Rebuild.
func (h *Heap) All() []interface{} {
	return h.items
}

// innerHeap adapts Heap to container/heap.Interface; Less is inverted
// so that index 0 holds the maximum rather than the minimum.
type innerHeap Heap

func (h *innerHeap) Len() int { return len(h.items) }
func (h *innerHeap) Less(i, j int) bool {
	return h.less(h.items[j], h.items[i])
}
func (h *innerHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *innerHeap) Push(x interface{}) {
	h.items = append(h.items, x)
}
func (h *innerHeap) Pop() interface{} {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}
