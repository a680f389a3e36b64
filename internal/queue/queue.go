// Package queue provides the binary heaps used by graph search.
package queue

import "sort"

// Item is a graph node with its distance to the current query.
type Item struct {
	Node     uint32
	Distance float32
}

// Queue is a value-based binary heap of Items ordered by Distance.
// A min-queue pops the closest item first, a max-queue the farthest.
type Queue struct {
	max   bool
	items []Item
}

// NewMin returns a queue that pops the smallest distance first.
func NewMin(capacity int) *Queue {
	return &Queue{items: make([]Item, 0, capacity)}
}

// NewMax returns a queue that pops the largest distance first.
func NewMax(capacity int) *Queue {
	return &Queue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Top returns the head of the queue without removing it.
func (q *Queue) Top() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Push inserts an item.
func (q *Queue) Push(item Item) {
	q.items = append(q.items, item)
	q.up(len(q.items) - 1)
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (Item, bool) {
	n := len(q.items)
	if n == 0 {
		return Item{}, false
	}
	head := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.down(0)
	}
	return head, true
}

// PushBounded inserts item into a max-queue holding at most limit items,
// evicting the farthest. It reports whether the item was kept.
func (q *Queue) PushBounded(item Item, limit int) bool {
	if len(q.items) < limit {
		q.Push(item)
		return true
	}
	if top, ok := q.Top(); ok && item.Distance < top.Distance {
		q.items[0] = item
		q.down(0)
		return true
	}
	return false
}

// Sorted drains the queue and returns its items by ascending distance.
// Ties are ordered by node id so results are deterministic.
func (q *Queue) Sorted() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Node < out[j].Node
	})
	return out
}

// Reset clears the queue for reuse.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

func (q *Queue) less(i, j int) bool {
	if q.max {
		return q.items[i].Distance > q.items[j].Distance
	}
	return q.items[i].Distance < q.items[j].Distance
}

func (q *Queue) up(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue) down(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
