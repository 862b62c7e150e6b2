package rotation

import (
	"container/heap"
	"time"
)

type item struct {
	name     string
	interval time.Duration
	dueAt    time.Time
	next     time.Time
	state    State

	failures    int
	lastErr     string
	lastAttempt time.Time

	index int
}

// queue orders items by next attempt; ties break on name so firing order is
// deterministic.
type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].name < q[j].name
	}
	return q[i].next.Before(q[j].next)
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *queue) push(it *item) {
	heap.Push(q, it)
}

func (q *queue) remove(it *item) {
	if it.index >= 0 {
		heap.Remove(q, it.index)
	}
}

func (q queue) peek() *item {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *queue) pop() *item {
	return heap.Pop(q).(*item)
}
