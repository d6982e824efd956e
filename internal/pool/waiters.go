package pool

import "container/heap"

// waiter is a caller blocked in Acquire.
type waiter[T comparable] struct {
	priority int
	seq      uint64
	index    int // position in the heap, -1 once removed
	ch       chan grant[T]
}

// grant is what a waiter receives: a resource, or the error from creating one.
type grant[T comparable] struct {
	res T
	err error
}

// waitQueue orders waiters by priority (lower first), then arrival.
type waitQueue[T comparable] []*waiter[T]

var _ heap.Interface = (*waitQueue[int])(nil)

func (q waitQueue[T]) Len() int { return len(q) }

func (q waitQueue[T]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue[T]) Push(x any) {
	w := x.(*waiter[T])
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue[T]) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
