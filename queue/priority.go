// Package queue implements the priority queue shared by the worker pool and
// the task scheduler: strict priority ordering with FIFO tie-break on equal
// priority, maintained by binary-search insertion.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/saiset-co/sai-parse/types"
)

type Item[T any] struct {
	Value      T
	Priority   types.TaskPriority
	EnqueuedAt time.Time
}

type Priority[T any] struct {
	mu    sync.Mutex
	items []Item[T]
}

func NewPriority[T any]() *Priority[T] {
	return &Priority[T]{
		items: make([]Item[T], 0, 16),
	}
}

// Push inserts value keeping the queue sorted by descending priority, oldest
// first within a priority band. A retried task pushed with a fresh timestamp
// re-enters at the back of its band.
func (q *Priority[T]) Push(value T, priority types.TaskPriority, enqueuedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := Item[T]{Value: value, Priority: priority, EnqueuedAt: enqueuedAt}

	idx := sort.Search(len(q.items), func(i int) bool {
		if q.items[i].Priority != priority {
			return q.items[i].Priority < priority
		}
		return q.items[i].EnqueuedAt.After(enqueuedAt)
	})

	q.items = append(q.items, Item[T]{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

// Pop removes and returns the highest-priority item.
func (q *Priority[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = Item[T]{}
	q.items = q.items[:len(q.items)-1]

	return item.Value, true
}

// PopN removes and returns up to n highest-priority items.
func (q *Priority[T]) PopN(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}

	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = q.items[i].Value
	}

	copy(q.items, q.items[n:])
	for i := len(q.items) - n; i < len(q.items); i++ {
		q.items[i] = Item[T]{}
	}
	q.items = q.items[:len(q.items)-n]

	return out
}

func (q *Priority[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued item in priority order.
func (q *Priority[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	for i := range q.items {
		out[i] = q.items[i].Value
	}
	q.items = q.items[:0]

	return out
}
