package pool

import (
	"context"
	"fmt"
	"sync"
)

// TaskQueue is an unbounded multi-producer, multi-consumer FIFO with an
// unfinished-work counter. Every Put raises the counter and every Done lowers
// it; WaitDrain releases once it reaches zero.
type TaskQueue[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []T
	unfinished int
	drained    chan struct{}
}

// NewTaskQueue returns an empty, drained queue.
func NewTaskQueue[T any]() *TaskQueue[T] {
	q := &TaskQueue[T]{drained: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	close(q.drained)
	return q
}

// Put appends item. It never blocks.
func (q *TaskQueue[T]) Put(item T) {
	q.PutMany([]T{item})
}

// PutMany appends items in order as one batch.
func (q *TaskQueue[T]) PutMany(items []T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	if q.unfinished == 0 {
		q.drained = make(chan struct{})
	}
	q.items = append(q.items, items...)
	q.unfinished += len(items)
	q.mu.Unlock()
	if len(items) == 1 {
		q.cond.Signal()
		return
	}
	q.cond.Broadcast()
}

// Take blocks until an item is available and removes the head. It returns
// an error only when ctx ends first.
func (q *TaskQueue[T]) Take(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, fmt.Errorf("take canceled: %w", err)
		}
		q.cond.Wait()
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, nil
}

// Done marks one taken item as fully processed. Calling it more times than
// items were put panics, like sync.WaitGroup.
func (q *TaskQueue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		panic("pool: TaskQueue.Done called too many times")
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.drained)
	}
}

// Discard removes every waiting item and counts it as done. Items already
// taken stay unfinished until their Done.
func (q *TaskQueue[T]) Discard() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	if len(items) == 0 {
		return nil
	}
	q.unfinished -= len(items)
	if q.unfinished == 0 {
		close(q.drained)
	}
	return items
}

// WaitDrain blocks until the unfinished counter is zero or ctx ends.
func (q *TaskQueue[T]) WaitDrain(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait drain: %w", ctx.Err())
	}
}

// Len reports items waiting to be taken.
func (q *TaskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether no item is waiting.
func (q *TaskQueue[T]) Empty() bool {
	return q.Len() == 0
}

// Unfinished reports items queued or in flight.
func (q *TaskQueue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
