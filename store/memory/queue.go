// Package memory provides a single-process TaskQueue and StateStore
// implementation backed by a channel and mutex-guarded maps.
package memory

import (
	"context"
	"time"

	"github.com/relayflow/relayflow/store"
)

// Queue is a Queue implementation backed by a buffered channel. It is
// safe for concurrent use.
type Queue struct {
	ch chan store.Task
}

// NewQueue creates a new Queue with the given capacity. A non-positive
// capacity defaults to a modest 1024, enough for tests and small
// deployments.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan store.Task, capacity)}
}

var _ store.TaskQueue = (*Queue)(nil)

func (q *Queue) Push(ctx context.Context, t store.Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (store.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t := <-q.ch:
		return t, nil
	case <-timer.C:
		return store.Task{}, store.ErrEmpty
	case <-ctx.Done():
		return store.Task{}, ctx.Err()
	}
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return len(q.ch), nil
}
