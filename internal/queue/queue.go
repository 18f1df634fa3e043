// Package queue serializes mutating actions per user. Actions for one
// user run strictly one at a time in submission order; actions for
// different users run fully concurrently. This is what makes the engine's
// read-then-write sequences atomic with respect to a user's other
// connections without a database-level lock.
package queue

import (
	"context"
	"sync"
)

// DefaultCapacity bounds how many actions one user may have enqueued
// before further submissions block, giving natural backpressure.
const DefaultCapacity = 64

type job struct {
	fn   func(ctx context.Context) error
	done chan error
}

type worker struct {
	jobs chan job
	// refs counts enqueued-but-unfinished jobs; the worker retires only
	// when it reaches zero, so a sender can never race a retiring worker.
	refs int
}

// Queue runs one consumer goroutine per active user and retires it when
// the user's queue drains.
type Queue struct {
	mu       sync.Mutex
	users    map[string]*worker
	capacity int
}

// New creates a queue whose per-user buffers hold capacity pending
// actions. A capacity below one falls back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		users:    make(map[string]*worker),
		capacity: capacity,
	}
}

// Do enqueues fn on the user's queue and waits for it to finish. When ctx
// is cancelled first, Do returns ctx.Err() but the enqueued action still
// runs to completion: in-flight actions are not cancellable, which is what
// preserves ordering for the user's later writes.
func (q *Queue) Do(ctx context.Context, user string, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	w := q.users[user]
	if w == nil {
		w = &worker{jobs: make(chan job, q.capacity)}
		q.users[user] = w
		go q.run(user, w)
	}
	w.refs++
	q.mu.Unlock()

	j := job{fn: fn, done: make(chan error, 1)}
	w.jobs <- j

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(user string, w *worker) {
	for j := range w.jobs {
		// Detached from the submitter's context: once enqueued, an
		// action is not cancellable.
		j.done <- j.fn(context.Background())

		q.mu.Lock()
		w.refs--
		if w.refs == 0 {
			delete(q.users, user)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// Active returns the number of users with a live worker, for tests and
// introspection.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.users)
}
