// Package async provides a single-assignment result that completes
// exactly once with a value or an error.
package async

import (
	"context"
	"sync"
)

// Task is the eventual result of an asynchronous operation.
// The first Complete or Fail wins; later calls are ignored.
type Task[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns a pending task.
func New[T any]() *Task[T] {
	return &Task[T]{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and completes the task with its result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Task[T] {
	t := New[T]()
	go func() {
		v, err := fn(ctx)
		if err != nil {
			t.Fail(err)
			return
		}
		t.Complete(v)
	}()
	return t
}

// Completed returns a task already holding v.
func Completed[T any](v T) *Task[T] {
	t := New[T]()
	t.Complete(v)
	return t
}

// Failed returns a task already holding err.
func Failed[T any](err error) *Task[T] {
	t := New[T]()
	t.Fail(err)
	return t
}

// Complete resolves the task with v. Reports whether this call resolved it.
func (t *Task[T]) Complete(v T) bool {
	won := false
	t.once.Do(func() {
		t.value = v
		close(t.done)
		won = true
	})
	return won
}

// Fail resolves the task with err. Reports whether this call resolved it.
func (t *Task[T]) Fail(err error) bool {
	won := false
	t.once.Do(func() {
		t.err = err
		close(t.done)
		won = true
	})
	return won
}

// Done is closed once the task is resolved.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task resolves or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then chains fn after t. A failure of t propagates without calling fn.
func Then[T, U any](ctx context.Context, t *Task[T], fn func(context.Context, T) (U, error)) *Task[U] {
	next := New[U]()
	go func() {
		v, err := t.Wait(ctx)
		if err != nil {
			next.Fail(err)
			return
		}
		u, err := fn(ctx, v)
		if err != nil {
			next.Fail(err)
			return
		}
		next.Complete(u)
	}()
	return next
}
