// Package periodic runs a function on a fixed interval in its own
// goroutine, with Start/Stop lifecycle and optional debounced triggers.
package periodic

import (
	"context"
	"sync"
	"time"
)

// Task runs fn every interval between Start and Stop. Runs never overlap.
type Task struct {
	interval  time.Duration
	fn        func(ctx context.Context)
	trigger   <-chan struct{}
	debounce  time.Duration
	immediate bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Task.
type Option func(*Task)

// WithTrigger also runs fn debounce after a signal on ch. Signals that
// arrive while a run is pending are folded into it.
func WithTrigger(ch <-chan struct{}, debounce time.Duration) Option {
	return func(t *Task) {
		t.trigger = ch
		t.debounce = debounce
	}
}

// WithImmediate runs fn once as soon as the task starts.
func WithImmediate() Option {
	return func(t *Task) { t.immediate = true }
}

// New returns a stopped Task. interval must be positive.
func New(interval time.Duration, fn func(ctx context.Context), opts ...Option) *Task {
	t := &Task{interval: interval, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the loop. Starting a running task is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go t.run(ctx)
}

// Stop ends the loop and waits for an in-progress run to finish.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	close(t.stopCh)
	t.mu.Unlock()

	<-t.doneCh

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// Running reports whether the loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Task) run(ctx context.Context) {
	defer close(t.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var debounceC <-chan time.Time
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	if t.immediate {
		t.fn(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fn(ctx)
		case <-t.trigger:
			if debounceC == nil {
				debounceTimer = time.NewTimer(t.debounce)
				debounceC = debounceTimer.C
			}
		case <-debounceC:
			debounceC = nil
			t.fn(ctx)
		}
	}
}
