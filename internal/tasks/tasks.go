// Package tasks runs work detached from the request that submitted it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/logging"
)

var (
	// ErrCancelledBeforeStart is the result of a task cancelled while
	// it was still waiting for a slot. Its function never ran.
	ErrCancelledBeforeStart = errors.New("task cancelled before start")

	// ErrPoolClosed is the result of tasks submitted after Shutdown.
	ErrPoolClosed = errors.New("task pool closed")
)

// Func is a unit of background work.
type Func func(ctx context.Context) error

// Spawner starts background work. The caller observes it through the
// returned task and never blocks on Submit.
type Spawner interface {
	Submit(ctx context.Context, name string, fn Func) *Task
}

// Task is a handle on submitted work.
type Task struct {
	id      string
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	err     error
	started time.Time
}

func newTask(name string, cancel context.CancelFunc) *Task {
	return &Task{id: uuid.NewString(), name: name, cancel: cancel, done: make(chan struct{})}
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Name returns the name given at submission.
func (t *Task) Name() string { return t.name }

// Done is closed when the task has finished or was cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel asks the task to stop. A task that has not started yet never
// runs; a running task sees its context cancelled.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx is done and returns the
// task's result.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the result of a finished task, nil while it runs.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Started reports whether the task's function was invoked.
func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.started.IsZero()
}

func (t *Task) markStarted() {
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}

// Pool is a Spawner running at most limit tasks at once.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*Task
	closed bool
}

// NewPool creates a pool. limit <= 0 means 4.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = 4
	}
	return &Pool{sem: make(chan struct{}, limit), active: make(map[string]*Task)}
}

// Submit queues fn. The task's context carries ctx's values but not
// its cancellation or deadline.
func (p *Pool) Submit(ctx context.Context, name string, fn Func) *Task {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := newTask(name, cancel)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.finish(ErrPoolClosed)
		return t
	}
	p.active[t.id] = t
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(taskCtx, t, fn)
	return t
}

func (p *Pool) run(ctx context.Context, t *Task, fn Func) {
	defer p.wg.Done()
	defer p.forget(t.id)

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		t.finish(ErrCancelledBeforeStart)
		return
	}
	defer func() { <-p.sem }()
	if ctx.Err() != nil {
		t.finish(ErrCancelledBeforeStart)
		return
	}

	t.markStarted()
	logging.Debug("task started", zap.String("task_id", t.id), zap.String("task", t.name))
	err := call(ctx, fn)
	if err != nil {
		logging.Warn("task failed", zap.String("task_id", t.id), zap.String("task", t.name), zap.Error(err))
	}
	t.finish(err)
}

func call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (p *Pool) forget(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Get returns a task that has not finished yet.
func (p *Pool) Get(id string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.active[id]
	return t, ok
}

// Active returns the number of queued and running tasks.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Shutdown refuses new tasks and waits for queued and running ones
// until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
