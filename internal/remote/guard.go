package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fruitsalade/provsync/internal/metrics"
)

// Guard wraps a store with the provider's availability flag and call
// deadline. While offline every call fails with ErrUnavailable without
// touching the backend. The timeout is an idle limit: a call fails with
// ErrTimeout once the backend makes no progress for that long, so a
// stream that keeps moving may run past it.
type Guard struct {
	inner   Store
	online  bool
	timeout time.Duration
}

// NewGuard wraps inner. A zero timeout disables the deadline.
func NewGuard(inner Store, online bool, timeout time.Duration) *Guard {
	return &Guard{inner: inner, online: online, timeout: timeout}
}

// Inner returns the wrapped store.
func (g *Guard) Inner() Store { return g.inner }

// errIdle is the cancel cause of a watchdog that fired.
var errIdle = fmt.Errorf("no progress: %w", context.DeadlineExceeded)

// watchdog cancels its context once touch has not been called for the
// guard's timeout.
type watchdog struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	idle   time.Duration
}

func (g *Guard) watch(ctx context.Context) *watchdog {
	ctx, cancel := context.WithCancelCause(ctx)
	w := &watchdog{ctx: ctx, cancel: cancel, idle: g.timeout}
	if g.timeout > 0 {
		w.timer = time.AfterFunc(g.timeout, func() { cancel(errIdle) })
	}
	return w
}

func (w *watchdog) touch() {
	if w.timer != nil && w.ctx.Err() == nil {
		w.timer.Reset(w.idle)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel(context.Canceled)
}

// err returns why the watchdog context ended, nil while it is live.
func (w *watchdog) err() error {
	if w.ctx.Err() == nil {
		return nil
	}
	return context.Cause(w.ctx)
}

// guarded runs fn under the guard. Read-only calls release the caller
// as soon as the deadline fires; mutating calls wait for the backend to
// return, so that no write lands after the caller has moved on, and
// report what the backend reported.
func guarded[T any](g *Guard, ctx context.Context, op, p string, mutates bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !g.online {
		return zero, fmt.Errorf("%s %s: %w: provider offline", op, p, ErrUnavailable)
	}

	w := g.watch(ctx)
	defer w.stop()
	return invoke(g, w, op, p, mutates, fn)
}

// invoke performs the call under w.
func invoke[T any](g *Guard, w *watchdog, op, p string, drain bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := w.err(); err != nil {
		return zero, Classify(op, p, err)
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		v, err := fn(w.ctx)
		done <- result{v, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-w.ctx.Done():
		if drain {
			res = <-done
		} else {
			res = result{err: w.err()}
		}
	}
	// A backend that gave up on the cancelled context reports
	// context.Canceled; the cause says whether the deadline fired.
	if res.err != nil {
		if cause := w.err(); cause != nil {
			res.err = cause
		}
	}
	res.err = Classify(op, p, res.err)
	metrics.RecordRemoteOperation(g.inner.Kind(), op, time.Since(start), res.err == nil)
	if res.err != nil {
		return zero, res.err
	}
	return res.v, nil
}

func (g *Guard) List(ctx context.Context, dir string) ([]Entry, error) {
	return guarded(g, ctx, "list", dir, false, func(ctx context.Context) ([]Entry, error) {
		return g.inner.List(ctx, dir)
	})
}

func (g *Guard) Stat(ctx context.Context, p string) (Entry, error) {
	return guarded(g, ctx, "stat", p, false, func(ctx context.Context) (Entry, error) {
		return g.inner.Stat(ctx, p)
	})
}

// Read opens p under the deadline. The idle limit keeps running while
// the body is consumed, restarting on every chunk, and is released when
// the reader is closed.
func (g *Guard) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if !g.online {
		return nil, fmt.Errorf("read %s: %w: provider offline", p, ErrUnavailable)
	}
	w := g.watch(ctx)
	rc, err := invoke(g, w, "read", p, false, func(ctx context.Context) (io.ReadCloser, error) {
		return g.inner.Read(ctx, p)
	})
	if err != nil {
		w.stop()
		return nil, err
	}
	w.touch()
	return &deadlineReader{w: w, rc: rc, path: p}, nil
}

// Write streams body to p. Every chunk pulled from body restarts the
// idle limit.
func (g *Guard) Write(ctx context.Context, p string, body io.Reader) error {
	if !g.online {
		return fmt.Errorf("write %s: %w: provider offline", p, ErrUnavailable)
	}
	w := g.watch(ctx)
	defer w.stop()
	_, err := invoke(g, w, "write", p, true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Write(ctx, p, &progressReader{ctx: ctx, r: body, touch: w.touch})
	})
	return err
}

func (g *Guard) Mkdir(ctx context.Context, p string) error {
	_, err := guarded(g, ctx, "mkdir", p, true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Mkdir(ctx, p)
	})
	return err
}

func (g *Guard) Delete(ctx context.Context, p string) error {
	_, err := guarded(g, ctx, "delete", p, true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Delete(ctx, p)
	})
	return err
}

func (g *Guard) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := guarded(g, ctx, "rename", oldPath, true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Rename(ctx, oldPath, newPath)
	})
	return err
}

func (g *Guard) Exists(ctx context.Context, p string) (bool, error) {
	return guarded(g, ctx, "exists", p, false, func(ctx context.Context) (bool, error) {
		return g.inner.Exists(ctx, p)
	})
}

func (g *Guard) Kind() string { return g.inner.Kind() }

func (g *Guard) Close() error { return g.inner.Close() }

// progressReader stops a stream once its context is done and reports
// every chunk read.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	touch func()
}

func (c *progressReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, context.Cause(c.ctx)
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

type deadlineReader struct {
	w    *watchdog
	rc   io.ReadCloser
	path string
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.w.err(); err != nil {
		return 0, Classify("read", d.path, err)
	}
	n, err := d.rc.Read(p)
	if n > 0 {
		d.w.touch()
	}
	if err != nil && err != io.EOF {
		if cause := d.w.err(); cause != nil {
			err = cause
		}
		err = Classify("read", d.path, err)
	}
	return n, err
}

func (d *deadlineReader) Close() error {
	defer d.w.stop()
	return d.rc.Close()
}
