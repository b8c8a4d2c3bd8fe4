package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsAndReportsResult(t *testing.T) {
	p := NewPool(2)
	boom := errors.New("boom")

	ok := p.Submit(context.Background(), "ok", func(context.Context) error { return nil })
	bad := p.Submit(context.Background(), "bad", func(context.Context) error { return boom })

	require.NoError(t, ok.Wait(context.Background()))
	assert.ErrorIs(t, bad.Wait(context.Background()), boom)
	assert.NotEqual(t, ok.ID(), bad.ID())
	assert.True(t, ok.Started())
}

func TestTaskOutlivesSubmitter(t *testing.T) {
	p := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	task := p.Submit(ctx, "detached", func(ctx context.Context) error {
		<-release
		return ctx.Err()
	})
	cancel()
	close(release)
	assert.NoError(t, task.Wait(context.Background()))
}

func TestLimitBoundsConcurrency(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	var running, peak atomic.Int32

	fn := func(context.Context) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}
	a := p.Submit(context.Background(), "a", fn)
	b := p.Submit(context.Background(), "b", fn)

	require.Eventually(t, func() bool { return a.Started() || b.Started() }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), running.Load())

	close(release)
	require.NoError(t, a.Wait(context.Background()))
	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, int32(1), peak.Load())
}

func TestCancelBeforeStartNeverRuns(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	blocker := p.Submit(context.Background(), "blocker", func(context.Context) error {
		<-release
		return nil
	})
	require.Eventually(t, blocker.Started, time.Second, time.Millisecond)

	var ran atomic.Bool
	queued := p.Submit(context.Background(), "queued", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	queued.Cancel()
	assert.ErrorIs(t, queued.Wait(context.Background()), ErrCancelledBeforeStart)

	close(release)
	require.NoError(t, blocker.Wait(context.Background()))
	assert.False(t, ran.Load())
	assert.False(t, queued.Started())
}

func TestCancelRunningTask(t *testing.T) {
	p := NewPool(1)
	task := p.Submit(context.Background(), "loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Eventually(t, task.Started, time.Second, time.Millisecond)
	task.Cancel()
	assert.ErrorIs(t, task.Wait(context.Background()), context.Canceled)
}

func TestPanicBecomesError(t *testing.T) {
	p := NewPool(1)
	task := p.Submit(context.Background(), "panic", func(context.Context) error { panic("oops") })
	err := task.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestWaitHonoursContext(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	defer close(release)
	task := p.Submit(context.Background(), "slow", func(context.Context) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)
}

func TestShutdown(t *testing.T) {
	p := NewPool(2)
	task := p.Submit(context.Background(), "quick", func(context.Context) error { return nil })
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, task.Wait(context.Background()))
	assert.Zero(t, p.Active())

	late := p.Submit(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(context.Background()), ErrPoolClosed)
}
