package workqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAppliesOnDrain(t *testing.T) {
	p := NewPool(Config{Workers: 2, QueueSize: 8, Timeout: time.Second})
	p.Start(context.Background())
	defer p.Stop()

	var worked int32
	applied := 0
	for i := 0; i < 4; i++ {
		err := p.Submit(Job{Name: "count", Do: func(ctx context.Context) Apply {
			atomic.AddInt32(&worked, 1)
			return func() { applied++ }
		}})
		require.NoError(t, err)
	}

	// applied 只在 Drain 中改变，测试 goroutine 即“循环 goroutine”
	require.Eventually(t, func() bool {
		p.Drain()
		return applied == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), atomic.LoadInt32(&worked))
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1, Timeout: time.Second})
	p.Start(context.Background())
	defer p.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "block", Do: func(ctx context.Context) Apply {
		close(started)
		<-block
		return nil
	}}))
	<-started

	require.NoError(t, p.Submit(Job{Name: "queued", Do: func(ctx context.Context) Apply { return nil }}))
	err := p.Submit(Job{Name: "overflow", Do: func(ctx context.Context) Apply { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
}

func TestPoolDeduplicatesKeys(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 4, Timeout: time.Second})
	p.Start(context.Background())
	defer p.Stop()

	job := Job{Name: "sync", Key: "device-1", Do: func(ctx context.Context) Apply { return func() {} }}
	require.NoError(t, p.Submit(job))
	assert.ErrorIs(t, p.Submit(job), ErrInFlight)

	require.Eventually(t, func() bool { return p.Drain() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.InFlight())
	assert.NoError(t, p.Submit(job))
}

func TestPoolJobTimeout(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1, Timeout: 20 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	var ctxErr error
	require.NoError(t, p.Submit(Job{Name: "slow", Do: func(ctx context.Context) Apply {
		<-ctx.Done()
		err := ctx.Err()
		return func() { ctxErr = err }
	}}))

	require.Eventually(t, func() bool { return p.Drain() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, ctxErr, context.DeadlineExceeded)
}

func TestPoolStopped(t *testing.T) {
	p := NewPool(Config{})
	p.Start(context.Background())
	p.Stop()

	err := p.Submit(Job{Name: "late", Do: func(ctx context.Context) Apply { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPanicIsContained(t *testing.T) {
	q := NewInline()
	require.NoError(t, q.Submit(Job{Name: "boom", Do: func(ctx context.Context) Apply { panic("boom") }}))
	require.NoError(t, q.Submit(Job{Name: "apply-boom", Do: func(ctx context.Context) Apply {
		return func() { panic("apply") }
	}}))
	assert.Equal(t, 2, q.Drain())
}

func TestInlineOrder(t *testing.T) {
	q := NewInline()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, q.Submit(Job{Name: "ordered", Key: "k", Do: func(ctx context.Context) Apply {
			return func() { order = append(order, i) }
		}}))
		assert.Equal(t, 1, q.Drain())
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}
