package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGoroutinePool_GoRunsTask(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig(), zap.NewNop())

	var ran atomic.Int32
	done := make(chan struct{})
	p.Go("close-session", func(ctx context.Context) error {
		ran.Add(1)
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	p.Close()

	assert.Equal(t, int32(1), ran.Load())
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestGoroutinePool_SubmitWaitReturnsError(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig(), zap.NewNop())
	defer p.Close()

	boom := errors.New("boom")
	err := p.SubmitWait(context.Background(), "failing", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestGoroutinePool_TaskTimeoutAppliesToContext(t *testing.T) {
	cfg := DefaultGoroutinePoolConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	p := NewGoroutinePool(cfg, zap.NewNop())
	defer p.Close()

	err := p.SubmitWait(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGoroutinePool_RecoversPanics(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig(), zap.NewNop())
	defer p.Close()

	err := p.SubmitWait(context.Background(), "panicky", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicky")
}

func TestGoroutinePool_RejectsAfterClose(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig(), zap.NewNop())
	p.Close()
	p.Close()

	err := p.SubmitWait(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Go 只记录日志，不 panic
	p.Go("late", func(ctx context.Context) error { return nil })
}

func TestGoroutinePool_CloseDrainsQueuedTasks(t *testing.T) {
	cfg := DefaultGoroutinePoolConfig()
	cfg.MaxWorkers = 1
	cfg.QueueSize = 16
	p := NewGoroutinePool(cfg, zap.NewNop())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		p.Go("notify", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	p.Close()
	assert.Equal(t, int32(10), ran.Load())
}
