package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopCoalesces(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	busy := NewCounter()
	l := NewLoop("test", func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}, LoopOptions{Busy: busy})
	defer l.Close()

	require.NoError(t, l.Trigger())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Trigger())
	}
	assert.Equal(t, 1, busy.Value().Get())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, busy.WaitZero(ctx))
	assert.Equal(t, int32(2), runs.Load())
}

func TestLoopClose(t *testing.T) {
	l := NewLoop("test", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, LoopOptions{})
	require.NoError(t, l.Trigger())
	l.Close()
	assert.ErrorIs(t, l.Trigger(), ErrClosed)
	assert.ErrorIs(t, l.LastErr(), context.Canceled)
}

func TestCompletion(t *testing.T) {
	ctx := context.Background()
	c := NewCompletion()
	c.Resolve(assert.AnError)
	c.Resolve(nil)
	assert.ErrorIs(t, c.Wait(ctx), assert.AnError)

	all := All(Completed(nil), Go(func() error { return assert.AnError }))
	assert.ErrorIs(t, all.Wait(ctx), assert.AnError)

	pending := NewCompletion()
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pending.Wait(short), context.DeadlineExceeded)
}
