package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

func TestPoolExecutesTasks(t *testing.T) {
	pool, err := NewPool(4, 16)
	require.NoError(t, err)

	var ran atomic.Int64
	for i := 0; i < 16; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, int64(16), ran.Load())
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	defer pool.Close()

	release := make(chan struct{})
	block := func(context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, pool.Submit(context.Background(), block))

	// Fill the queue behind the busy worker, then expect backpressure.
	require.Eventually(t, func() bool {
		err := pool.Submit(context.Background(), block)
		if err == nil {
			return false
		}
		return errs.IsKind(err, errs.KindBackpressure)
	}, time.Second, 5*time.Millisecond)
	close(release)
}

func TestPoolSubmitAfterClose(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindInvalidState))
}

func TestPoolValidatesArguments(t *testing.T) {
	_, err := NewPool(0, 1)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindInvalidArgument))

	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()
	err = pool.Submit(context.Background(), nil)
	require.True(t, errs.IsKind(err, errs.KindInvalidArgument))
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	pool, err := NewPool(1, 4)
	require.NoError(t, err)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.True(t, ran.Load())
}
