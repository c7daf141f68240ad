package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutualExclusion(t *testing.T) {
	k := NewKeyed()
	ctx := context.Background()

	const workers = 16
	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(ctx, "vm1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "at most one holder per key at a time")
	assert.Equal(t, 0, k.Len(), "all tokens reclaimed")
}

func TestKeyedDifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	ctx := context.Background()

	releaseA, err := k.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	// A second key must be acquirable while "a" is held.
	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := k.Acquire(acquireCtx, "b")
	require.NoError(t, err)
	releaseB()

	assert.Equal(t, 1, k.Len())
}

func TestKeyedAcquireRespectsContext(t *testing.T) {
	k := NewKeyed()
	ctx := context.Background()

	release, err := k.Acquire(ctx, "vm1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(waitCtx, "vm1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, k.Len(), "token reclaimed after failed waiter and release")
}

func TestKeyedReleaseIdempotent(t *testing.T) {
	k := NewKeyed()
	release, err := k.Acquire(context.Background(), "vm1")
	require.NoError(t, err)

	release()
	release() // second call must be a no-op

	// Token must be acquirable again.
	release2, err := k.Acquire(context.Background(), "vm1")
	require.NoError(t, err)
	release2()
	assert.Equal(t, 0, k.Len())
}
