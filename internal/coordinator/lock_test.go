package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

func TestExecLockMutualExclusion(t *testing.T) {
	l := NewExecLock(nil, "", 0)
	ctx := context.Background()

	release, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, l.Held())

	_, err = l.TryAcquire(ctx)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.False(t, l.Held())

	again, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	defer again()

	// A stale release must not free someone else's hold.
	release()
	assert.True(t, l.Held())
}

func TestExecLockAcquireWaitsForRelease(t *testing.T) {
	l := NewExecLock(nil, "", 0)
	release, err := l.TryAcquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background())
		if assert.NoError(t, err) {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}

func TestExecLockConcurrentHolders(t *testing.T) {
	l := NewExecLock(nil, "", 0)
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.False(t, l.Held())
}

type fakeDistLock struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
}

func (f *fakeDistLock) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.held = true
	f.acquired++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.held = false
		f.released++
	}, nil
}

func TestExecLockDistributed(t *testing.T) {
	dist := &fakeDistLock{}
	l := NewExecLock(dist, "arbitrageur:execution", time.Minute)
	ctx := context.Background()

	release, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 1, dist.acquired)
	assert.Equal(t, 1, dist.released)

	// Another process holds the key.
	dist.held = true
	_, err = l.TryAcquire(ctx)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.False(t, l.Held(), "the local slot is given back when the distributed key is taken")

	waitCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, l.Held())
}
