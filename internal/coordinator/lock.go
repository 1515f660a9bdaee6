package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

const distributedRetry = 50 * time.Millisecond

// ExecLock is the execution lock: at most one holder at a time. When a
// distributed LockManager is configured the lock is only granted once both
// the local slot and the distributed key are held, so the guarantee extends
// across processes.
type ExecLock struct {
	slot chan struct{}
	dist domain.LockManager
	key  string
	ttl  time.Duration
}

// NewExecLock creates a lock. dist may be nil.
func NewExecLock(dist domain.LockManager, key string, ttl time.Duration) *ExecLock {
	return &ExecLock{
		slot: make(chan struct{}, 1),
		dist: dist,
		key:  key,
		ttl:  ttl,
	}
}

// TryAcquire takes the lock without waiting. It returns domain.ErrLockHeld
// when another holder has it. The returned release func is idempotent.
func (l *ExecLock) TryAcquire(ctx context.Context) (func(), error) {
	select {
	case l.slot <- struct{}{}:
	default:
		return nil, domain.ErrLockHeld
	}
	return l.holdDistributed(ctx, false)
}

// Acquire waits for the lock until ctx is done.
func (l *ExecLock) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.holdDistributed(ctx, true)
}

// Held reports whether this process holds the lock.
func (l *ExecLock) Held() bool {
	return len(l.slot) > 0
}

func (l *ExecLock) holdDistributed(ctx context.Context, wait bool) (func(), error) {
	var unlock func()
	if l.dist != nil {
		for {
			var err error
			unlock, err = l.dist.Acquire(ctx, l.key, l.ttl)
			if err == nil {
				break
			}
			if !wait || !errors.Is(err, domain.ErrLockHeld) {
				<-l.slot
				return nil, fmt.Errorf("coordinator: distributed lock: %w", err)
			}
			t := time.NewTimer(distributedRetry)
			select {
			case <-ctx.Done():
				t.Stop()
				<-l.slot
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if unlock != nil {
				unlock()
			}
			<-l.slot
		})
	}, nil
}
