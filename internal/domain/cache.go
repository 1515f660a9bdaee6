package domain

import (
	"context"
	"time"
)

// QuoteCache is a shared (cross-process) quote cache consulted after the
// in-process cache. Get returns ErrNotFound on a miss.
type QuoteCache interface {
	Get(ctx context.Context, sourceID string, pair Pair) (Quote, error)
	Set(ctx context.Context, q Quote) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus publishes cycle reports and attempts to interested processes.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

const (
	ChannelCycles   = "arb:cycles"
	ChannelAttempts = "arb:attempts"
)
