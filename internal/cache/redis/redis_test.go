package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

var pair = domain.Pair{Base: "WETH", Quote: "USDC"}

func TestLockAcquireAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(Wrap(db, "arb"))
	lm.newToken = func() string { return "tok-1" }
	ctx := context.Background()

	mock.ExpectSetNX("arb:lock:exec", "tok-1", 30*time.Second).SetVal(true)
	mock.ExpectEvalSha(lm.unlock.Hash(), []string{"arb:lock:exec"}, "tok-1").SetVal(int64(1))

	unlock, err := lm.Acquire(ctx, "exec", 30*time.Second)
	require.NoError(t, err)
	unlock()
	unlock()
	require.NoError(t, mock.ExpectationsWereMet(), "unlock runs the script once")
}

func TestLockHeldElsewhere(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lm := NewLockManager(Wrap(db, "arb"))
	lm.newToken = func() string { return "tok-2" }

	mock.ExpectSetNX("arb:lock:exec", "tok-2", time.Minute).SetVal(false)
	_, err := lm.Acquire(context.Background(), "exec", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteCacheRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	qc := NewQuoteCache(Wrap(db, ""))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	qc.now = func() time.Time { return now }
	ctx := context.Background()

	q, err := domain.NewQuote("uni-v2", "ethereum", pair, 2000, 5e6, 0.003, now.Add(-2*time.Second), 10*time.Second)
	require.NoError(t, err)
	data, err := json.Marshal(q)
	require.NoError(t, err)

	mock.ExpectSet("quote:uni-v2:WETH/USDC", data, 8*time.Second).SetVal("OK")
	require.NoError(t, qc.Set(ctx, q))

	mock.ExpectGet("quote:uni-v2:WETH/USDC").SetVal(string(data))
	got, err := qc.Get(ctx, "uni-v2", pair)
	require.NoError(t, err)
	assert.Equal(t, q.Price(), got.Price())
	assert.True(t, q.ObservedAt().Equal(got.ObservedAt()))

	mock.ExpectGet("quote:uni-v2:WETH/USDC").RedisNil()
	_, err = qc.Get(ctx, "uni-v2", pair)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteCacheSkipsExpired(t *testing.T) {
	db, mock := redismock.NewClientMock()
	qc := NewQuoteCache(Wrap(db, ""))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	qc.now = func() time.Time { return now }

	q, err := domain.NewQuote("uni-v2", "ethereum", pair, 2000, 5e6, 0.003, now.Add(-time.Minute), 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, qc.Set(context.Background(), q))

	data, err := json.Marshal(q)
	require.NoError(t, err)
	mock.ExpectGet("quote:uni-v2:WETH/USDC").SetVal(string(data))
	_, err = qc.Get(context.Background(), "uni-v2", pair)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventBusPublish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := NewEventBus(Wrap(db, "prod"))
	payload := []byte(`{"seq":1}`)

	mock.ExpectPublish("prod:"+domain.ChannelCycles, payload).SetVal(1)
	require.NoError(t, bus.Publish(context.Background(), domain.ChannelCycles, payload))
	require.NoError(t, mock.ExpectationsWereMet())
}
