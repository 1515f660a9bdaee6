package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource reports the account's next nonce including pending
// transactions.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager predicts the next nonce for one signing identity on one
// chain. Next hands out strictly increasing values; Resync only ever raises
// the prediction.
type NonceManager struct {
	mu       sync.Mutex
	src      NonceSource
	account  common.Address
	resync   time.Duration
	next     uint64
	synced   bool
	lastSync time.Time
	now      func() time.Time
	logger   *slog.Logger
}

// NewNonceManager creates a manager that resynchronises at most every
// resync interval (zero disables time-based resync).
func NewNonceManager(src NonceSource, account common.Address, resync time.Duration, logger *slog.Logger) *NonceManager {
	return &NonceManager{
		src:     src,
		account: account,
		resync:  resync,
		now:     time.Now,
		logger:  logger,
	}
}

// Next returns the nonce for the next submission and advances the
// prediction.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced || (m.resync > 0 && m.now().Sub(m.lastSync) >= m.resync) {
		if err := m.syncLocked(ctx, false); err != nil {
			if !m.synced {
				return 0, err
			}
			m.logger.Warn("nonce resync failed, using prediction",
				slog.Uint64("predicted", m.next),
				slog.String("error", err.Error()),
			)
		}
	}
	n := m.next
	m.next++
	return n, nil
}

// Resync raises the prediction to the chain's pending nonce. It is called
// when a submission is rejected for a sequencing mismatch.
func (m *NonceManager) Resync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked(ctx, false)
}

// Reconcile adopts the chain's pending nonce even when it is below the
// prediction. A lower chain value means predicted nonces were never accepted
// by the network, so handing them out again keeps accepted nonces strictly
// increasing.
func (m *NonceManager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked(ctx, true)
}

// Peek returns the prediction without advancing it.
func (m *NonceManager) Peek() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

func (m *NonceManager) syncLocked(ctx context.Context, adopt bool) error {
	n, err := m.src.PendingNonceAt(ctx, m.account)
	if err != nil {
		return fmt.Errorf("executor: pending nonce for %s: %w", m.account.Hex(), err)
	}
	switch {
	case !m.synced, n > m.next:
		m.next = n
	case adopt && n < m.next:
		m.logger.Warn("predicted nonces never reached the network",
			slog.Uint64("predicted", m.next),
			slog.Uint64("chain", n),
		)
		m.next = n
	}
	m.synced = true
	m.lastSync = m.now()
	return nil
}
