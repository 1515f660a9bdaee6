package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/arbitrageur/internal/ratelimit"
)

var (
	errConfirmTimeout    = errors.New("confirmation timeout")
	errDeliveryUncertain = errors.New("delivery uncertain")
)

// signLeg takes the next nonce for the leg's chain and signs an instance of
// the leg's template.
func (p *Pipeline) signLeg(ctx context.Context, pl *legPlan) (*types.Transaction, error) {
	nonce, err := pl.rt.nonces.Next(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := pl.tpl.Fill(pl.params(nonce))
	if err != nil {
		return nil, err
	}
	return p.signer.SignTx(tx, pl.rt.ChainID)
}

// send submits the leg. Transient failures resend the same signed
// transaction; a sequencing mismatch resyncs the nonce and re-signs once.
// The returned transaction is the last one handed to the node, if any.
func (p *Pipeline) send(ctx context.Context, pl *legPlan) (*types.Transaction, error) {
	signed, err := p.signLeg(ctx, pl)
	if err != nil {
		return nil, fmt.Errorf("executor: sign leg on %s: %w", pl.rt.Name, err)
	}

	resigned := false
	for attempt := 0; ; {
		err := pl.rt.Client.SendTransaction(ctx, signed)
		switch {
		case err == nil, isAlreadyKnown(err):
			return signed, nil

		case isNonceMismatch(err) && !resigned:
			resigned = true
			p.logger.Warn("nonce rejected, resyncing",
				slog.String("chain", string(pl.rt.Name)),
				slog.Uint64("nonce", signed.Nonce()),
				slog.String("error", err.Error()),
			)
			if rerr := pl.rt.nonces.Resync(ctx); rerr != nil {
				return nil, fmt.Errorf("executor: submit on %s: %w", pl.rt.Name, rerr)
			}
			if signed, err = p.signLeg(ctx, pl); err != nil {
				return nil, fmt.Errorf("executor: re-sign leg on %s: %w", pl.rt.Name, err)
			}

		case ctx.Err() == nil && isTransient(err) && attempt < p.cfg.SubmitRetries:
			attempt++
			p.logger.Warn("transient submit error, resending",
				slog.String("chain", string(pl.rt.Name)),
				slog.String("tx", signed.Hash().Hex()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if serr := sleepCtx(ctx, ratelimit.Backoff(p.cfg.RetryBase, p.cfg.RetryMax, attempt-1)); serr != nil {
				return signed, fmt.Errorf("executor: submit on %s: %w: %w", pl.rt.Name, errDeliveryUncertain, err)
			}

		case isTransient(err) || ctx.Err() != nil:
			return signed, fmt.Errorf("executor: submit on %s: %w: %w", pl.rt.Name, errDeliveryUncertain, err)

		default:
			return signed, fmt.Errorf("executor: submit on %s: %w", pl.rt.Name, err)
		}
	}
}

// await polls for the receipt of hash with growing intervals until the
// confirmation timeout.
func (p *Pipeline) await(ctx context.Context, c ChainClient, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	wait := p.cfg.ConfirmInitial
	for polls := 1; ; polls++ {
		r, err := c.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			return r, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			p.logger.Debug("receipt poll failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, fmt.Errorf("executor: no receipt for %s after %d polls: %w", hash.Hex(), polls, errConfirmTimeout)
		}
		wait = time.Duration(float64(wait) * p.cfg.ConfirmFactor)
		if wait > p.cfg.ConfirmMax {
			wait = p.cfg.ConfirmMax
		}
	}
}

// revertReason replays a reverted transaction against the state it was
// included on top of and decodes the revert data.
func (p *Pipeline) revertReason(ctx context.Context, c ChainClient, tx *types.Transaction, r *types.Receipt) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PreflightTimeout)
	defer cancel()

	msg := ethereum.CallMsg{
		From:      p.signer.Address(),
		To:        tx.To(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	}
	var block *big.Int
	if r.BlockNumber != nil && r.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(r.BlockNumber, big.NewInt(1))
	}
	_, err := c.CallContract(ctx, msg, block)
	if err == nil {
		return "execution reverted"
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceMismatch(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
}

// isTransient reports network-level failures after which the node may or may
// not have received the transaction.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "timeout", "too many requests", "429", "502", "503"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
