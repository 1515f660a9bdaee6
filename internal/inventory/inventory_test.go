package inventory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
	"github.com/alanyoungcy/arbitrageur/internal/executor"
	"github.com/alanyoungcy/arbitrageur/internal/venue"
)

var (
	owner = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

type fakeNode struct {
	batches  atomic.Int32
	native   *big.Int
	tokens   map[common.Address]*big.Int
	batchErr error
	elemErr  map[common.Address]error
}

func (f *fakeNode) BatchCallContext(_ context.Context, b []rpc.BatchElem) error {
	f.batches.Add(1)
	if f.batchErr != nil {
		return f.batchErr
	}
	for i := range b {
		switch b[i].Method {
		case "eth_getBalance":
			*b[i].Result.(*hexutil.Big) = hexutil.Big(*new(big.Int).Set(f.native))
		case "eth_call":
			to := b[i].Args[0].(map[string]interface{})["to"].(common.Address)
			if err := f.elemErr[to]; err != nil {
				b[i].Error = err
				continue
			}
			out, err := executor.ERC20ABI.Methods["balanceOf"].Outputs.Pack(f.tokens[to])
			if err != nil {
				return err
			}
			*b[i].Result.(*hexutil.Bytes) = out
		}
	}
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newNode() *fakeNode {
	return &fakeNode{
		native: new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17)), // 1.5 ETH
		tokens: map[common.Address]*big.Int{
			usdc: big.NewInt(2_500_000_000),
			weth: new(big.Int).Mul(big.NewInt(25), big.NewInt(1e16)),
		},
	}
}

func chainFor(node *fakeNode) Chain {
	return Chain{
		Name:         "ethereum",
		Client:       node,
		NativeSymbol: "ETH",
		Tokens: map[string]venue.Token{
			"USDC": {Symbol: "USDC", Address: usdc, Decimals: 6},
			"WETH": {Symbol: "WETH", Address: weth, Decimals: 18},
		},
	}
}

func TestRefreshReadsOneBatchPerChain(t *testing.T) {
	eth, arb := newNode(), newNode()
	arbChain := chainFor(arb)
	arbChain.Name = "arbitrum"
	s := New(owner, []Chain{chainFor(eth), arbChain}, 0, discard())

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, int32(1), eth.batches.Load())
	assert.Equal(t, int32(1), arb.batches.Load())

	ctx := context.Background()
	v, err := s.Balance(ctx, "ethereum", "USDC")
	require.NoError(t, err)
	assert.InDelta(t, 2500, v, 1e-9)
	v, err = s.Balance(ctx, "arbitrum", "weth")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-12)
	v, err = s.Balance(ctx, "ethereum", "ETH")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, v, 1e-12)

	_, err = s.Balance(ctx, "ethereum", "WBTC")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBalanceRefreshesWhenStale(t *testing.T) {
	node := newNode()
	s := New(owner, []Chain{chainFor(node)}, time.Minute, discard())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Balance(ctx, "ethereum", "USDC")
	require.NoError(t, err)
	_, err = s.Balance(ctx, "ethereum", "USDC")
	require.NoError(t, err)
	assert.Equal(t, int32(1), node.batches.Load())

	now = now.Add(2 * time.Minute)
	node.tokens[usdc] = big.NewInt(100_000_000)
	v, err := s.Balance(ctx, "ethereum", "USDC")
	require.NoError(t, err)
	assert.InDelta(t, 100, v, 1e-9)
	assert.Equal(t, int32(2), node.batches.Load())
}

func TestRefreshKeepsReadableBalances(t *testing.T) {
	node := newNode()
	s := New(owner, []Chain{chainFor(node)}, 0, discard())
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	node.tokens[usdc] = big.NewInt(7_000_000)
	node.elemErr = map[common.Address]error{weth: errors.New("execution reverted")}
	err := s.Refresh(ctx)
	require.Error(t, err)

	snap := s.Snapshot()
	assert.InDelta(t, 7, snap["ethereum:USDC"], 1e-9)
	assert.InDelta(t, 0.25, snap["ethereum:WETH"], 1e-12, "unreadable balance keeps its last value")

	node.batchErr = errors.New("connection refused")
	require.Error(t, s.Refresh(ctx))
	assert.InDelta(t, 7, s.Snapshot()["ethereum:USDC"], 1e-9)
}

func TestStatic(t *testing.T) {
	s := Static{"ethereum:USDC": 1000}
	v, err := s.Balance(context.Background(), "ethereum", "usdc")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)
	_, err = s.Balance(context.Background(), "arbitrum", "USDC")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
