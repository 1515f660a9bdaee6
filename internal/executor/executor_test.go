package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbitrageur/internal/classifier"
	"github.com/alanyoungcy/arbitrageur/internal/crypto"
	"github.com/alanyoungcy/arbitrageur/internal/domain"
	"github.com/alanyoungcy/arbitrageur/internal/venue"
)

var (
	usdcAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wethAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	execAddr    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	uniAddr     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	sushiAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	camelotAddr = common.HexToAddress("0x00000000000000000000000000000000000000b3")

	wethUSDC = domain.Pair{Base: "WETH", Quote: "USDC"}
)

// fakeChain is an in-memory node.
type fakeChain struct {
	mu         sync.Mutex
	pending    []uint64
	nonceCalls int
	native     *big.Int
	token      *big.Int
	baseFee    *big.Int
	tip        *big.Int
	noCode     map[common.Address]bool
	batches    int
	sendErrs   []error
	sent       []*types.Transaction
	receipt    func(tx *types.Transaction) *types.Receipt
	callErr    error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		pending: []uint64{7},
		native:  big.NewInt(1e18),
		token:   new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil),
		baseFee: big.NewInt(1e9),
		tip:     big.NewInt(1e8),
		noCode:  map[common.Address]bool{},
	}
}

func (f *fakeChain) BatchCallContext(_ context.Context, b []rpc.BatchElem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	for i := range b {
		switch r := b[i].Result.(type) {
		case *hexutil.Big:
			v := f.tip
			if b[i].Method == "eth_getBalance" {
				v = f.native
			}
			*r = hexutil.Big(*new(big.Int).Set(v))
		case *hexutil.Bytes:
			if b[i].Method == "eth_call" {
				out, err := ERC20ABI.Methods["balanceOf"].Outputs.Pack(f.token)
				if err != nil {
					return err
				}
				*r = out
				continue
			}
			if addr := b[i].Args[0].(common.Address); !f.noCode[addr] {
				*r = hexutil.Bytes{0x60, 0x80}
			}
		case *blockHead:
			r.Number = 100
			r.BaseFee = (*hexutil.Big)(new(big.Int).Set(f.baseFee))
		}
	}
	return nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.pending[min(f.nonceCalls, len(f.pending)-1)]
	f.nonceCalls++
	return n, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == h {
			return f.receipt(tx), nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func included(status uint64) func(*types.Transaction) *types.Receipt {
	return func(tx *types.Transaction) *types.Receipt {
		return &types.Receipt{
			Status:            status,
			TxHash:            tx.Hash(),
			BlockNumber:       big.NewInt(101),
			GasUsed:           200_000,
			EffectiveGasPrice: big.NewInt(1e9),
		}
	}
}

// paying is a successful receipt whose logs credit amount of token to the
// signer, alongside a transfer to another recipient that must be ignored.
func paying(token, signer common.Address, amount *big.Int) func(*types.Transaction) *types.Receipt {
	return func(tx *types.Transaction) *types.Receipt {
		r := included(types.ReceiptStatusSuccessful)(tx)
		r.Logs = []*types.Log{
			transferLog(token, execAddr, execAddr, big.NewInt(123_456)),
			transferLog(token, execAddr, signer, amount),
		}
		return r
	}
}

func transferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			ERC20ABI.Events["Transfer"].ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append(gethcrypto.Keccak256([]byte("Error(string)"))[:4], packed...))
}

// fakeGas values native at $2000.
type fakeGas struct{}

func (fakeGas) WeiToUSD(_ domain.Chain, wei *big.Int) (float64, error) {
	f, _ := new(big.Float).SetInt(wei).Float64()
	return f / 1e18 * 2000, nil
}

func testConfig() Config {
	return Config{
		Timeout:           2 * time.Second,
		PreflightTimeout:  time.Second,
		SubmitRetries:     2,
		RetryBase:         time.Millisecond,
		RetryMax:          5 * time.Millisecond,
		ConfirmInitial:    time.Millisecond,
		ConfirmFactor:     2,
		ConfirmMax:        10 * time.Millisecond,
		ConfirmTimeout:    500 * time.Millisecond,
		DeadlineWindow:    time.Minute,
		SlippageTolerance: 0.005,
		MaxFeeMultiplier:  2,
	}
}

func testSigner(t *testing.T) TxSigner {
	t.Helper()
	key, err := gethcrypto.HexToECDSA("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	return crypto.NewSigner(key)
}

var chainIDs = map[domain.Chain]int64{"ethereum": 1, "arbitrum": 42161}

func newPipeline(cfg Config, chains map[domain.Chain]*fakeChain, signer TxSigner) *Pipeline {
	tokens := map[string]venue.Token{
		"USDC": {Symbol: "USDC", Address: usdcAddr, Decimals: 6},
		"WETH": {Symbol: "WETH", Address: wethAddr, Decimals: 18},
	}
	var cs []Chain
	for name, fc := range chains {
		cs = append(cs, Chain{
			Name:     name,
			ChainID:  big.NewInt(chainIDs[name]),
			Client:   fc,
			Executor: execAddr,
			GasLimit: 500_000,
			Tokens:   tokens,
		})
	}
	venues := map[string]Venue{
		"uni":     {Chain: "ethereum", Address: uniAddr},
		"sushi":   {Chain: "ethereum", Address: sushiAddr},
		"camelot": {Chain: "arbitrum", Address: camelotAddr},
	}
	return New(cfg, cs, venues, signer, fakeGas{}, discard())
}

func fresh(sources ...string) []domain.QuoteRef {
	now := time.Now()
	refs := make([]domain.QuoteRef, len(sources))
	for i, s := range sources {
		refs[i] = domain.QuoteRef{SourceID: s, ObservedAt: now, ExpiresAt: now.Add(time.Minute)}
	}
	return refs
}

func sameChainOpp() domain.Opportunity {
	return domain.Opportunity{
		ID:   uuid.NewString(),
		Pair: wethUSDC,
		Route: []domain.Hop{
			{Venue: "uni", Chain: "ethereum", Action: domain.HopBuy, Price: 2000, FeeRate: 0.001},
			{Venue: "sushi", Chain: "ethereum", Action: domain.HopSell, Price: 2010, FeeRate: 0.001},
		},
		AssetPath:   []string{"USDC", "WETH", "USDC"},
		InputAmount: 1000,
		GrossProfit: 5,
		Costs:       domain.Costs{Gas: 1, Fees: 2, Slippage: 0.5},
		TotalCost:   3.5,
		NetProfit:   1.5,
		Quotes:      fresh("uni", "sushi"),
		CreatedAt:   time.Now(),
	}
}

func crossChainOpp() domain.Opportunity {
	return domain.Opportunity{
		ID:   uuid.NewString(),
		Pair: wethUSDC,
		Route: []domain.Hop{
			{Venue: "camelot", Chain: "arbitrum", Action: domain.HopBuy, Price: 2000, FeeRate: 0.003},
			{Venue: "bridge", Chain: "ethereum", Action: domain.HopTransfer},
			{Venue: "uni", Chain: "ethereum", Action: domain.HopSell, Price: 2040, FeeRate: 0.003},
		},
		AssetPath:   []string{"USDC", "WETH", "USDC"},
		InputAmount: 1000,
		GrossProfit: 20,
		Costs:       domain.Costs{Gas: 2, Fees: 6, Transfer: 3, Slippage: 1},
		TotalCost:   12,
		NetProfit:   8,
		CrossChain:  true,
		Quotes:      fresh("camelot", "uni", "bridge"),
		CreatedAt:   time.Now(),
	}
}

func routeArgs(t *testing.T, tx *types.Transaction) []interface{} {
	t.Helper()
	args, err := ExecutorABI.Methods["executeRoute"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	return args
}

func TestExecuteSameChainSuccess(t *testing.T) {
	signer := testSigner(t)
	eth := newFakeChain()
	// The quote expected 1003 USDC back; the receipt shows 1001.5.
	eth.receipt = paying(usdcAddr, signer.Address(), big.NewInt(1_001_500_000))
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, signer)

	opp := sameChainOpp()
	a, err := p.Execute(context.Background(), opp)
	require.NoError(t, err)

	assert.Equal(t, domain.AttemptConfirmed, a.State)
	require.Len(t, a.Legs, 1)
	assert.Equal(t, domain.LegIncluded, a.Legs[0].Status)
	assert.Equal(t, uint64(7), a.Legs[0].Nonce)
	assert.Equal(t, 1, eth.batches, "pre-flight must be a single batch")
	assert.False(t, a.SubmittedAt.IsZero())
	assert.False(t, a.ConfirmedAt.IsZero())

	// 200k gas at 1 gwei with native at $2000.
	assert.InDelta(t, 0.4, a.RealizedGasCost, 1e-9)
	assert.InDelta(t, 1000, a.Legs[0].AmountIn, 1e-9)
	assert.InDelta(t, 1001.5, a.Legs[0].AmountOut, 1e-9)
	assert.InDelta(t, 1.5-0.4, a.RealizedNetProfit, 1e-9)
	assert.NotEqual(t, opp.NetProfit, a.RealizedNetProfit)

	sent := eth.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, execAddr, *sent[0].To())
	args := routeArgs(t, sent[0])
	assert.Equal(t, uniAddr, args[0])
	assert.Equal(t, sushiAddr, args[1])
	assert.Equal(t, usdcAddr, args[2])
	assert.Equal(t, wethAddr, args[3])
	assert.Equal(t, big.NewInt(1_000_000_000), args[4])
	assert.Equal(t, big.NewInt(1_000_000_000), args[5], "round trip must never accept less than the input")
	// fee cap = 2 * base fee + tip
	assert.Equal(t, big.NewInt(2_100_000_000), sent[0].GasFeeCap())

	c := classifier.Classify(a)
	assert.Equal(t, domain.OutcomeSuccess, c.Outcome)
}

func TestExecuteCrossChainSubmitsOneLegPerChain(t *testing.T) {
	signer := testSigner(t)
	eth, arb := newFakeChain(), newFakeChain()
	eth.receipt = paying(usdcAddr, signer.Address(), big.NewInt(1_015_000_000))
	arb.receipt = paying(wethAddr, signer.Address(), big.NewInt(498e15))
	arb.pending = []uint64{40}
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth, "arbitrum": arb}, signer)

	a, err := p.Execute(context.Background(), crossChainOpp())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, a.State)
	require.Len(t, a.Legs, 2)
	assert.Equal(t, domain.Chain("arbitrum"), a.Legs[0].Chain)
	assert.Equal(t, uint64(40), a.Legs[0].Nonce)
	assert.Equal(t, domain.Chain("ethereum"), a.Legs[1].Chain)
	assert.Equal(t, uint64(7), a.Legs[1].Nonce)

	buy := routeArgs(t, arb.Sent()[0])
	assert.Equal(t, camelotAddr, buy[0])
	assert.Equal(t, common.Address{}, buy[1])
	assert.Equal(t, usdcAddr, buy[2])
	assert.Equal(t, big.NewInt(1_000_000_000), buy[4])

	sell := routeArgs(t, eth.Sent()[0])
	assert.Equal(t, uniAddr, sell[0])
	assert.Equal(t, wethAddr, sell[2])
	qty := baseUnits(1000.0/2000*(1-0.003), 18)
	assert.Equal(t, 0, qty.Cmp(sell[4].(*big.Int)))
	assert.Equal(t, 1, qty.Cmp(buy[5].(*big.Int)), "buy leg tolerates slippage below the expected quantity")

	// 1015 out for 1000 in, 0.0005 WETH short of the quantity sold priced at
	// 2040, the quoted bridge cost and 0.8 of gas.
	assert.InDelta(t, 0.498, a.Legs[0].AmountOut, 1e-12)
	assert.InDelta(t, 0.4985, a.Legs[1].AmountIn, 1e-12)
	assert.InDelta(t, 1015-1000+(0.498-0.4985)*2040-3-0.8, a.RealizedNetProfit, 1e-6)
	assert.Equal(t, domain.OutcomeSuccess, classifier.Classify(a).Outcome)
}

func TestExecuteWithoutOutputTransferRealizesNoProceeds(t *testing.T) {
	eth := newFakeChain()
	eth.receipt = paying(usdcAddr, common.HexToAddress("0xbeef"), big.NewInt(1_003_000_000))
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

	a, err := p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, a.State)
	assert.Contains(t, a.Legs[0].Error, "no USDC transfer")
	assert.Zero(t, a.Legs[0].AmountOut)
	assert.InDelta(t, -1000-0.4, a.RealizedNetProfit, 1e-9)
}

func TestExecuteRevertRecoversReason(t *testing.T) {
	eth := newFakeChain()
	eth.receipt = included(types.ReceiptStatusFailed)
	eth.callErr = revertError{data: revertData(t, "UniswapV2: INSUFFICIENT_OUTPUT_AMOUNT")}
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

	a, err := p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptReverted, a.State)
	assert.Equal(t, "UniswapV2: INSUFFICIENT_OUTPUT_AMOUNT", a.Legs[0].RevertReason)
	assert.InDelta(t, -0.4, a.RealizedNetProfit, 1e-9)

	c := classifier.Classify(a)
	assert.Equal(t, domain.OutcomeMarketFailure, c.Outcome)
}

func TestExecuteConfirmationTimeoutIsUnknown(t *testing.T) {
	eth := newFakeChain()
	cfg := testConfig()
	cfg.ConfirmTimeout = 30 * time.Millisecond
	p := newPipeline(cfg, map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

	a, err := p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptTimedOut, a.State)
	assert.Equal(t, domain.ClassConfirmationTimeout, a.FailureKind)
	assert.Equal(t, domain.LegTimedOut, a.Legs[0].Status)
	assert.NotEmpty(t, a.Legs[0].TxHash)
	assert.Nil(t, a.Legs[0].Receipt)

	c := classifier.Classify(a)
	assert.Equal(t, domain.OutcomeUnknown, c.Outcome)
	assert.True(t, c.Outcome.NeedsReconcile())
}

func TestExecuteDryRunBuildsWithoutSubmitting(t *testing.T) {
	eth := newFakeChain()
	cfg := testConfig()
	cfg.DryRun = true
	p := newPipeline(cfg, map[domain.Chain]*fakeChain{"ethereum": eth}, nil)

	a, err := p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptAborted, a.State)
	assert.True(t, a.DryRun)
	assert.Equal(t, domain.LegSkipped, a.Legs[0].Status)
	assert.Equal(t, "dry run: 1 transaction(s) built", a.Reason)
	assert.Empty(t, eth.Sent())
	assert.Equal(t, 1, eth.batches)

	assert.Equal(t, domain.OutcomeSimulated, classifier.Classify(a).Outcome)
}

func TestExecuteWithoutSignerIsFatal(t *testing.T) {
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": newFakeChain()}, nil)
	a, err := p.Execute(context.Background(), sameChainOpp())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, domain.ClassFatalConfiguration, a.FailureKind)
}

func TestExecuteResignsAfterNonceTooLow(t *testing.T) {
	eth := newFakeChain()
	eth.pending = []uint64{7, 9}
	eth.sendErrs = []error{errors.New("nonce too low: next nonce 9, tx nonce 7")}
	eth.receipt = included(types.ReceiptStatusSuccessful)
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

	a, err := p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, a.State)

	sent := eth.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(7), sent[0].Nonce())
	assert.Equal(t, uint64(9), sent[1].Nonce())
	assert.Equal(t, uint64(9), a.Legs[0].Nonce)
}

func TestExecuteResendsSameTxOnTransientError(t *testing.T) {
	eth := newFakeChain()
	eth.sendErrs = []error{errors.New("read tcp: connection reset by peer")}
	eth.receipt = included(types.ReceiptStatusSuccessful)
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

	a, err := p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, a.State)

	sent := eth.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Hash(), sent[1].Hash(), "a transient failure must not re-sign")
}

func TestExecuteSubmitFailures(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		sends    int
		outcome  domain.Outcome
		inFlight bool
	}{
		{
			name:    "rejected by node",
			errs:    []error{errors.New("insufficient funds for gas * price + value")},
			sends:   1,
			outcome: domain.OutcomeSystemFailure,
		},
		{
			name: "transient until retries run out",
			errs: []error{
				errors.New("503 service unavailable"),
				errors.New("503 service unavailable"),
				errors.New("503 service unavailable"),
			},
			sends:    3,
			outcome:  domain.OutcomeUnknown,
			inFlight: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eth := newFakeChain()
			eth.sendErrs = tc.errs
			p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

			a, err := p.Execute(context.Background(), sameChainOpp())
			require.NoError(t, err)
			assert.Equal(t, domain.AttemptAborted, a.State)
			assert.Equal(t, domain.LegRejected, a.Legs[0].Status)
			assert.Len(t, eth.Sent(), tc.sends)
			assert.Equal(t, tc.inFlight, a.Legs[0].TxHash != "")
			assert.Equal(t, tc.outcome, classifier.Classify(a).Outcome)
		})
	}
}

func TestExecutePreflightAborts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeChain)
	}{
		{"executor not deployed", func(f *fakeChain) { f.noCode[execAddr] = true }},
		{"venue not deployed", func(f *fakeChain) { f.noCode[sushiAddr] = true }},
		{"token balance below input", func(f *fakeChain) { f.token = big.NewInt(5) }},
		{"native balance below fee budget", func(f *fakeChain) { f.native = big.NewInt(1000) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eth := newFakeChain()
			tc.setup(eth)
			p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

			a, err := p.Execute(context.Background(), sameChainOpp())
			require.NoError(t, err)
			assert.Equal(t, domain.AttemptAborted, a.State)
			assert.Equal(t, domain.ClassSystemFailure, a.FailureKind)
			assert.Empty(t, eth.Sent())
			assert.Equal(t, domain.OutcomeSystemFailure, classifier.Classify(a).Outcome)
		})
	}
}

func TestExecuteRejectsStaleAndDuplicate(t *testing.T) {
	eth := newFakeChain()
	eth.receipt = included(types.ReceiptStatusSuccessful)
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

	opp := sameChainOpp()
	first, err := p.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptConfirmed, first.State)

	second, err := p.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptAborted, second.State)
	assert.Len(t, eth.Sent(), 1)

	stale := sameChainOpp()
	for i := range stale.Quotes {
		stale.Quotes[i].ExpiresAt = time.Now().Add(-time.Second)
	}
	a, err := p.Execute(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassQuoteExpired, a.FailureKind)
	assert.Equal(t, domain.OutcomeMarketFailure, classifier.Classify(a).Outcome)
	assert.Len(t, eth.Sent(), 1)
}

func TestExecuteUnknownVenueAborts(t *testing.T) {
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": newFakeChain()}, testSigner(t))
	opp := sameChainOpp()
	opp.Route[1].Venue = "curve"
	a, err := p.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptAborted, a.State)
	assert.Contains(t, a.Reason, "curve")
}

func TestPrewarmBuildsVenueCombinations(t *testing.T) {
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": newFakeChain()}, testSigner(t))
	n, err := p.Prewarm([]domain.Pair{wethUSDC, {Base: "WBTC", Quote: "USDC"}})
	require.NoError(t, err)
	// Two venues: one round trip each way plus a one-way leg per direction
	// per venue. WBTC has no token mapping and is skipped.
	assert.Equal(t, 6, n)

	_, err = p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, 6, p.Templates(), "execution reuses the prewarmed template")
}

func TestReconcileAfterRejectedSubmission(t *testing.T) {
	eth := newFakeChain()
	eth.sendErrs = []error{errors.New("intrinsic gas too low")}
	p := newPipeline(testConfig(), map[domain.Chain]*fakeChain{"ethereum": eth}, testSigner(t))

	_, err := p.Execute(context.Background(), sameChainOpp())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), p.chains["ethereum"].nonces.Peek())

	require.NoError(t, p.Reconcile(context.Background()))
	assert.Equal(t, uint64(7), p.chains["ethereum"].nonces.Peek(), "the unused nonce is handed out again")
}
