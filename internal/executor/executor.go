// Package executor turns a selected Opportunity into signed, submitted and
// confirmed on-chain transactions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
	"github.com/alanyoungcy/arbitrageur/internal/venue"
)

// TxSigner signs transactions for one identity.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// GasPricer converts native fee amounts to USD.
type GasPricer interface {
	WeiToUSD(chain domain.Chain, wei *big.Int) (float64, error)
}

// Chain is one network the pipeline submits to.
type Chain struct {
	Name        domain.Chain
	ChainID     *big.Int
	Client      ChainClient
	Executor    common.Address
	GasLimit    uint64
	Tokens      map[string]venue.Token
	NonceResync time.Duration
}

// Venue is the on-chain contract behind a quote source.
type Venue struct {
	Chain   domain.Chain
	Address common.Address
}

// Config holds the pipeline parameters.
type Config struct {
	DryRun            bool
	Timeout           time.Duration
	PreflightTimeout  time.Duration
	SubmitRetries     int
	RetryBase         time.Duration
	RetryMax          time.Duration
	ConfirmInitial    time.Duration
	ConfirmFactor     float64
	ConfirmMax        time.Duration
	ConfirmTimeout    time.Duration
	DeadlineWindow    time.Duration
	SlippageTolerance float64
	MaxFeeMultiplier  float64
	DedupTTL          time.Duration
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PreflightTimeout <= 0 {
		c.PreflightTimeout = 2 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Second
	}
	if c.ConfirmInitial <= 0 {
		c.ConfirmInitial = 250 * time.Millisecond
	}
	if c.ConfirmFactor < 1 {
		c.ConfirmFactor = 1.5
	}
	if c.ConfirmMax < c.ConfirmInitial {
		c.ConfirmMax = c.ConfirmInitial
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	if c.DeadlineWindow <= 0 {
		c.DeadlineWindow = time.Minute
	}
	if c.MaxFeeMultiplier <= 0 {
		c.MaxFeeMultiplier = 2
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
}

type chainRuntime struct {
	Chain
	nonces *NonceManager
}

func (rt *chainRuntime) token(symbol string) (venue.Token, error) {
	t, ok := rt.Tokens[symbol]
	if !ok {
		return venue.Token{}, fmt.Errorf("executor: no %s token configured on %s", symbol, rt.Name)
	}
	return t, nil
}

// Pipeline executes one Opportunity at a time. Mutual exclusion between
// executions is the caller's responsibility.
type Pipeline struct {
	cfg       Config
	chains    map[domain.Chain]*chainRuntime
	venues    map[string]Venue
	signer    TxSigner
	gas       GasPricer
	templates *TemplateCache
	dedup     *Dedup
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Pipeline. signer may be nil, in which case only dry runs
// are possible.
func New(cfg Config, chains []Chain, venues map[string]Venue, signer TxSigner, gas GasPricer, logger *slog.Logger) *Pipeline {
	cfg.setDefaults()
	logger = logger.With(slog.String("component", "executor"))
	p := &Pipeline{
		cfg:       cfg,
		chains:    make(map[domain.Chain]*chainRuntime, len(chains)),
		venues:    venues,
		signer:    signer,
		gas:       gas,
		templates: NewTemplateCache(),
		dedup:     NewDedup(cfg.DedupTTL),
		logger:    logger,
		now:       time.Now,
	}
	for _, c := range chains {
		rt := &chainRuntime{Chain: c}
		if signer != nil {
			rt.nonces = NewNonceManager(c.Client, signer.Address(), c.NonceResync,
				logger.With(slog.String("chain", string(c.Name))))
		}
		p.chains[c.Name] = rt
	}
	return p
}

// DryRun reports whether submissions are suppressed.
func (p *Pipeline) DryRun() bool { return p.cfg.DryRun }

// Templates returns the number of pre-built transaction templates.
func (p *Pipeline) Templates() int { return p.templates.Len() }

// Prewarm builds templates for every venue combination that can trade the
// given pairs, so the first execution does no encoding work.
func (p *Pipeline) Prewarm(pairs []domain.Pair) (int, error) {
	var errs []error
	for _, rt := range p.chains {
		var local []common.Address
		for _, v := range p.venues {
			if v.Chain == rt.Name {
				local = append(local, v.Address)
			}
		}
		for _, pair := range pairs {
			quote, qerr := rt.token(pair.Quote)
			base, berr := rt.token(pair.Base)
			if qerr != nil || berr != nil {
				continue
			}
			for _, a := range local {
				shapes := []RouteShape{
					p.shape(rt, a, common.Address{}, quote, base),
					p.shape(rt, a, common.Address{}, base, quote),
				}
				for _, b := range local {
					if b != a {
						shapes = append(shapes, p.shape(rt, a, b, quote, base))
					}
				}
				for _, s := range shapes {
					if _, err := p.templates.Get(s, rt.Executor, rt.GasLimit); err != nil {
						errs = append(errs, err)
					}
				}
			}
		}
	}
	return p.templates.Len(), errors.Join(errs...)
}

// Reconcile re-reads every chain's pending nonce and adopts it, including
// when it is below the local prediction.
func (p *Pipeline) Reconcile(ctx context.Context) error {
	var errs []error
	for _, rt := range p.chains {
		if rt.nonces == nil {
			continue
		}
		if err := rt.nonces.Reconcile(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute runs opp through pre-flight, submission and confirmation and
// returns the terminal attempt. The returned error is non-nil only for a
// FatalError; every other failure is recorded on the attempt.
func (p *Pipeline) Execute(ctx context.Context, opp domain.Opportunity) (domain.ExecutionAttempt, error) {
	a := domain.ExecutionAttempt{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		RouteKey:      opp.RouteKey(),
		State:         domain.AttemptCreated,
		DryRun:        p.cfg.DryRun,
		CreatedAt:     p.now(),
	}
	if p.signer == nil && !p.cfg.DryRun {
		p.abort(&a, domain.ClassFatalConfiguration, "no signing key configured")
		return a, &domain.FatalError{Reason: "execution requires a signing key"}
	}
	if p.dedup.IsDuplicate(opp.ID) {
		p.abort(&a, domain.ClassQuoteExpired, "opportunity already attempted")
		return a, nil
	}
	if !opp.Fresh(p.now()) {
		p.abort(&a, domain.ClassQuoteExpired, "quotes expired before execution")
		return a, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	plans, err := p.plan(opp)
	if err != nil {
		p.abort(&a, domain.ClassSystemFailure, err.Error())
		return a, nil
	}
	a.Legs = make([]domain.LegResult, len(plans))
	for i, pl := range plans {
		a.Legs[i] = domain.LegResult{Chain: pl.rt.Name, Status: domain.LegPending}
	}

	a.State = domain.AttemptPreflight
	if err := p.preflight(ctx, plans); err != nil {
		p.abort(&a, domain.ClassSystemFailure, err.Error())
		return a, nil
	}

	if p.cfg.DryRun {
		for i, pl := range plans {
			var nonce uint64
			if pl.rt.nonces != nil {
				nonce = pl.rt.nonces.Peek()
			}
			tx, err := pl.tpl.Fill(pl.params(nonce))
			if err != nil {
				p.abort(&a, domain.ClassSystemFailure, err.Error())
				return a, nil
			}
			a.Legs[i].Status = domain.LegSkipped
			a.Legs[i].Nonce = tx.Nonce()
		}
		a.State = domain.AttemptAborted
		a.Reason = fmt.Sprintf("dry run: %d transaction(s) built", len(plans))
		p.logger.Info("dry run, not submitting",
			slog.String("attempt_id", a.ID),
			slog.String("route", a.RouteKey),
			slog.Int("legs", len(plans)),
		)
		return a, nil
	}

	a.State = domain.AttemptSubmitted
	a.SubmittedAt = p.now()
	var g errgroup.Group
	for i, pl := range plans {
		g.Go(func() error {
			p.runLeg(ctx, pl, &a.Legs[i])
			return nil
		})
	}
	_ = g.Wait()

	p.settle(&a, opp)
	p.logger.Info("execution finished",
		slog.String("attempt_id", a.ID),
		slog.String("route", a.RouteKey),
		slog.String("state", string(a.State)),
		slog.Float64("realized_net_profit", a.RealizedNetProfit),
		slog.Duration("elapsed", p.now().Sub(a.CreatedAt)),
	)
	return a, nil
}

func (p *Pipeline) abort(a *domain.ExecutionAttempt, class domain.ErrorClass, reason string) {
	a.State = domain.AttemptAborted
	a.FailureKind = class
	a.Reason = reason
	p.logger.Warn("execution aborted",
		slog.String("attempt_id", a.ID),
		slog.String("opportunity_id", a.OpportunityID),
		slog.String("class", string(class)),
		slog.String("reason", reason),
	)
}

func (p *Pipeline) runLeg(ctx context.Context, pl *legPlan, leg *domain.LegResult) {
	leg.AmountIn = tokenAmount(pl.amountIn, pl.in.Decimals)
	tx, err := p.send(ctx, pl)
	if tx != nil {
		leg.Nonce = tx.Nonce()
	}
	if err != nil {
		leg.Status = domain.LegRejected
		leg.Error = err.Error()
		if tx != nil && errors.Is(err, errDeliveryUncertain) {
			leg.TxHash = tx.Hash().Hex()
		}
		return
	}
	leg.Status = domain.LegSubmitted
	leg.TxHash = tx.Hash().Hex()

	r, err := p.await(ctx, pl.rt.Client, tx.Hash())
	if err != nil {
		leg.Status = domain.LegTimedOut
		leg.Error = err.Error()
		return
	}
	leg.Status = domain.LegIncluded
	leg.Receipt = &domain.LegReceipt{
		Status:            r.Status,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
	}
	if r.BlockNumber != nil {
		leg.Receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		wei := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
		if usd, err := p.gas.WeiToUSD(pl.rt.Name, wei); err == nil {
			leg.GasUSD = usd
		} else {
			p.logger.Warn("cannot value realized gas",
				slog.String("chain", string(pl.rt.Name)),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.Status != types.ReceiptStatusSuccessful {
		leg.RevertReason = p.revertReason(ctx, pl.rt.Client, tx, r)
		return
	}
	received, ok := creditedAmount(r.Logs, pl.credit.Address, p.from())
	if !ok {
		leg.Error = fmt.Sprintf("no %s transfer to the signer in the receipt", pl.credit.Symbol)
		p.logger.Warn("realized output not observed",
			slog.String("chain", string(pl.rt.Name)),
			slog.String("tx_hash", leg.TxHash),
			slog.String("token", pl.credit.Symbol),
		)
		return
	}
	leg.AmountOut = tokenAmount(received, pl.credit.Decimals)
}

// settle derives the terminal state from the legs and computes realized
// profit from the amounts the receipts show moving.
func (p *Pipeline) settle(a *domain.ExecutionAttempt, opp domain.Opportunity) {
	var (
		timedOut, reverted, rejected bool
		reason                       string
		gasUSD                       float64
	)
	for _, leg := range a.Legs {
		gasUSD += leg.GasUSD
		switch leg.Status {
		case domain.LegTimedOut:
			timedOut = true
		case domain.LegRejected:
			rejected = true
			if reason == "" {
				reason = leg.Error
			}
		case domain.LegIncluded:
			if !leg.Receipt.Succeeded() {
				reverted = true
				if reason == "" {
					reason = leg.RevertReason
				}
			}
		}
	}

	a.RealizedGasCost = gasUSD
	a.RealizedNetProfit = -gasUSD
	switch {
	case timedOut:
		a.State = domain.AttemptTimedOut
		a.FailureKind = domain.ClassConfirmationTimeout
		a.Reason = "no receipt within confirmation timeout"
	case reverted:
		a.State = domain.AttemptReverted
		a.Reason = reason
	case rejected:
		a.State = domain.AttemptAborted
		a.FailureKind = domain.ClassSystemFailure
		a.Reason = reason
	default:
		a.State = domain.AttemptConfirmed
		a.ConfirmedAt = p.now()
		a.RealizedNetProfit = realizedProceeds(a.Legs, opp) - gasUSD
	}
}

// realizedProceeds is the quote-asset gain of a confirmed attempt before
// gas. A single round-trip leg gains its output less its input. A
// cross-chain pair of legs gains the sell proceeds less the buy input, plus
// the base inventory drift between the legs at the sell price, less the
// quoted cost of moving inventory back.
func realizedProceeds(legs []domain.LegResult, opp domain.Opportunity) float64 {
	switch len(legs) {
	case 1:
		return legs[0].AmountOut - legs[0].AmountIn
	case 2:
		buy, sell := legs[0], legs[1]
		var sellPrice float64
		for _, h := range opp.Route {
			if h.Action == domain.HopSell {
				sellPrice = h.Price
			}
		}
		drift := (buy.AmountOut - sell.AmountIn) * sellPrice
		return sell.AmountOut - buy.AmountIn + drift - opp.Costs.Transfer
	}
	return 0
}

// creditedAmount sums the ERC-20 Transfer events of token to recipient.
func creditedAmount(logs []*types.Log, token, recipient common.Address) (*big.Int, bool) {
	transfer := ERC20ABI.Events["Transfer"]
	total := new(big.Int)
	found := false
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transfer.ID {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		vals, err := transfer.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		v, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		total.Add(total, v)
		found = true
	}
	return total, found
}

// legPlan is one transaction of an attempt.
type legPlan struct {
	rt        *chainRuntime
	tpl       *Template
	in        venue.Token
	credit    venue.Token // paid out to the signer
	amountIn  *big.Int
	minOut    *big.Int
	deadline  uint64
	contracts []common.Address

	// Set by pre-flight.
	tipCap *big.Int
	feeCap *big.Int
}

func (pl *legPlan) params(nonce uint64) FillParams {
	return FillParams{
		Nonce:    nonce,
		AmountIn: pl.amountIn,
		MinOut:   pl.minOut,
		Deadline: pl.deadline,
		TipCap:   pl.tipCap,
		FeeCap:   pl.feeCap,
	}
}

// plan maps the route onto legs. A same-chain route is one round-trip leg
// through both venues whose minimum output never falls below the input. A
// cross-chain route buys on one chain and sells pre-positioned inventory on
// the other.
func (p *Pipeline) plan(opp domain.Opportunity) ([]*legPlan, error) {
	var buy, sell domain.Hop
	for _, h := range opp.Route {
		switch h.Action {
		case domain.HopBuy:
			buy = h
		case domain.HopSell:
			sell = h
		}
	}
	if buy.Venue == "" || sell.Venue == "" {
		return nil, errors.New("executor: route lacks a buy or sell hop")
	}
	if buy.Price <= 0 || sell.Price <= 0 || opp.InputAmount <= 0 {
		return nil, errors.New("executor: route has no usable prices or size")
	}
	tol := p.cfg.SlippageTolerance
	deadline := uint64(p.now().Add(p.cfg.DeadlineWindow).Unix())

	buyRT, err := p.chain(buy.Chain)
	if err != nil {
		return nil, err
	}
	buyVenue, err := p.venue(buy)
	if err != nil {
		return nil, err
	}
	sellVenue, err := p.venue(sell)
	if err != nil {
		return nil, err
	}
	quoteIn, err := buyRT.token(opp.Pair.Quote)
	if err != nil {
		return nil, err
	}
	baseOut, err := buyRT.token(opp.Pair.Base)
	if err != nil {
		return nil, err
	}

	if buy.Chain == sell.Chain {
		expected := opp.InputAmount + opp.GrossProfit - opp.Costs.Fees
		minOut := math.Max(expected*(1-tol), opp.InputAmount)
		leg, err := p.newLeg(buyRT, buyVenue, sellVenue, quoteIn, baseOut,
			baseUnits(opp.InputAmount, quoteIn.Decimals), baseUnits(minOut, quoteIn.Decimals), deadline)
		if err != nil {
			return nil, err
		}
		leg.credit = quoteIn
		return []*legPlan{leg}, nil
	}

	sellRT, err := p.chain(sell.Chain)
	if err != nil {
		return nil, err
	}
	baseIn, err := sellRT.token(opp.Pair.Base)
	if err != nil {
		return nil, err
	}
	quoteOut, err := sellRT.token(opp.Pair.Quote)
	if err != nil {
		return nil, err
	}
	qty := opp.InputAmount / buy.Price * (1 - buy.FeeRate)
	proceeds := qty * sell.Price * (1 - sell.FeeRate)

	buyLeg, err := p.newLeg(buyRT, buyVenue, common.Address{}, quoteIn, baseOut,
		baseUnits(opp.InputAmount, quoteIn.Decimals), baseUnits(qty*(1-tol), baseOut.Decimals), deadline)
	if err != nil {
		return nil, err
	}
	sellLeg, err := p.newLeg(sellRT, sellVenue, common.Address{}, baseIn, quoteOut,
		baseUnits(qty, baseIn.Decimals), baseUnits(proceeds*(1-tol), quoteOut.Decimals), deadline)
	if err != nil {
		return nil, err
	}
	return []*legPlan{buyLeg, sellLeg}, nil
}

func (p *Pipeline) newLeg(rt *chainRuntime, venueA, venueB common.Address, in, out venue.Token, amountIn, minOut *big.Int, deadline uint64) (*legPlan, error) {
	tpl, err := p.templates.Get(p.shape(rt, venueA, venueB, in, out), rt.Executor, rt.GasLimit)
	if err != nil {
		return nil, err
	}
	contracts := []common.Address{rt.Executor, venueA}
	if venueB != (common.Address{}) {
		contracts = append(contracts, venueB)
	}
	return &legPlan{
		rt:        rt,
		tpl:       tpl,
		in:        in,
		credit:    out,
		amountIn:  amountIn,
		minOut:    minOut,
		deadline:  deadline,
		contracts: contracts,
	}, nil
}

func (p *Pipeline) shape(rt *chainRuntime, venueA, venueB common.Address, in, out venue.Token) RouteShape {
	return RouteShape{
		ChainID:  rt.ChainID.Uint64(),
		VenueA:   venueA,
		VenueB:   venueB,
		TokenIn:  in.Address,
		TokenOut: out.Address,
	}
}

func (p *Pipeline) chain(name domain.Chain) (*chainRuntime, error) {
	rt, ok := p.chains[name]
	if !ok {
		return nil, fmt.Errorf("executor: chain %s not configured", name)
	}
	return rt, nil
}

func (p *Pipeline) venue(h domain.Hop) (common.Address, error) {
	v, ok := p.venues[h.Venue]
	if !ok {
		return common.Address{}, fmt.Errorf("executor: no contract for venue %s", h.Venue)
	}
	if v.Chain != h.Chain {
		return common.Address{}, fmt.Errorf("executor: venue %s is on %s, route expects %s", h.Venue, v.Chain, h.Chain)
	}
	return v.Address, nil
}

func (p *Pipeline) from() common.Address {
	if p.signer == nil {
		return common.Address{}
	}
	return p.signer.Address()
}

// preflight reads each leg's chain in a single batch, concurrently across
// legs, and checks that the leg can be paid for.
func (p *Pipeline) preflight(ctx context.Context, plans []*legPlan) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PreflightTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, pl := range plans {
		g.Go(func() error {
			st, err := readPreflight(gctx, pl.rt.Client, p.from(), pl.in.Address, pl.contracts)
			if err != nil {
				return err
			}
			if len(st.Missing) > 0 {
				return fmt.Errorf("executor: no contract code at %s on %s", st.Missing[0].Hex(), pl.rt.Name)
			}
			pl.tipCap = st.TipCap
			pl.feeCap = feeCap(st.BaseFee, st.TipCap, p.cfg.MaxFeeMultiplier)
			if p.signer == nil {
				return nil
			}
			if st.TokenBalance.Cmp(pl.amountIn) < 0 {
				return fmt.Errorf("executor: token balance %s below input %s on %s", st.TokenBalance, pl.amountIn, pl.rt.Name)
			}
			budget := new(big.Int).Mul(new(big.Int).SetUint64(pl.rt.GasLimit), pl.feeCap)
			if st.NativeBalance.Cmp(budget) < 0 {
				return fmt.Errorf("executor: native balance %s below fee budget %s on %s", st.NativeBalance, budget, pl.rt.Name)
			}
			return nil
		})
	}
	return g.Wait()
}

func feeCap(baseFee, tip *big.Int, multiplier float64) *big.Int {
	scaled := decimal.NewFromBigInt(baseFee, 0).Mul(decimal.NewFromFloat(multiplier)).Ceil().BigInt()
	return scaled.Add(scaled, tip)
}

// tokenAmount converts an integer token amount into asset units.
func tokenAmount(v *big.Int, decimals int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).InexactFloat64()
}

// baseUnits converts an asset amount into its integer representation,
// rounding down.
func baseUnits(amount float64, decimals int) *big.Int {
	if !(amount > 0) {
		return new(big.Int)
	}
	return decimal.NewFromFloat(amount).Shift(int32(decimals)).Floor().BigInt()
}
