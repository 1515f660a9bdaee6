package executor

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Positions of the patchable executeRoute arguments, in 32-byte words after
// the selector.
const (
	wordAmountIn = 4
	wordMinOut   = 5
	wordDeadline = 6
)

// RouteShape identifies a template: everything about a leg except amounts,
// deadline, nonce and fees.
type RouteShape struct {
	ChainID  uint64
	VenueA   common.Address
	VenueB   common.Address
	TokenIn  common.Address
	TokenOut common.Address
}

// Template is a pre-encoded executeRoute transaction whose amount and
// deadline words are zero placeholders.
type Template struct {
	chainID *big.Int
	to      common.Address
	gas     uint64
	data    []byte
}

// FillParams are the per-execution values patched into a template.
type FillParams struct {
	Nonce    uint64
	AmountIn *big.Int
	MinOut   *big.Int
	Deadline uint64
	TipCap   *big.Int
	FeeCap   *big.Int
}

// Fill instantiates the template. The template itself is not modified.
func (t *Template) Fill(p FillParams) (*types.Transaction, error) {
	data := bytes.Clone(t.data)
	for _, w := range []struct {
		word int
		v    *big.Int
	}{
		{wordAmountIn, p.AmountIn},
		{wordMinOut, p.MinOut},
		{wordDeadline, new(big.Int).SetUint64(p.Deadline)},
	} {
		if err := putWord(data, w.word, w.v); err != nil {
			return nil, err
		}
	}
	to := t.to
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     p.Nonce,
		GasTipCap: p.TipCap,
		GasFeeCap: p.FeeCap,
		Gas:       t.gas,
		To:        &to,
		Data:      data,
	}), nil
}

func putWord(data []byte, word int, v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
		return fmt.Errorf("executor: word %d out of range: %v", word, v)
	}
	off := 4 + 32*word
	v.FillBytes(data[off : off+32])
	return nil
}

// TemplateCache builds templates once per route shape.
type TemplateCache struct {
	mu        sync.Mutex
	templates map[RouteShape]*Template
}

func NewTemplateCache() *TemplateCache {
	return &TemplateCache{templates: make(map[RouteShape]*Template)}
}

// Get returns the template for shape, encoding it on first use.
func (c *TemplateCache) Get(shape RouteShape, executor common.Address, gas uint64) (*Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.templates[shape]; ok {
		return t, nil
	}
	zero := new(big.Int)
	data, err := ExecutorABI.Pack("executeRoute", shape.VenueA, shape.VenueB, shape.TokenIn, shape.TokenOut, zero, zero, zero)
	if err != nil {
		return nil, fmt.Errorf("executor: encode template: %w", err)
	}
	t := &Template{
		chainID: new(big.Int).SetUint64(shape.ChainID),
		to:      executor,
		gas:     gas,
		data:    data,
	}
	c.templates[shape] = t
	return t, nil
}

// Len reports how many templates are built.
func (c *TemplateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.templates)
}
