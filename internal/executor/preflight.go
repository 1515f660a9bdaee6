package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// preflightState is everything the pipeline reads before committing a leg.
type preflightState struct {
	NativeBalance *big.Int
	TokenBalance  *big.Int
	BaseFee       *big.Int
	TipCap        *big.Int
	Missing       []common.Address
}

type blockHead struct {
	Number  hexutil.Uint64 `json:"number"`
	BaseFee *hexutil.Big   `json:"baseFeePerGas"`
}

// readPreflight issues one JSON-RPC batch with the native balance, the input
// token balance, the fee level and the code of every contract the leg
// touches.
func readPreflight(ctx context.Context, c ChainClient, from, token common.Address, contracts []common.Address) (preflightState, error) {
	calldata, err := ERC20ABI.Pack("balanceOf", from)
	if err != nil {
		return preflightState{}, fmt.Errorf("executor: encode balanceOf: %w", err)
	}

	var (
		native   hexutil.Big
		tokenRet hexutil.Bytes
		tip      hexutil.Big
		head     blockHead
		codes    = make([]hexutil.Bytes, len(contracts))
	)
	call := map[string]interface{}{"to": token, "data": hexutil.Bytes(calldata)}
	batch := []rpc.BatchElem{
		{Method: "eth_getBalance", Args: []interface{}{from, "pending"}, Result: &native},
		{Method: "eth_call", Args: []interface{}{call, "pending"}, Result: &tokenRet},
		{Method: "eth_maxPriorityFeePerGas", Result: &tip},
		{Method: "eth_getBlockByNumber", Args: []interface{}{"latest", false}, Result: &head},
	}
	for i, addr := range contracts {
		batch = append(batch, rpc.BatchElem{Method: "eth_getCode", Args: []interface{}{addr, "latest"}, Result: &codes[i]})
	}

	if err := c.BatchCallContext(ctx, batch); err != nil {
		return preflightState{}, fmt.Errorf("executor: preflight batch: %w", err)
	}
	for _, el := range batch {
		if el.Error != nil {
			return preflightState{}, fmt.Errorf("executor: preflight %s: %w", el.Method, el.Error)
		}
	}

	out, err := ERC20ABI.Unpack("balanceOf", tokenRet)
	if err != nil || len(out) != 1 {
		return preflightState{}, fmt.Errorf("executor: decode balanceOf: %v", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return preflightState{}, fmt.Errorf("executor: decode balanceOf: unexpected %T", out[0])
	}

	st := preflightState{
		NativeBalance: native.ToInt(),
		TokenBalance:  bal,
		BaseFee:       new(big.Int),
		TipCap:        tip.ToInt(),
	}
	if head.BaseFee != nil {
		st.BaseFee = head.BaseFee.ToInt()
	}
	for i, code := range codes {
		if len(code) == 0 {
			st.Missing = append(st.Missing, contracts[i])
		}
	}
	return st, nil
}
