package executor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ChainClient is the JSON-RPC surface the pipeline uses on one chain.
type ChainClient interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type ethClient struct {
	*ethclient.Client
	raw *rpc.Client
}

// NewChainClient adapts a JSON-RPC connection.
func NewChainClient(rc *rpc.Client) ChainClient {
	return &ethClient{Client: ethclient.NewClient(rc), raw: rc}
}

func (c *ethClient) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	return c.raw.BatchCallContext(ctx, b)
}
