package venue

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const constantProductABI = `[
	{"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
	{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const concentratedABI = `[
	{"name":"slot0","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}]},
	{"name":"liquidity","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint128"}]},
	{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const vaultABI = `[
	{"name":"queryBatchSwap","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"kind","type":"uint8"},
		{"name":"swaps","type":"tuple[]","components":[
			{"name":"poolId","type":"bytes32"},{"name":"assetInIndex","type":"uint256"},
			{"name":"assetOutIndex","type":"uint256"},{"name":"amount","type":"uint256"},
			{"name":"userData","type":"bytes"}]},
		{"name":"assets","type":"address[]"},
		{"name":"funds","type":"tuple","components":[
			{"name":"sender","type":"address"},{"name":"fromInternalBalance","type":"bool"},
			{"name":"recipient","type":"address"},{"name":"toInternalBalance","type":"bool"}]}],
	 "outputs":[{"name":"assetDeltas","type":"int256[]"}]},
	{"name":"getPoolTokens","type":"function","stateMutability":"view","inputs":[{"name":"poolId","type":"bytes32"}],"outputs":[
		{"name":"tokens","type":"address[]"},{"name":"balances","type":"uint256[]"},{"name":"lastChangeBlock","type":"uint256"}]}
]`

// Parsed ABIs for the default encoders.
var (
	ConstantProductABI = mustParse(constantProductABI)
	ConcentratedABI    = mustParse(concentratedABI)
	VaultABI           = mustParse(vaultABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("venue: invalid built-in ABI: " + err.Error())
	}
	return parsed
}
