package executor

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// executeRoute swaps amountIn of tokenIn for tokenOut on venueA and, when
// venueB is set, swaps the proceeds back to tokenIn on venueB. The final
// output is transferred to the caller. The call reverts unless that output
// reaches minAmountOut before deadline.
const executorJSON = `[
  {"name":"executeRoute","type":"function","stateMutability":"nonpayable",
   "inputs":[
     {"name":"venueA","type":"address"},
     {"name":"venueB","type":"address"},
     {"name":"tokenIn","type":"address"},
     {"name":"tokenOut","type":"address"},
     {"name":"amountIn","type":"uint256"},
     {"name":"minAmountOut","type":"uint256"},
     {"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const erc20JSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"Transfer","type":"event","anonymous":false,
   "inputs":[
     {"name":"from","type":"address","indexed":true},
     {"name":"to","type":"address","indexed":true},
     {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	ExecutorABI = mustParse(executorJSON)
	ERC20ABI    = mustParse(erc20JSON)
)

func mustParse(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("executor: parse abi: " + err.Error())
	}
	return parsed
}
