package venue

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// toUnits converts a raw base-unit integer into asset units.
func toUnits(raw *big.Int, decimals int) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).InexactFloat64()
}

// fromUnits converts an asset amount into a raw base-unit integer, rounding
// down.
func fromUnits(amount float64, decimals int) *big.Int {
	return decimal.NewFromFloat(amount).Shift(int32(decimals)).Floor().BigInt()
}
