// Package grid implements the per-symbol GridWorker: a single-goroutine
// actor that owns a core.GridState and reacts to ticks and commands
// delivered over its mailbox. No GridState field is ever touched from
// outside the worker's own goroutine.
package grid

import (
	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
	"gridtrader/pkg/tradingutils"
)

// BuildLevels constructs the grid_count center-aligned levels for params,
// per §3: price = lower + (index+0.5)*spacing, quantity = invest_per_level /
// price rounded to lotStep.
func BuildLevels(params core.GridParameters, lotStep int32) []core.GridLevel {
	levels := make([]core.GridLevel, params.GridCount)
	half := decimal.NewFromFloat(0.5)
	for i := 0; i < params.GridCount; i++ {
		offset := decimal.NewFromInt(int64(i)).Add(half).Mul(params.Spacing)
		price := params.LowerPrice.Add(offset)
		qty := tradingutils.RoundQuantity(params.InvestPerLevel.Div(price), int(lotStep))
		levels[i] = core.GridLevel{
			Index:    i,
			Price:    price,
			Quantity: qty,
		}
	}
	return levels
}

// CrossingIndex returns k = floor((p - lower) / spacing), clamped to
// [0, grid_count-1] per §4.1 step 1 of the initial placement algorithm.
func CrossingIndex(params core.GridParameters, price decimal.Decimal) int {
	raw := price.Sub(params.LowerPrice).Div(params.Spacing).Floor()
	k := int(raw.IntPart())
	if k < 0 {
		k = 0
	}
	if k > params.GridCount-1 {
		k = params.GridCount - 1
	}
	return k
}

// NextSellPrice returns the next-higher grid price for a filled buy,
// clamped to upper_price (§4.1 fill-detection, BUY filled case).
func NextSellPrice(params core.GridParameters, levelPrice decimal.Decimal) decimal.Decimal {
	next := levelPrice.Add(params.Spacing)
	if next.GreaterThan(params.UpperPrice) {
		return params.UpperPrice
	}
	return next
}
