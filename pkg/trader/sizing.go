package trader

import (
	"math"

	"github.com/gregtusar/microflow/pkg/models"
)

// PositionSize risks riskCap of balance over stopDistance, capped by
// maxLeverage x balance in notional, rounded down to the step size. The
// result is zero when the balance is below the minimum notional or when the
// exchange minimum order would risk more than the cap; nothing should be
// placed then.
func PositionSize(balance, price, stopDistance, riskCap, maxLeverage float64, mp *models.MarketParameters) float64 {
	if balance <= 0 || price <= 0 || stopDistance <= 0 || riskCap <= 0 || mp == nil {
		return 0
	}
	if balance < mp.MinNotional {
		return 0
	}
	size := riskCap * balance / stopDistance
	if maxLeverage > 0 {
		size = math.Min(size, balance*maxLeverage/price)
	}
	size = mp.FloorQuantity(size)

	minSize := mp.MinOrderSize
	if mp.MinNotional > 0 {
		minSize = math.Max(minSize, mp.CeilQuantity(mp.MinNotional/price))
	}
	// never raised to the minimum: that would exceed the risk or leverage cap
	if size <= 0 || size < minSize {
		return 0
	}
	return size
}

// TakeProfitPrice is entry +/- tpATR x atr, never closer than minTicks to
// entry, and never on the crossing side of the opposite best price so it can
// rest as a maker order. Rounding is away from the book.
func TakeProfitPrice(side models.PositionSide, entry, atr, tpATR float64, minTicks int, bestBid, bestAsk float64, mp *models.MarketParameters) float64 {
	floor := float64(minTicks) * mp.TickSize
	if side == models.PositionLong {
		target := math.Max(entry+tpATR*atr, entry+floor)
		if bestAsk > 0 {
			target = math.Max(target, bestAsk)
		}
		return mp.CeilPrice(target)
	}
	target := math.Min(entry-tpATR*atr, entry-floor)
	if bestBid > 0 {
		target = math.Min(target, bestBid)
	}
	return mp.FloorPrice(target)
}

func StopLossPrice(side models.PositionSide, entry, atr, slATR float64, mp *models.MarketParameters) float64 {
	if side == models.PositionLong {
		return mp.FloorPrice(entry - slATR*atr)
	}
	return mp.CeilPrice(entry + slATR*atr)
}
