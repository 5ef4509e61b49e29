package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderBookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a depth snapshot. Bids are sorted by descending price, asks by
// ascending price.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

func (b *OrderBook) BestBid() float64 {
	if b == nil || len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

func (b *OrderBook) BestAsk() float64 {
	if b == nil || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Valid reports whether both sides are populated and the book is not crossed.
func (b *OrderBook) Valid() bool {
	if b == nil || len(b.Bids) == 0 || len(b.Asks) == 0 {
		return false
	}
	return b.Bids[0].Price < b.Asks[0].Price
}

func (b *OrderBook) Mid() float64 {
	if !b.Valid() {
		return 0
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2
}

func (b *OrderBook) Spread() float64 {
	if !b.Valid() {
		return 0
	}
	return b.Asks[0].Price - b.Bids[0].Price
}

// Depth sums the size of the first n levels of a side. n <= 0 means all levels.
func Depth(levels []OrderBookLevel, n int) float64 {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	total := 0.0
	for _, l := range levels[:n] {
		total += l.Size
	}
	return total
}

type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Trade is a print from the tape. Side is the aggressor direction.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      TradeSide `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// MarketCandidate is a listed instrument considered during market selection.
type MarketCandidate struct {
	Symbol         string
	LastPrice      float64
	QuoteVolume24h float64
}

type MarketParameters struct {
	Symbol       string    `json:"symbol"`
	TickSize     float64   `json:"tick_size"`
	StepSize     float64   `json:"step_size"`
	MinOrderSize float64   `json:"min_order_size"`
	MinNotional  float64   `json:"min_notional"`
	MakerFeeRate float64   `json:"maker_fee_rate"`
	TakerFeeRate float64   `json:"taker_fee_rate"`
	ATR          float64   `json:"atr"`
	ATRBps       float64   `json:"atr_bps"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RoundPrice rounds to the nearest tick.
func (m *MarketParameters) RoundPrice(price float64) float64 {
	return roundTo(price, m.TickSize, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

// FloorPrice rounds down to a tick boundary.
func (m *MarketParameters) FloorPrice(price float64) float64 {
	return roundTo(price, m.TickSize, decimal.Decimal.Floor)
}

// CeilPrice rounds up to a tick boundary.
func (m *MarketParameters) CeilPrice(price float64) float64 {
	return roundTo(price, m.TickSize, decimal.Decimal.Ceil)
}

// FloorQuantity rounds a quantity down to the step size.
func (m *MarketParameters) FloorQuantity(qty float64) float64 {
	return roundTo(qty, m.StepSize, decimal.Decimal.Floor)
}

func (m *MarketParameters) CeilQuantity(qty float64) float64 {
	return roundTo(qty, m.StepSize, decimal.Decimal.Ceil)
}

// roundTo works in decimal so that 0.1-style increments do not accumulate
// binary float error (60 / 0.01 must give exactly 6000 steps).
func roundTo(v, increment float64, mode func(decimal.Decimal) decimal.Decimal) float64 {
	if increment <= 0 {
		return v
	}
	inc := decimal.NewFromFloat(increment)
	// residue below 1e-9 steps is float noise, not a real fraction of a step
	steps := mode(decimal.NewFromFloat(v).Div(inc).Round(9))
	out, _ := steps.Mul(inc).Float64()
	return out
}
