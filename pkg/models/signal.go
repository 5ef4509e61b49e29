package models

import (
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

func (d Direction) OrderSide() OrderSide {
	if d == DirectionLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

type TradingSignal struct {
	Symbol                  string    `json:"symbol"`
	Direction               Direction `json:"direction"`
	Confidence              float64   `json:"confidence"`
	Strength                float64   `json:"strength"`
	EntryPrice              float64   `json:"entry_price"`
	TakeProfit              float64   `json:"take_profit"`
	StopLoss                float64   `json:"stop_loss"`
	Reason                  string    `json:"reason"`
	Timestamp               time.Time `json:"timestamp"`
	ExpectedDurationSeconds int       `json:"expected_duration_seconds"`
}

type BookSide string

const (
	BookSideBid BookSide = "BID"
	BookSideAsk BookSide = "ASK"
)

type PatternType string

const (
	PatternLiquidityWithdrawal PatternType = "LIQUIDITY_WITHDRAWAL"
	PatternLiquiditySurge      PatternType = "LIQUIDITY_SURGE"
	PatternAccumulation        PatternType = "ACCUMULATION"
	PatternDistribution        PatternType = "DISTRIBUTION"
	PatternMarketMakerShift    PatternType = "MARKET_MAKER_SHIFT"
	PatternSweepPrep           PatternType = "SWEEP_PREP"
	PatternIceberg             PatternType = "ICEBERG"
)

type Pattern struct {
	Type        PatternType `json:"type"`
	Side        BookSide    `json:"side"`
	Strength    float64     `json:"strength"`
	Description string      `json:"description"`
}

// Derivatives are first-order rates of change between two book snapshots.
type Derivatives struct {
	BidVelocity    float64       `json:"bid_velocity"`
	AskVelocity    float64       `json:"ask_velocity"`
	BidRate        float64       `json:"bid_rate"`
	AskRate        float64       `json:"ask_rate"`
	PriceVelocity  float64       `json:"price_velocity"`
	ImbalanceRatio float64       `json:"imbalance_ratio"`
	Mid            float64       `json:"mid"`
	Elapsed        time.Duration `json:"elapsed"`
	Timestamp      time.Time     `json:"timestamp"`
}

type ImbalanceMetrics struct {
	PriceImpactImbalance        float64   `json:"price_impact_imbalance"`
	OrderbookPressure           float64   `json:"orderbook_pressure"`
	MicrostructureFlowImbalance float64   `json:"microstructure_flow_imbalance"`
	FlowToxicity                float64   `json:"flow_toxicity"`
	FlowDirection               float64   `json:"flow_direction"`
	FakeBidWall                 bool      `json:"fake_bid_wall"`
	FakeAskWall                 bool      `json:"fake_ask_wall"`
	Timestamp                   time.Time `json:"timestamp"`
}

type FlowAction string

const (
	FlowActionEntry  FlowAction = "ENTRY"
	FlowActionSetup  FlowAction = "SETUP"
	FlowActionCancel FlowAction = "CANCEL"
)

// FlowSignal is emitted by the imbalance engine. Entry signals carry Side and
// Price; setup signals carry quote offsets in ticks from the best prices.
type FlowSignal struct {
	Action         FlowAction       `json:"action"`
	Side           OrderSide        `json:"side,omitempty"`
	Price          float64          `json:"price,omitempty"`
	ConditionsMet  int              `json:"conditions_met,omitempty"`
	BidOffsetTicks int              `json:"bid_offset_ticks"`
	AskOffsetTicks int              `json:"ask_offset_ticks"`
	Reason         string           `json:"reason"`
	Metrics        ImbalanceMetrics `json:"metrics"`
	Timestamp      time.Time        `json:"timestamp"`
}
