// Package imbalance computes order-flow imbalance metrics from book depth and
// the trade tape, and turns them into entry or quoting signals.
package imbalance

import (
	"fmt"
	"math"
	"strings"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/gregtusar/microflow/pkg/window"
)

type Mode string

const (
	ModeDirectional  Mode = "directional"
	ModeMarketMaking Mode = "market_making"
)

type Config struct {
	Mode Mode `mapstructure:"mode"`

	SnapshotWindow int `mapstructure:"snapshot_window"`
	TradeWindow    int `mapstructure:"trade_window"`
	SpreadWindow   int `mapstructure:"spread_window"`

	// Regime gate.
	MinSpreadSamples    int     `mapstructure:"min_spread_samples"`
	MinDepthLevels      int     `mapstructure:"min_depth_levels"`
	SpreadBandLow       float64 `mapstructure:"spread_band_low"`
	SpreadBandHigh      float64 `mapstructure:"spread_band_high"`
	MaxSpreadVolatility float64 `mapstructure:"max_spread_volatility"`

	ReferenceVolumeMultiple float64 `mapstructure:"reference_volume_multiple"`
	RecentTrades            int     `mapstructure:"recent_trades"`
	PressureLevels          int     `mapstructure:"pressure_levels"`
	DepletionScale          float64 `mapstructure:"depletion_scale"`
	LargeTradeMultiple      float64 `mapstructure:"large_trade_multiple"`
	FakeWallLevels          int     `mapstructure:"fake_wall_levels"`
	FakeWallMultiple        float64 `mapstructure:"fake_wall_multiple"`

	// Directional entry conditions.
	ImpactThreshold  float64 `mapstructure:"impact_threshold"`
	FlowImbalanceMax float64 `mapstructure:"flow_imbalance_max"`
	ToxicityMax      float64 `mapstructure:"toxicity_max"`
	FlowDirectionMax float64 `mapstructure:"flow_direction_max"`
	PressureMin      float64 `mapstructure:"pressure_min"`
	MinConditions    int     `mapstructure:"min_conditions"`

	// Market-making actions.
	ToxicityCeiling      float64 `mapstructure:"toxicity_ceiling"`
	FlowImbalanceCeiling float64 `mapstructure:"flow_imbalance_ceiling"`
	ImpactAction         float64 `mapstructure:"impact_action"`
	PressureAction       float64 `mapstructure:"pressure_action"`
	CalmThreshold        float64 `mapstructure:"calm_threshold"`
	TightOffsetTicks     int     `mapstructure:"tight_offset_ticks"`
	BaseOffsetTicks      int     `mapstructure:"base_offset_ticks"`
	SkewTicks            int     `mapstructure:"skew_ticks"`
}

func DefaultConfig(mode Mode) Config {
	cfg := Config{
		Mode:                    ModeDirectional,
		SnapshotWindow:          100,
		TradeWindow:             1000,
		SpreadWindow:            50,
		MinSpreadSamples:        5,
		MinDepthLevels:          5,
		SpreadBandLow:           0.5,
		SpreadBandHigh:          2.0,
		MaxSpreadVolatility:     0.5,
		ReferenceVolumeMultiple: 50,
		RecentTrades:            50,
		PressureLevels:          10,
		DepletionScale:          1.0,
		LargeTradeMultiple:      2,
		FakeWallLevels:          5,
		FakeWallMultiple:        50,
		ImpactThreshold:         0.3,
		FlowImbalanceMax:        0.3,
		ToxicityMax:             0.3,
		FlowDirectionMax:        0.7,
		PressureMin:             0.1,
		MinConditions:           4,
		ToxicityCeiling:         0.6,
		FlowImbalanceCeiling:    0.7,
		ImpactAction:            0.3,
		PressureAction:          0.3,
		CalmThreshold:           0.1,
		TightOffsetTicks:        0,
		BaseOffsetTicks:         1,
		SkewTicks:               2,
	}
	if mode == ModeMarketMaking {
		cfg.Mode = ModeMarketMaking
		cfg.MinDepthLevels = 3
		cfg.SpreadBandLow = 0.3
		cfg.SpreadBandHigh = 3.0
	}
	return cfg
}

// Engine is not safe for concurrent use; the owner serialises calls.
type Engine struct {
	cfg  Config
	tick float64

	books   *window.Rolling[models.OrderBook]
	trades  *window.Rolling[models.Trade]
	spreads *window.Rolling[float64]

	metrics models.ImbalanceMetrics
	fresh   bool
}

func NewEngine(cfg Config) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirectional
	}
	return &Engine{
		cfg:     cfg,
		books:   window.New[models.OrderBook](cfg.SnapshotWindow),
		trades:  window.New[models.Trade](cfg.TradeWindow),
		spreads: window.New[float64](cfg.SpreadWindow),
	}
}

func (e *Engine) SetTickSize(tick float64) { e.tick = tick }

func (e *Engine) Mode() Mode { return e.cfg.Mode }

// Metrics returns the latest metrics and whether they were computed on the
// most recent update (false when the regime gate rejected it).
func (e *Engine) Metrics() (models.ImbalanceMetrics, bool) { return e.metrics, e.fresh }

// Update ingests a snapshot and the trades printed since the previous one.
// It returns nil when the market is outside the tradable regime or no action
// qualifies.
func (e *Engine) Update(book *models.OrderBook, newTrades []models.Trade) *models.FlowSignal {
	for _, tr := range newTrades {
		e.trades.Push(tr)
	}
	e.fresh = false
	if !book.Valid() {
		return nil
	}
	e.books.Push(*book)
	e.spreads.Push(book.Spread())

	if !e.inRegime(book) {
		return nil
	}

	recent := e.recentTrades()
	avg := averageSize(recent)
	m := models.ImbalanceMetrics{
		PriceImpactImbalance:        e.priceImpact(book, avg),
		OrderbookPressure:           pressure(book, e.cfg.PressureLevels),
		MicrostructureFlowImbalance: e.microFlow(book, recent),
		Timestamp:                   book.Timestamp,
	}
	m.FlowToxicity, m.FlowDirection = e.toxicity(recent, avg)
	m.FakeBidWall = e.fakeWall(book.Bids, avg)
	m.FakeAskWall = e.fakeWall(book.Asks, avg)
	e.metrics, e.fresh = m, true

	if e.cfg.Mode == ModeMarketMaking {
		return e.quoteSignal(book, m)
	}
	return e.entrySignal(book, m)
}

func (e *Engine) inRegime(book *models.OrderBook) bool {
	if len(book.Bids) < e.cfg.MinDepthLevels || len(book.Asks) < e.cfg.MinDepthLevels {
		return false
	}
	spreads := e.spreads.Snapshot()
	if len(spreads) < e.cfg.MinSpreadSamples {
		return false
	}
	mean, std := meanStd(spreads)
	if mean <= 0 {
		return false
	}
	ratio := book.Spread() / mean
	if ratio < e.cfg.SpreadBandLow || ratio > e.cfg.SpreadBandHigh {
		return false
	}
	return std/mean <= e.cfg.MaxSpreadVolatility
}

func (e *Engine) recentTrades() []models.Trade {
	all := e.trades.Snapshot()
	if n := e.cfg.RecentTrades; n > 0 && len(all) > n {
		return all[len(all)-n:]
	}
	return all
}

// priceImpact compares the cost of buying and selling a reference volume.
// Positive means pushing price up is cheaper than pushing it down.
func (e *Engine) priceImpact(book *models.OrderBook, avgTrade float64) float64 {
	ref := e.cfg.ReferenceVolumeMultiple * avgTrade
	if ref <= 0 {
		ref = (book.Bids[0].Size + book.Asks[0].Size) / 2
	}
	mid := book.Mid()
	buyPx := sweepPrice(book.Asks, ref)
	sellPx := sweepPrice(book.Bids, ref)
	if mid <= 0 || buyPx <= 0 || sellPx <= 0 {
		return 0
	}
	buyImpact := (buyPx - mid) / mid
	sellImpact := (mid - sellPx) / mid
	sum := buyImpact + sellImpact
	if sum <= 0 {
		return 0
	}
	return clamp((sellImpact-buyImpact)/sum, -1, 1)
}

// sweepPrice is the volume-weighted price of consuming volume from levels.
// Volume beyond the visible book is charged at the last level.
func sweepPrice(levels []models.OrderBookLevel, volume float64) float64 {
	if len(levels) == 0 || volume <= 0 {
		return 0
	}
	remaining, cost := volume, 0.0
	for _, l := range levels {
		take := math.Min(remaining, l.Size)
		cost += take * l.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		cost += remaining * levels[len(levels)-1].Price
	}
	return cost / volume
}

// pressure weights each level by 1/(1+index) and returns the normalised
// bid-minus-ask resistance.
func pressure(book *models.OrderBook, levels int) float64 {
	weigh := func(side []models.OrderBookLevel) float64 {
		total := 0.0
		for i, l := range side {
			if i >= levels {
				break
			}
			total += l.Size / float64(1+i)
		}
		return total
	}
	bid, ask := weigh(book.Bids), weigh(book.Asks)
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// microFlow converts per-side consumption rates into the time needed to eat
// the opposite best level, scores each direction min(k/t, 1) and returns
// buy pressure minus sell pressure.
func (e *Engine) microFlow(book *models.OrderBook, trades []models.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	span := trades[len(trades)-1].Timestamp.Sub(trades[0].Timestamp).Seconds()
	if span <= 0 {
		return 0
	}
	var buyVol, sellVol float64
	for _, tr := range trades {
		if tr.Side == models.TradeSideBuy {
			buyVol += tr.Quantity
		} else {
			sellVol += tr.Quantity
		}
	}
	score := func(rate, level float64) float64 {
		if rate <= 0 || level <= 0 {
			return 0
		}
		depletion := level / rate
		return math.Min(e.cfg.DepletionScale/depletion, 1)
	}
	buyP := score(buyVol/span, book.Asks[0].Size)
	sellP := score(sellVol/span, book.Bids[0].Size)
	return buyP - sellP
}

// toxicity is the signed skew of large-trade volume as a share of all
// volume; direction is the plain buy/sell volume imbalance.
func (e *Engine) toxicity(trades []models.Trade, avg float64) (float64, float64) {
	var total, buy, sell, largeBuy, largeSell float64
	large := e.cfg.LargeTradeMultiple * avg
	for _, tr := range trades {
		total += tr.Quantity
		isLarge := avg > 0 && tr.Quantity > large
		if tr.Side == models.TradeSideBuy {
			buy += tr.Quantity
			if isLarge {
				largeBuy += tr.Quantity
			}
		} else {
			sell += tr.Quantity
			if isLarge {
				largeSell += tr.Quantity
			}
		}
	}
	if total == 0 {
		return 0, 0
	}
	return clamp(math.Abs(largeBuy-largeSell)/total, 0, 1), clamp((buy-sell)/total, -1, 1)
}

func (e *Engine) fakeWall(levels []models.OrderBookLevel, avg float64) bool {
	if avg <= 0 {
		return false
	}
	limit := e.cfg.FakeWallMultiple * avg
	for i, l := range levels {
		if i >= e.cfg.FakeWallLevels {
			break
		}
		if l.Size > limit {
			return true
		}
	}
	return false
}

type condition struct {
	name string
	ok   bool
}

func (e *Engine) entrySignal(book *models.OrderBook, m models.ImbalanceMetrics) *models.FlowSignal {
	c := e.cfg
	common := []condition{
		{"flow_balanced", math.Abs(m.MicrostructureFlowImbalance) <= c.FlowImbalanceMax},
		{"low_toxicity", m.FlowToxicity <= c.ToxicityMax},
		{"direction_not_crowded", math.Abs(m.FlowDirection) <= c.FlowDirectionMax},
	}
	buy := append([]condition{
		{"impact_up", m.PriceImpactImbalance >= c.ImpactThreshold},
		{"fake_ask_wall", m.FakeAskWall},
		{"bid_pressure", m.OrderbookPressure >= c.PressureMin},
	}, common...)
	sell := append([]condition{
		{"impact_down", m.PriceImpactImbalance <= -c.ImpactThreshold},
		{"fake_bid_wall", m.FakeBidWall},
		{"ask_pressure", m.OrderbookPressure <= -c.PressureMin},
	}, common...)

	side, conds := models.OrderSideBuy, buy
	if !buy[0].ok {
		side, conds = models.OrderSideSell, sell
	}
	// impact is the primary condition; the others only corroborate it
	if !conds[0].ok {
		return nil
	}
	met := make([]string, 0, len(conds))
	for _, cd := range conds {
		if cd.ok {
			met = append(met, cd.name)
		}
	}
	if len(met) < c.MinConditions {
		return nil
	}

	price := book.BestBid()
	if side == models.OrderSideBuy {
		if p := price + e.tick; e.tick > 0 && p < book.BestAsk() {
			price = p
		}
	} else {
		price = book.BestAsk()
		if p := price - e.tick; e.tick > 0 && p > book.BestBid() {
			price = p
		}
	}
	return &models.FlowSignal{
		Action:        models.FlowActionEntry,
		Side:          side,
		Price:         price,
		ConditionsMet: len(met),
		Reason:        fmt.Sprintf("%s %d/%d: %s", side, len(met), len(conds), strings.Join(met, ",")),
		Metrics:       m,
		Timestamp:     book.Timestamp,
	}
}

func (e *Engine) quoteSignal(book *models.OrderBook, m models.ImbalanceMetrics) *models.FlowSignal {
	c := e.cfg
	sig := &models.FlowSignal{Metrics: m, Timestamp: book.Timestamp}

	switch {
	case m.FlowToxicity > c.ToxicityCeiling:
		sig.Action = models.FlowActionCancel
		sig.Reason = fmt.Sprintf("toxicity %.2f above %.2f", m.FlowToxicity, c.ToxicityCeiling)
	case math.Abs(m.MicrostructureFlowImbalance) > c.FlowImbalanceCeiling:
		sig.Action = models.FlowActionCancel
		sig.Reason = fmt.Sprintf("flow imbalance %.2f above %.2f", m.MicrostructureFlowImbalance, c.FlowImbalanceCeiling)
	case math.Abs(m.PriceImpactImbalance) > c.ImpactAction || math.Abs(m.OrderbookPressure) > c.PressureAction:
		sig.Action = models.FlowActionSetup
		sig.BidOffsetTicks, sig.AskOffsetTicks = c.BaseOffsetTicks, c.BaseOffsetTicks
		// widen the side the pressure is pushing into
		bias := m.PriceImpactImbalance + m.OrderbookPressure
		switch {
		case bias > 0:
			sig.AskOffsetTicks += c.SkewTicks
			sig.Reason = fmt.Sprintf("upward pressure %.2f, ask widened", bias)
		case bias < 0:
			sig.BidOffsetTicks += c.SkewTicks
			sig.Reason = fmt.Sprintf("downward pressure %.2f, bid widened", bias)
		default:
			sig.Reason = "balanced pressure"
		}
	case math.Abs(m.PriceImpactImbalance) < c.CalmThreshold && math.Abs(m.OrderbookPressure) < c.CalmThreshold &&
		m.FlowToxicity <= c.ToxicityMax:
		sig.Action = models.FlowActionSetup
		sig.BidOffsetTicks, sig.AskOffsetTicks = c.TightOffsetTicks, c.TightOffsetTicks
		sig.Reason = "calm book, symmetric quotes"
	default:
		return nil
	}
	return sig
}

func averageSize(trades []models.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	sum := 0.0
	for _, tr := range trades {
		sum += tr.Quantity
	}
	return sum / float64(len(trades))
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(v / float64(len(xs)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Reset clears history, used when the traded market changes.
func (e *Engine) Reset() {
	e.books.Reset()
	e.trades.Reset()
	e.spreads.Reset()
	e.metrics, e.fresh = models.ImbalanceMetrics{}, false
}
