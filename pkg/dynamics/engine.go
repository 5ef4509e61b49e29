// Package dynamics derives liquidity velocity and discrete liquidity patterns
// from a stream of order book snapshots.
package dynamics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/gregtusar/microflow/pkg/window"
)

type Config struct {
	WindowSize       int `mapstructure:"window_size"`
	SpreadWindowSize int `mapstructure:"spread_window_size"`
	DepthLevels      int `mapstructure:"depth_levels"`

	// Rates are fractions of prior depth per second.
	SurgeRate      float64 `mapstructure:"surge_rate"`
	WithdrawalRate float64 `mapstructure:"withdrawal_rate"`
	// Mid drift below this many bps per second counts as unchanged price.
	StablePriceBps float64 `mapstructure:"stable_price_bps"`

	SustainCycles      int     `mapstructure:"sustain_cycles"`
	SymmetryTolerance  float64 `mapstructure:"symmetry_tolerance"`
	SweepSurges        int     `mapstructure:"sweep_surges"`
	IcebergRefills     int     `mapstructure:"iceberg_refills"`
	IcebergRefillRatio float64 `mapstructure:"iceberg_refill_ratio"`

	MinPatterns       int           `mapstructure:"min_patterns"`
	MinSignalStrength float64       `mapstructure:"min_signal_strength"`
	Cooldown          time.Duration `mapstructure:"cooldown"`

	TakeProfitATR     float64       `mapstructure:"take_profit_atr"`
	StopLossATR       float64       `mapstructure:"stop_loss_atr"`
	FallbackATRBps    float64       `mapstructure:"fallback_atr_bps"`
	MaxImbalanceRatio float64       `mapstructure:"max_imbalance_ratio"`
	ExpectedDuration  time.Duration `mapstructure:"expected_duration"`
}

func DefaultConfig() Config {
	return Config{
		WindowSize:         20,
		SpreadWindowSize:   50,
		DepthLevels:        10,
		SurgeRate:          0.10,
		WithdrawalRate:     0.10,
		StablePriceBps:     2,
		SustainCycles:      3,
		SymmetryTolerance:  0.3,
		SweepSurges:        2,
		IcebergRefills:     3,
		IcebergRefillRatio: 0.9,
		MinPatterns:        2,
		MinSignalStrength:  60,
		Cooldown:           3 * time.Second,
		TakeProfitATR:      0.5,
		StopLossATR:        1.0,
		FallbackATRBps:     10,
		MaxImbalanceRatio:  100,
		ExpectedDuration:   30 * time.Second,
	}
}

// Engine is not safe for concurrent use; the owner serialises calls.
type Engine struct {
	cfg    Config
	symbol string
	atr    float64

	books   *window.Rolling[models.OrderBook]
	spreads *window.Rolling[float64]
	derivs  *window.Rolling[models.Derivatives]

	last       models.Derivatives
	patterns   []models.Pattern
	counts     map[models.PatternType]int
	lastSignal time.Time
}

func NewEngine(symbol string, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.WindowSize < 2 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.SpreadWindowSize < 1 {
		cfg.SpreadWindowSize = def.SpreadWindowSize
	}
	if cfg.SurgeRate <= 0 {
		cfg.SurgeRate = def.SurgeRate
	}
	if cfg.WithdrawalRate <= 0 {
		cfg.WithdrawalRate = def.WithdrawalRate
	}
	if cfg.MaxImbalanceRatio <= 0 {
		cfg.MaxImbalanceRatio = def.MaxImbalanceRatio
	}
	if cfg.MinPatterns < 1 {
		cfg.MinPatterns = 1
	}
	return &Engine{
		cfg:     cfg,
		symbol:  symbol,
		books:   window.New[models.OrderBook](cfg.WindowSize),
		spreads: window.New[float64](cfg.SpreadWindowSize),
		derivs:  window.New[models.Derivatives](cfg.WindowSize),
		counts:  make(map[models.PatternType]int),
	}
}

// SetATR sets the volatility used to place signal targets.
func (e *Engine) SetATR(atr float64) { e.atr = atr }

// Update ingests a snapshot and returns a signal when pattern confluence and
// strength clear the configured thresholds and the cooldown has elapsed.
// Empty, one-sided or crossed books are ignored.
func (e *Engine) Update(book *models.OrderBook) *models.TradingSignal {
	if !book.Valid() {
		return nil
	}
	e.books.Push(*book)
	e.spreads.Push(book.Spread())

	prev, ok := e.books.Last(1)
	if !ok {
		return nil
	}
	d, ok := e.derive(prev, *book)
	if !ok {
		e.patterns = nil
		return nil
	}
	e.last = d
	e.derivs.Push(d)

	e.patterns = e.classify(d)
	for _, p := range e.patterns {
		e.counts[p.Type]++
	}
	return e.maybeSignal(book)
}

func (e *Engine) derive(prev, cur models.OrderBook) (models.Derivatives, bool) {
	dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return models.Derivatives{}, false
	}
	pb, cb := models.Depth(prev.Bids, e.cfg.DepthLevels), models.Depth(cur.Bids, e.cfg.DepthLevels)
	pa, ca := models.Depth(prev.Asks, e.cfg.DepthLevels), models.Depth(cur.Asks, e.cfg.DepthLevels)

	d := models.Derivatives{
		BidVelocity:   (cb - pb) / dt,
		AskVelocity:   (ca - pa) / dt,
		PriceVelocity: (cur.Mid() - prev.Mid()) / dt,
		Mid:           cur.Mid(),
		Elapsed:       cur.Timestamp.Sub(prev.Timestamp),
		Timestamp:     cur.Timestamp,
	}
	if pb > 0 {
		d.BidRate = (cb - pb) / (pb * dt)
	}
	if pa > 0 {
		d.AskRate = (ca - pa) / (pa * dt)
	}
	d.ImbalanceRatio = imbalanceRatio(d.BidVelocity, d.AskVelocity, e.cfg.MaxImbalanceRatio)
	return d, true
}

// imbalanceRatio is bid/ask velocity; a flat ask side is treated as the
// extreme of the bid velocity's sign rather than a division fault.
func imbalanceRatio(bidV, askV, limit float64) float64 {
	if askV == 0 {
		if bidV == 0 {
			return 0
		}
		return math.Copysign(limit, bidV)
	}
	r := bidV / askV
	return math.Max(-limit, math.Min(limit, r))
}

func (e *Engine) strength(magnitude, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return math.Min(100, 50*magnitude/threshold)
}

func (e *Engine) classify(d models.Derivatives) []models.Pattern {
	var out []models.Pattern

	stable := d.Mid > 0 && math.Abs(d.PriceVelocity)/d.Mid*1e4 <= e.cfg.StablePriceBps
	sides := []struct {
		side models.BookSide
		rate float64
	}{
		{models.BookSideBid, d.BidRate},
		{models.BookSideAsk, d.AskRate},
	}
	for _, s := range sides {
		if !stable {
			continue
		}
		switch {
		case s.rate >= e.cfg.SurgeRate:
			out = append(out, models.Pattern{
				Type:        models.PatternLiquiditySurge,
				Side:        s.side,
				Strength:    e.strength(s.rate, e.cfg.SurgeRate),
				Description: fmt.Sprintf("%s depth +%.1f%%/s at steady price", s.side, s.rate*100),
			})
		case s.rate <= -e.cfg.WithdrawalRate:
			out = append(out, models.Pattern{
				Type:        models.PatternLiquidityWithdrawal,
				Side:        s.side,
				Strength:    e.strength(-s.rate, e.cfg.WithdrawalRate),
				Description: fmt.Sprintf("%s depth %.1f%%/s at steady price", s.side, s.rate*100),
			})
		}
	}

	if p, ok := e.sustained(); ok {
		out = append(out, p)
	}
	if p, ok := e.marketMakerShift(d); ok {
		out = append(out, p)
	}
	if p, ok := e.sweepPrep(d); ok {
		out = append(out, p)
	}
	out = append(out, e.icebergs()...)
	return out
}

// sustained looks for depth building against the price move over the last
// SustainCycles derivatives: bids growing into a falling price is
// accumulation, asks growing into a rising price is distribution.
func (e *Engine) sustained() (models.Pattern, bool) {
	n := e.cfg.SustainCycles
	if n < 1 || e.derivs.Len() < n {
		return models.Pattern{}, false
	}
	accum, distrib := true, true
	var bidSum, askSum float64
	for i := 0; i < n; i++ {
		d, _ := e.derivs.Last(i)
		if !(d.BidRate > 0 && d.PriceVelocity < 0) {
			accum = false
		}
		if !(d.AskRate > 0 && d.PriceVelocity > 0) {
			distrib = false
		}
		bidSum += d.BidRate
		askSum += d.AskRate
	}
	bidMean, askMean := bidSum/float64(n), askSum/float64(n)
	if accum && bidMean >= e.cfg.SurgeRate {
		return models.Pattern{
			Type:        models.PatternAccumulation,
			Side:        models.BookSideBid,
			Strength:    e.strength(bidMean, e.cfg.SurgeRate),
			Description: fmt.Sprintf("bids building into falling price for %d cycles", n),
		}, true
	}
	if distrib && askMean >= e.cfg.SurgeRate {
		return models.Pattern{
			Type:        models.PatternDistribution,
			Side:        models.BookSideAsk,
			Strength:    e.strength(askMean, e.cfg.SurgeRate),
			Description: fmt.Sprintf("asks building into rising price for %d cycles", n),
		}, true
	}
	return models.Pattern{}, false
}

func (e *Engine) marketMakerShift(d models.Derivatives) (models.Pattern, bool) {
	if d.BidRate*d.AskRate <= 0 {
		return models.Pattern{}, false
	}
	b, a := math.Abs(d.BidRate), math.Abs(d.AskRate)
	lo, hi := math.Min(b, a), math.Max(b, a)
	if lo < e.cfg.SurgeRate/2 || hi-lo > e.cfg.SymmetryTolerance*hi {
		return models.Pattern{}, false
	}
	side := models.BookSideBid
	if a > b {
		side = models.BookSideAsk
	}
	dir := "added"
	if d.BidRate < 0 {
		dir = "pulled"
	}
	return models.Pattern{
		Type:        models.PatternMarketMakerShift,
		Side:        side,
		Strength:    e.strength((b+a)/2, e.cfg.SurgeRate),
		Description: fmt.Sprintf("depth %s symmetrically on both sides", dir),
	}, true
}

// sweepPrep fires when a side that recently surged is suddenly pulled.
func (e *Engine) sweepPrep(d models.Derivatives) (models.Pattern, bool) {
	check := func(side models.BookSide, rate float64, pick func(models.Derivatives) float64) (models.Pattern, bool) {
		if rate > -e.cfg.WithdrawalRate {
			return models.Pattern{}, false
		}
		surges := 0
		for i := 1; i < e.derivs.Len(); i++ {
			prior, _ := e.derivs.Last(i)
			if pick(prior) >= e.cfg.SurgeRate {
				surges++
			}
		}
		if surges < e.cfg.SweepSurges {
			return models.Pattern{}, false
		}
		return models.Pattern{
			Type:        models.PatternSweepPrep,
			Side:        side,
			Strength:    math.Min(100, e.strength(-rate, e.cfg.WithdrawalRate)+10*float64(surges)),
			Description: fmt.Sprintf("%s pulled after %d surges", side, surges),
		}, true
	}
	if p, ok := check(models.BookSideBid, d.BidRate, func(x models.Derivatives) float64 { return x.BidRate }); ok {
		return p, true
	}
	return check(models.BookSideAsk, d.AskRate, func(x models.Derivatives) float64 { return x.AskRate })
}

// icebergs counts replenishments of the best level at an unchanged price
// after partial consumption.
func (e *Engine) icebergs() []models.Pattern {
	books := e.books.Snapshot()
	if len(books) < 3 || e.cfg.IcebergRefills < 1 {
		return nil
	}
	var out []models.Pattern
	scan := func(side models.BookSide, levels func(models.OrderBook) []models.OrderBookLevel) {
		refills := 0
		consumed := false
		peak := 0.0
		for i := 1; i < len(books); i++ {
			pl, cl := levels(books[i-1]), levels(books[i])
			if len(pl) == 0 || len(cl) == 0 {
				continue
			}
			if pl[0].Price != cl[0].Price {
				refills, consumed = 0, false
				continue
			}
			switch {
			case cl[0].Size < pl[0].Size:
				if !consumed {
					peak = pl[0].Size
				}
				consumed = true
			case consumed && cl[0].Size >= e.cfg.IcebergRefillRatio*peak:
				refills++
				consumed = false
			}
		}
		if refills >= e.cfg.IcebergRefills {
			out = append(out, models.Pattern{
				Type:        models.PatternIceberg,
				Side:        side,
				Strength:    math.Min(100, 25*float64(refills)),
				Description: fmt.Sprintf("%s best level refilled %d times", side, refills),
			})
		}
	}
	scan(models.BookSideBid, func(b models.OrderBook) []models.OrderBookLevel { return b.Bids })
	scan(models.BookSideAsk, func(b models.OrderBook) []models.OrderBookLevel { return b.Asks })
	return out
}

// bullish reports whether p argues for higher prices. MARKET_MAKER_SHIFT is neutral.
func bullish(p models.Pattern) (bull bool, neutral bool) {
	switch p.Type {
	case models.PatternLiquiditySurge, models.PatternAccumulation, models.PatternIceberg:
		return p.Side == models.BookSideBid, false
	case models.PatternLiquidityWithdrawal, models.PatternSweepPrep:
		return p.Side == models.BookSideAsk, false
	case models.PatternDistribution:
		return false, false
	}
	return false, true
}

type tally struct {
	bull, bear       float64
	bullPat, bearPat []models.Pattern
}

func tallyPatterns(patterns []models.Pattern) tally {
	var t tally
	for _, p := range patterns {
		bull, neutral := bullish(p)
		switch {
		case neutral:
		case bull:
			t.bull += p.Strength
			t.bullPat = append(t.bullPat, p)
		default:
			t.bear += p.Strength
			t.bearPat = append(t.bearPat, p)
		}
	}
	return t
}

// Dominant returns the direction the current patterns favour and its summed strength.
func (e *Engine) Dominant() (models.Direction, float64, bool) {
	t := tallyPatterns(e.patterns)
	switch {
	case t.bull > t.bear:
		return models.DirectionLong, t.bull, true
	case t.bear > t.bull:
		return models.DirectionShort, t.bear, true
	}
	return "", 0, false
}

func (e *Engine) maybeSignal(book *models.OrderBook) *models.TradingSignal {
	t := tallyPatterns(e.patterns)

	var dir models.Direction
	var support []models.Pattern
	var score, against float64
	switch {
	case t.bull > t.bear:
		dir, support, score, against = models.DirectionLong, t.bullPat, t.bull, t.bear
	case t.bear > t.bull:
		dir, support, score, against = models.DirectionShort, t.bearPat, t.bear, t.bull
	default:
		return nil
	}
	if len(support) < e.cfg.MinPatterns {
		return nil
	}
	aggregate := score / float64(len(support))
	if aggregate < e.cfg.MinSignalStrength {
		return nil
	}
	if !e.lastSignal.IsZero() && book.Timestamp.Sub(e.lastSignal) < e.cfg.Cooldown {
		return nil
	}

	atr := e.atr
	if atr <= 0 {
		atr = book.Mid() * e.cfg.FallbackATRBps / 1e4
	}
	sig := &models.TradingSignal{
		Symbol:                  e.symbol,
		Direction:               dir,
		Confidence:              100 * score / (score + against),
		Strength:                aggregate,
		Reason:                  describe(support),
		Timestamp:               book.Timestamp,
		ExpectedDurationSeconds: int(e.cfg.ExpectedDuration.Seconds()),
	}
	if dir == models.DirectionLong {
		sig.EntryPrice = book.BestBid()
		sig.TakeProfit = sig.EntryPrice + e.cfg.TakeProfitATR*atr
		sig.StopLoss = sig.EntryPrice - e.cfg.StopLossATR*atr
	} else {
		sig.EntryPrice = book.BestAsk()
		sig.TakeProfit = sig.EntryPrice - e.cfg.TakeProfitATR*atr
		sig.StopLoss = sig.EntryPrice + e.cfg.StopLossATR*atr
	}
	e.lastSignal = book.Timestamp
	return sig
}

func describe(patterns []models.Pattern) string {
	sorted := append([]models.Pattern(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Strength > sorted[j].Strength })
	parts := make([]string, 0, len(sorted))
	for _, p := range sorted {
		parts = append(parts, fmt.Sprintf("%s(%s %.0f)", p.Type, p.Side, p.Strength))
	}
	return strings.Join(parts, " + ")
}

func (e *Engine) Patterns() []models.Pattern {
	return append([]models.Pattern(nil), e.patterns...)
}

func (e *Engine) Derivatives() models.Derivatives { return e.last }

// PatternCounts returns how often each pattern has been seen since start.
func (e *Engine) PatternCounts() map[models.PatternType]int {
	out := make(map[models.PatternType]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}

func (e *Engine) AverageSpread() float64 {
	spreads := e.spreads.Snapshot()
	if len(spreads) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range spreads {
		sum += s
	}
	return sum / float64(len(spreads))
}

// Reset clears history, used when the traded market changes.
func (e *Engine) Reset(symbol string) {
	e.symbol = symbol
	e.books.Reset()
	e.spreads.Reset()
	e.derivs.Reset()
	e.last = models.Derivatives{}
	e.patterns = nil
	e.lastSignal = time.Time{}
}
