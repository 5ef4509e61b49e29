package trader

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ComputeATR is the mean true range of the last period candles. The first
// candle only seeds the previous close.
func ComputeATR(candles []models.Candle, period int) float64 {
	if len(candles) < 2 || period <= 0 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		cur, prevClose := candles[i], candles[i-1].Close
		tr := math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prevClose), math.Abs(cur.Low-prevClose)))
		trs = append(trs, tr)
	}
	if len(trs) > period {
		trs = trs[len(trs)-period:]
	}
	sum := 0.0
	for _, tr := range trs {
		sum += tr
	}
	return sum / float64(len(trs))
}

type candidateATR struct {
	symbol string
	atr    float64
	bps    float64
}

func (c *Controller) measureATR(ctx context.Context, symbol string) (candidateATR, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	candles, err := c.gw.GetCandles(cctx, symbol, c.cfg.CandleInterval, c.cfg.CandleCount)
	if err != nil {
		return candidateATR{}, err
	}
	atr := ComputeATR(candles, c.cfg.ATRPeriod)
	if atr <= 0 {
		return candidateATR{}, fmt.Errorf("%s: not enough candles for ATR", symbol)
	}
	last := candles[len(candles)-1].Close
	if last <= 0 {
		return candidateATR{}, fmt.Errorf("%s: no close price", symbol)
	}
	return candidateATR{symbol: symbol, atr: atr, bps: atr / last * 1e4}, nil
}

// SelectMarket ranks the most liquid markets by volatility and returns the
// calmest one whose ATR sits inside the configured band.
func (c *Controller) SelectMarket(ctx context.Context) (*models.MarketParameters, error) {
	cctx, cancel := c.callCtx(ctx)
	cands, err := c.gw.ListMarkets(cctx, c.cfg.CandidateMarkets)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	results := make([]*candidateATR, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, cand := range cands {
		i, cand := i, cand
		g.Go(func() error {
			r, err := c.measureATR(gctx, cand.Symbol)
			if err != nil {
				c.logger.WithError(err).WithField("symbol", cand.Symbol).Debug("Skipping market candidate")
				return nil
			}
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	var eligible []candidateATR
	for _, r := range results {
		if r != nil && r.bps >= c.cfg.MinATRBps && r.bps <= c.cfg.MaxATRBps {
			eligible = append(eligible, *r)
		}
	}
	// bps keeps the ordering comparable across price levels
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].bps < eligible[j].bps })

	for _, e := range eligible {
		cctx, cancel := c.callCtx(ctx)
		mp, err := c.gw.GetMarketParameters(cctx, e.symbol)
		cancel()
		if err != nil {
			c.logger.WithError(err).WithField("symbol", e.symbol).Warn("Failed to load market parameters")
			continue
		}
		mp.ATR, mp.ATRBps = e.atr, e.bps
		c.logger.WithFields(logrus.Fields{
			"symbol":     e.symbol,
			"atr":        e.atr,
			"atr_bps":    e.bps,
			"candidates": len(cands),
			"eligible":   len(eligible),
		}).Info("Selected market")
		return mp, nil
	}
	return nil, ErrNoMarket
}

// loadMarket fetches filters and ATR for a fixed symbol.
func (c *Controller) loadMarket(ctx context.Context, symbol string) (*models.MarketParameters, error) {
	cctx, cancel := c.callCtx(ctx)
	mp, err := c.gw.GetMarketParameters(cctx, symbol)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("market parameters for %s: %w", symbol, err)
	}
	if r, err := c.measureATR(ctx, symbol); err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("ATR unavailable, using fallback")
	} else {
		mp.ATR, mp.ATRBps = r.atr, r.bps
	}
	return mp, nil
}

func (c *Controller) searchMarket(ctx context.Context) error {
	var mp *models.MarketParameters
	var err error
	if c.cfg.Symbol != "" {
		mp, err = c.loadMarket(ctx, c.cfg.Symbol)
	} else {
		mp, err = c.SelectMarket(ctx)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.installMarketLocked(mp)
	if c.state == StateSearchingMarket {
		c.setStateLocked(StateEntryHunting, "market selected")
	}
	c.mu.Unlock()
	c.subscribe(ctx, mp.Symbol)
	return nil
}

func (c *Controller) installMarketLocked(mp *models.MarketParameters) {
	if c.symbol != mp.Symbol {
		c.dynamics.Reset(mp.Symbol)
		c.imbalance.Reset()
		c.book = nil
		c.trades = nil
		c.pendingSignal, c.pendingFlow = nil, nil
	}
	c.symbol = mp.Symbol
	c.market = mp
	c.dynamics.SetATR(mp.ATR)
	c.imbalance.SetTickSize(mp.TickSize)
	c.lastRun[jobMarket] = c.now()
}

// refreshMarket retries the search while no market is selected and, while
// flat, refreshes ATR and moves to a better market if ours left the band.
func (c *Controller) refreshMarket(ctx context.Context) {
	c.mu.Lock()
	state, symbol := c.state, c.symbol
	flat := c.position == nil && c.resting == nil && state == StateEntryHunting
	c.mu.Unlock()

	if state == StateSearchingMarket {
		if err := c.searchMarket(ctx); err != nil {
			c.logger.WithError(err).Warn("Market search failed")
		}
		return
	}
	if !flat || symbol == "" {
		return
	}

	r, err := c.measureATR(ctx, symbol)
	if err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("ATR refresh failed")
		return
	}
	inBand := r.bps >= c.cfg.MinATRBps && r.bps <= c.cfg.MaxATRBps

	if inBand || c.cfg.Symbol != "" {
		c.mu.Lock()
		if c.symbol == symbol && c.market != nil {
			c.market.ATR, c.market.ATRBps = r.atr, r.bps
			c.dynamics.SetATR(r.atr)
		}
		c.mu.Unlock()
		return
	}

	mp, err := c.SelectMarket(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("Market left ATR band and no replacement found")
		return
	}
	c.mu.Lock()
	// a quote or fill may have arrived while we were searching
	if c.position != nil || c.resting != nil || c.symbol != symbol {
		c.mu.Unlock()
		return
	}
	c.installMarketLocked(mp)
	c.setStateLocked(StateEntryHunting, "market rotated")
	c.mu.Unlock()
	c.subscribe(ctx, mp.Symbol)
}
