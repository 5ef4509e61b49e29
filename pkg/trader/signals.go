package trader

import (
	"context"
	"time"

	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
)

const maxBufferedTrades = 1000

// OnMarketData feeds a snapshot of the active market to both analytics
// engines and evaluates the result when the analytics gate allows.
func (c *Controller) OnMarketData(ctx context.Context, book models.OrderBook) {
	c.mu.Lock()
	if c.symbol == "" || book.Symbol != c.symbol || !book.Valid() {
		c.mu.Unlock()
		return
	}
	now := c.now()
	b := book
	c.book = &b
	trades := c.trades
	c.trades = nil

	if sig := c.dynamics.Update(&b); sig != nil {
		c.pendingSignal, c.pendingSignalAt = sig, now
		c.lastSignal = sig
		c.emitLocked("signal", *sig)
	}
	if fs := c.imbalance.Update(&b, trades); fs != nil {
		c.pendingFlow, c.pendingFlowAt = fs, now
		c.lastFlow = fs
		c.emitLocked("flow", *fs)
	}
	breached := c.stopBreachedLocked()
	c.mu.Unlock()

	if breached {
		c.emergencyExit(ctx, "price through stop with no stop order")
	}
	if c.gate.AllowN(now, 1) {
		c.evaluate(ctx, now)
	}
	c.flush(ctx)
}

// OnTrade buffers a print for the next snapshot.
func (c *Controller) OnTrade(t models.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Symbol != c.symbol {
		return
	}
	c.trades = append(c.trades, t)
	if n := len(c.trades); n > maxBufferedTrades {
		c.trades = c.trades[n-maxBufferedTrades:]
	}
}

// evaluate turns the freshest signals into a cancel or a placement. Only one
// evaluation runs at a time.
func (c *Controller) evaluate(ctx context.Context, now time.Time) {
	c.mu.Lock()
	key := "signal:" + c.symbol
	if !c.markLocked(key) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.endLocked(key)
		c.mu.Unlock()
	}()

	c.mu.Lock()
	if c.position != nil || c.market == nil || !c.book.Valid() ||
		(c.state != StateEntryHunting && c.state != StateOrderPlaced) {
		c.mu.Unlock()
		return
	}
	if c.resting != nil {
		reason := c.restingCancelReasonLocked(now)
		c.mu.Unlock()
		if reason != "" {
			c.cancelResting(ctx, reason)
		}
		return
	}

	var reqs []*models.OrderRequest
	var why string
	if c.cfg.Mode == ModeMarketMaking {
		reqs, why = c.planQuotesLocked(now)
	} else {
		reqs, why = c.planEntryLocked(now)
	}
	if len(reqs) == 0 {
		c.mu.Unlock()
		return
	}
	c.place(ctx, reqs, why)
}

// place submits an entry order or quote pair. It is called with mu held and
// returns with it released.
func (c *Controller) place(ctx context.Context, reqs []*models.OrderRequest, why string) {
	symbol := c.symbol
	key := "place_order:" + symbol
	if !c.beginLocked(key) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var placed []models.Order
	var err error
	for _, req := range reqs {
		cctx, cancel := c.callCtx(ctx)
		var o *models.Order
		o, err = c.gw.PlaceOrder(cctx, req)
		cancel()
		if err != nil {
			break
		}
		placed = append(placed, *o)
	}

	c.mu.Lock()
	c.endLocked(key)
	if err != nil {
		if exchange.KindOf(err) == exchange.KindWouldCross {
			c.mu.Unlock()
			c.logger.WithFields(logrus.Fields{"symbol": symbol, "reason": why}).
				Info("Entry would cross the spread, skipped")
		} else {
			c.lastErr = err.Error()
			delay := c.retry.RecordFailure(key)
			c.mu.Unlock()
			c.logger.WithError(err).WithFields(logrus.Fields{
				"symbol": symbol,
				"delay":  delay.String(),
			}).Warn("Failed to place entry order")
		}
		for _, o := range placed {
			c.cancelOrder(ctx, symbol, o.OrderID, "partner quote failed")
		}
		return
	}
	c.retry.RecordSuccess(key)

	if c.symbol != symbol || c.position != nil || c.resting != nil ||
		(c.state != StateEntryHunting && c.state != StateOrderPlaced) {
		c.mu.Unlock()
		for _, o := range placed {
			c.cancelOrder(ctx, symbol, o.OrderID, "state changed while placing")
		}
		return
	}

	now := c.now()
	r := &models.RestingOrder{Size: reqs[0].Size, Status: models.OrderStatusNew, PlacedAt: now}
	for _, o := range placed {
		r.Quotes = append(r.Quotes, models.Quote{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side,
			Price:         o.Price,
		})
	}
	c.resting = r
	c.lastSetup = now
	c.seq++
	if c.cfg.Mode == ModeMarketMaking {
		c.setStateLocked(StateOrderPlaced, why)
	}
	c.emitLocked("order", *r)
	c.mu.Unlock()

	for _, q := range r.Quotes {
		c.logger.WithFields(logrus.Fields{
			"symbol":   symbol,
			"side":     string(q.Side),
			"price":    q.Price,
			"size":     r.Size,
			"order_id": q.OrderID,
			"reason":   why,
		}).Info("Placed post-only order")
	}
}

func (c *Controller) freshSignalLocked(now time.Time) *models.TradingSignal {
	if c.pendingSignal == nil || now.Sub(c.pendingSignalAt) > c.cfg.SignalMaxAge {
		return nil
	}
	return c.pendingSignal
}

func (c *Controller) freshFlowLocked(now time.Time, action models.FlowAction) *models.FlowSignal {
	if c.pendingFlow == nil || c.pendingFlow.Action != action || now.Sub(c.pendingFlowAt) > c.cfg.SignalMaxAge {
		return nil
	}
	return c.pendingFlow
}

func (c *Controller) restingCancelReasonLocked(now time.Time) string {
	r := c.resting
	if c.cfg.RestingOrderTTL > 0 && now.Sub(r.PlacedAt) >= c.cfg.RestingOrderTTL {
		return "resting order expired"
	}
	for _, p := range c.dynamics.Patterns() {
		if p.Type == models.PatternMarketMakerShift {
			return "market maker shift"
		}
	}
	if c.cfg.Mode == ModeMarketMaking {
		if fs := c.freshFlowLocked(now, models.FlowActionCancel); fs != nil {
			return "flow risk: " + fs.Reason
		}
		if fs := c.freshFlowLocked(now, models.FlowActionSetup); fs != nil && now.Sub(c.lastSetup) >= c.cfg.SetupCooldown {
			bid, ask := c.quotePricesLocked(fs)
			for _, q := range r.Quotes {
				if (q.Side == models.OrderSideBuy && q.Price != bid) || (q.Side == models.OrderSideSell && q.Price != ask) {
					return "requote"
				}
			}
		}
		return ""
	}
	if len(r.Quotes) == 0 {
		return ""
	}
	if dir, strength, ok := c.dynamics.Dominant(); ok && dir.OrderSide() != r.Quotes[0].Side && strength >= c.cfg.ReversalStrength {
		return "reversal toward " + string(dir)
	}
	return ""
}

// insidePrice improves the best price on our side by one tick unless that
// would cross, in which case it joins the best price.
func insidePrice(side models.OrderSide, book *models.OrderBook, mp *models.MarketParameters) float64 {
	if side == models.OrderSideBuy {
		p := book.BestBid() + mp.TickSize
		if p >= book.BestAsk() {
			p = book.BestBid()
		}
		return mp.RoundPrice(p)
	}
	p := book.BestAsk() - mp.TickSize
	if p <= book.BestBid() {
		p = book.BestAsk()
	}
	return mp.RoundPrice(p)
}

// spreadOKLocked requires the spread to be wider than MinSpreadTicks, so at
// the default of one tick a book one tick wide never gets an order.
func (c *Controller) spreadOKLocked() bool {
	tick := c.market.TickSize
	return c.book.Spread() > float64(c.cfg.MinSpreadTicks)*tick+tick*1e-6
}

func (c *Controller) stopDistanceLocked(price float64) float64 {
	return c.cfg.StopLossATR * c.atrLocked(price)
}

// planEntryLocked picks a directional entry. A dynamics signal is preferred;
// an imbalance entry pointing the other way vetoes it.
func (c *Controller) planEntryLocked(now time.Time) ([]*models.OrderRequest, string) {
	sig := c.freshSignalLocked(now)
	flow := c.freshFlowLocked(now, models.FlowActionEntry)

	var side models.OrderSide
	var why string
	switch {
	case sig != nil && flow != nil && flow.Side != sig.Direction.OrderSide():
		c.logger.WithFields(logrus.Fields{
			"symbol":    c.symbol,
			"dynamics":  string(sig.Direction),
			"imbalance": string(flow.Side),
		}).Debug("Signals disagree, standing aside")
		c.pendingSignal, c.pendingFlow = nil, nil
		return nil, ""
	case sig != nil:
		side, why = sig.Direction.OrderSide(), sig.Reason
	case flow != nil:
		side, why = flow.Side, flow.Reason
	default:
		return nil, ""
	}
	c.pendingSignal, c.pendingFlow = nil, nil

	if !c.spreadOKLocked() {
		return nil, ""
	}
	price := insidePrice(side, c.book, c.market)
	size := PositionSize(c.balance, price, c.stopDistanceLocked(price), c.cfg.riskCap(), c.cfg.MaxLeverage, c.market)
	if size <= 0 {
		c.logger.WithFields(logrus.Fields{
			"symbol":  c.symbol,
			"balance": c.balance,
			"price":   price,
		}).Warn("Balance below minimum tradable size, skipping entry")
		return nil, ""
	}
	return []*models.OrderRequest{{
		Symbol:        c.symbol,
		ClientOrderID: newClientOrderID(purposeEntry),
		Side:          side,
		Type:          models.OrderTypeLimit,
		Price:         price,
		Size:          size,
		TimeInForce:   models.TimeInForceGTX,
		PostOnly:      true,
	}}, why
}

func (c *Controller) quotePricesLocked(fs *models.FlowSignal) (bid, ask float64) {
	tick := c.market.TickSize
	bid = c.market.FloorPrice(c.book.BestBid() - float64(fs.BidOffsetTicks)*tick)
	ask = c.market.CeilPrice(c.book.BestAsk() + float64(fs.AskOffsetTicks)*tick)
	return bid, ask
}

// planQuotesLocked builds a bid/ask pair from a fresh SETUP, at most once per
// cooldown.
func (c *Controller) planQuotesLocked(now time.Time) ([]*models.OrderRequest, string) {
	fs := c.freshFlowLocked(now, models.FlowActionSetup)
	if fs == nil || now.Sub(c.lastSetup) < c.cfg.SetupCooldown {
		return nil, ""
	}
	c.pendingFlow = nil
	if !c.spreadOKLocked() {
		return nil, ""
	}
	bid, ask := c.quotePricesLocked(fs)
	mid := c.book.Mid()
	size := PositionSize(c.balance, mid, c.stopDistanceLocked(mid), c.cfg.riskCap(), c.cfg.MaxLeverage, c.market)
	if size <= 0 {
		c.logger.WithFields(logrus.Fields{
			"symbol":  c.symbol,
			"balance": c.balance,
		}).Warn("Balance below minimum tradable size, skipping quotes")
		return nil, ""
	}
	quote := func(side models.OrderSide, price float64, purpose string) *models.OrderRequest {
		return &models.OrderRequest{
			Symbol:        c.symbol,
			ClientOrderID: newClientOrderID(purpose),
			Side:          side,
			Type:          models.OrderTypeLimit,
			Price:         price,
			Size:          size,
			TimeInForce:   models.TimeInForceGTX,
			PostOnly:      true,
		}
	}
	return []*models.OrderRequest{
		quote(models.OrderSideBuy, bid, purposeBid),
		quote(models.OrderSideSell, ask, purposeAsk),
	}, fs.Reason
}

// cancelResting pulls the live quotes. Quotes already gone count as
// cancelled.
func (c *Controller) cancelResting(ctx context.Context, reason string) {
	c.mu.Lock()
	r := c.resting
	key := "cancel_resting:" + c.symbol
	if r == nil || !c.beginLocked(key) {
		c.mu.Unlock()
		return
	}
	symbol := c.symbol
	c.mu.Unlock()

	var failed error
	for _, q := range r.Quotes {
		cctx, cancel := c.callCtx(ctx)
		err := c.gw.CancelOrder(cctx, symbol, q.OrderID)
		cancel()
		if err != nil && exchange.KindOf(err) != exchange.KindOrderNotFound {
			failed = err
		}
	}

	c.mu.Lock()
	c.endLocked(key)
	if failed != nil {
		delay := c.retry.RecordFailure(key)
		c.mu.Unlock()
		c.logger.WithError(failed).WithFields(logrus.Fields{
			"symbol": symbol,
			"delay":  delay.String(),
		}).Warn("Failed to cancel resting order")
		return
	}
	c.retry.RecordSuccess(key)
	if c.resting == r {
		c.retireLocked(r.Quotes)
		c.resting = nil
		c.seq++
		if c.position == nil {
			c.setStateLocked(c.idleStateLocked(), reason)
		}
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"orders": len(r.Quotes),
		"reason": reason,
	}).Info("Cancelled resting order")
}
