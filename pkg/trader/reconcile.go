package trader

import (
	"context"
	"math"

	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
)

// checkPosition compares the local position with the exchange's. A result
// overtaken by a user-data event while the call was out is dropped.
func (c *Controller) checkPosition(ctx context.Context) {
	c.mu.Lock()
	symbol, seq := c.symbol, c.seq
	key := "positions:" + symbol
	if symbol == "" || !c.beginLocked(key) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cctx, cancel := c.callCtx(ctx)
	positions, err := c.gw.GetPositions(cctx, symbol)
	cancel()

	c.mu.Lock()
	c.endLocked(key)
	if err != nil {
		delay := c.retry.RecordFailure(key)
		c.mu.Unlock()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": symbol,
			"delay":  delay.String(),
		}).Warn("Position check failed")
		return
	}
	c.retry.RecordSuccess(key)
	if c.seq != seq || c.symbol != symbol {
		c.mu.Unlock()
		c.logger.WithField("symbol", symbol).Debug("Discarding stale position check")
		return
	}
	f := c.applyPositionsLocked(positions, "position check")
	c.mu.Unlock()
	c.follow(ctx, f)
}

// pollFills asks for the status of every watched quote, covering fills the
// user-data stream missed.
func (c *Controller) pollFills(ctx context.Context) {
	c.mu.Lock()
	symbol, seq := c.symbol, c.seq
	quotes := append([]models.Quote(nil), c.retired...)
	if c.resting != nil {
		quotes = append(quotes, c.resting.Quotes...)
	}
	c.mu.Unlock()

	var orders []models.Order
	var gone []string
	for _, q := range quotes {
		cctx, cancel := c.callCtx(ctx)
		o, err := c.gw.GetOrder(cctx, symbol, q.OrderID)
		cancel()
		switch {
		case err == nil:
			orders = append(orders, *o)
		case exchange.KindOf(err) == exchange.KindOrderNotFound:
			gone = append(gone, q.OrderID)
		default:
			c.logger.WithError(err).WithFields(logrus.Fields{
				"symbol":   symbol,
				"order_id": q.OrderID,
			}).Debug("Order status poll failed")
		}
	}

	c.mu.Lock()
	if c.seq != seq || c.symbol != symbol {
		c.mu.Unlock()
		c.logger.WithField("symbol", symbol).Debug("Discarding stale fill poll")
		return
	}
	f := followUp{symbol: symbol}
	for _, o := range orders {
		f.merge(c.applyOrderUpdateLocked(updateFromOrder(o)))
	}
	for _, id := range gone {
		c.dropQuoteLocked(id)
	}
	c.mu.Unlock()
	c.follow(ctx, f)
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return math.Abs(a)
	}
	return math.Abs(a-b) / math.Abs(b)
}

// checkProtection verifies the tracked take-profit and stop still rest on the
// exchange at the intended price and size, and replaces any that do not.
func (c *Controller) checkProtection(ctx context.Context) {
	c.mu.Lock()
	pos, symbol, seq := c.position, c.symbol, c.seq
	key := "protection_check:" + symbol
	if pos == nil || c.state != StatePositionActive || !c.beginLocked(key) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cctx, cancel := c.callCtx(ctx)
	open, err := c.gw.GetOpenOrders(cctx, symbol)
	cancel()

	c.mu.Lock()
	c.endLocked(key)
	if err != nil {
		delay := c.retry.RecordFailure(key)
		c.mu.Unlock()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": symbol,
			"delay":  delay.String(),
		}).Warn("Protection check failed")
		return
	}
	c.retry.RecordSuccess(key)
	if c.seq != seq || c.position != pos || c.state != StatePositionActive {
		c.mu.Unlock()
		return
	}

	byID := make(map[string]models.Order, len(open))
	for _, o := range open {
		byID[o.OrderID] = o
	}
	f := followUp{symbol: symbol}
	tol := c.cfg.ProtectionTolerance
	sizeTol := c.sizeTolerance()

	if pos.TPOrderID != "" {
		o, ok := byID[pos.TPOrderID]
		switch {
		case !ok:
			c.logger.WithFields(logrus.Fields{"symbol": symbol, "order_id": pos.TPOrderID}).Warn("Take profit missing")
			pos.TPOrderID = ""
		case relDiff(o.Price, pos.TPPrice) > tol || math.Abs(o.Size-pos.Size) > sizeTol:
			c.logger.WithFields(logrus.Fields{
				"symbol":   symbol,
				"price":    o.Price,
				"intended": pos.TPPrice,
			}).Info("Replacing drifted take profit")
			f.cancel = append(f.cancel, pos.TPOrderID)
			pos.TPOrderID = ""
		}
	}
	if pos.SLOrderID != "" {
		o, ok := byID[pos.SLOrderID]
		switch {
		case !ok:
			c.logger.WithFields(logrus.Fields{"symbol": symbol, "order_id": pos.SLOrderID}).Warn("Stop loss missing")
			pos.SLOrderID = ""
		case relDiff(o.StopPrice, pos.SLPrice) > tol || math.Abs(o.Size-pos.Size) > sizeTol:
			c.logger.WithFields(logrus.Fields{
				"symbol":   symbol,
				"stop":     o.StopPrice,
				"intended": pos.SLPrice,
			}).Info("Replacing drifted stop loss")
			f.cancel = append(f.cancel, pos.SLOrderID)
			pos.SLOrderID = ""
		}
	}
	f.protect = pos.TPOrderID == "" || pos.SLOrderID == ""
	c.mu.Unlock()
	c.follow(ctx, f)
}

// cleanup cancels every open order on the active symbol that the controller
// does not account for. It skips a round while any order operation is in
// flight so a just-placed order is never mistaken for a stray.
func (c *Controller) cleanup(ctx context.Context) {
	c.mu.Lock()
	symbol, seq := c.symbol, c.seq
	key := "cleanup:" + symbol
	if symbol == "" || len(c.inflight) > 0 || !c.beginLocked(key) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cctx, cancel := c.callCtx(ctx)
	open, err := c.gw.GetOpenOrders(cctx, symbol)
	cancel()

	c.mu.Lock()
	c.endLocked(key)
	if err != nil {
		delay := c.retry.RecordFailure(key)
		c.mu.Unlock()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": symbol,
			"delay":  delay.String(),
		}).Warn("Order cleanup failed")
		return
	}
	c.retry.RecordSuccess(key)
	if c.seq != seq || c.symbol != symbol || len(c.inflight) > 0 {
		c.mu.Unlock()
		return
	}
	stray := c.reconcileOrdersLocked(open)
	c.mu.Unlock()

	if len(stray) > 0 {
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"orders": len(stray),
		}).Info("Cancelling untracked orders")
	}
	for _, id := range stray {
		c.cancelOrder(ctx, symbol, id, "untracked")
	}
}

// reconcileOrdersLocked partitions open orders into the ones the controller
// intends to keep and strays. Among duplicate protective orders the one
// closest to the intended price survives, with ties going to the tracked id,
// and its id becomes the tracked one. Running it again over the survivors
// keeps all of them.
func (c *Controller) reconcileOrdersLocked(open []models.Order) []string {
	keep := make(map[string]bool)
	for _, id := range c.resting.OrderIDs() {
		keep[id] = true
	}
	if c.exitOrderID != "" {
		keep[c.exitOrderID] = true
	}

	pos := c.position
	protecting := pos != nil && c.state == StatePositionActive
	best := map[string]*models.Order{}
	var stray []string

	for i := range open {
		o := &open[i]
		if keep[o.OrderID] {
			continue
		}
		purpose := ""
		if protecting {
			purpose = protectivePurpose(*o, pos.Side.ExitSide())
		}
		if purpose == "" {
			stray = append(stray, o.OrderID)
			continue
		}
		cur, ok := best[purpose]
		if !ok {
			best[purpose] = o
			continue
		}
		if c.closerLocked(purpose, o, cur) {
			stray = append(stray, cur.OrderID)
			best[purpose] = o
		} else {
			stray = append(stray, o.OrderID)
		}
	}

	if tp, ok := best[purposeTP]; ok && pos.TPOrderID != tp.OrderID {
		c.logger.WithFields(logrus.Fields{"symbol": c.symbol, "order_id": tp.OrderID}).Info("Adopting take profit")
		pos.TPOrderID = tp.OrderID
	}
	if sl, ok := best[purposeSL]; ok && pos.SLOrderID != sl.OrderID {
		c.logger.WithFields(logrus.Fields{"symbol": c.symbol, "order_id": sl.OrderID}).Info("Adopting stop loss")
		pos.SLOrderID = sl.OrderID
	}
	return stray
}

// closerLocked reports whether a beats b as the surviving order of purpose.
func (c *Controller) closerLocked(purpose string, a, b *models.Order) bool {
	pos := c.position
	var da, db float64
	tracked := pos.TPOrderID
	if purpose == purposeTP {
		da, db = math.Abs(a.Price-pos.TPPrice), math.Abs(b.Price-pos.TPPrice)
	} else {
		da, db = math.Abs(a.StopPrice-pos.SLPrice), math.Abs(b.StopPrice-pos.SLPrice)
		tracked = pos.SLOrderID
	}
	if da != db {
		return da < db
	}
	return a.OrderID == tracked
}
