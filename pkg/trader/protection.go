package trader

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	purposeEntry = "entry"
	purposeBid   = "bid"
	purposeAsk   = "ask"
	purposeTP    = "tp"
	purposeSL    = "sl"
	purposeExit  = "exit"
)

// newClientOrderID tags an order with its purpose so reconciliation can
// recognise it after a restart: mf-<purpose>-<16 hex>.
func newClientOrderID(purpose string) string {
	return "mf-" + purpose + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func purposeFromClientID(id string) string {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || parts[0] != "mf" {
		return ""
	}
	return parts[1]
}

// protectivePurpose classifies an open order as tp or sl for a position
// exiting on exitSide; anything else returns "".
func protectivePurpose(o models.Order, exitSide models.OrderSide) string {
	if o.Side != exitSide {
		return ""
	}
	switch p := purposeFromClientID(o.ClientOrderID); p {
	case purposeTP, purposeSL:
		return p
	case "":
	default:
		return ""
	}
	switch {
	case o.Type == models.OrderTypeStopMarket:
		return purposeSL
	case o.Type == models.OrderTypeLimit && o.ReduceOnly:
		return purposeTP
	}
	return ""
}

func (c *Controller) atrLocked(price float64) float64 {
	if c.market != nil && c.market.ATR > 0 {
		return c.market.ATR
	}
	return price * c.cfg.FallbackATRBps / 1e4
}

// openPositionLocked records a new position and its intended exits.
func (c *Controller) openPositionLocked(side models.PositionSide, entry, size float64, entryOrderID, reason string) {
	atr := c.atrLocked(entry)
	pos := &models.Position{
		Symbol:       c.symbol,
		Side:         side,
		EntryPrice:   entry,
		Size:         size,
		OriginalSize: size,
		EntryTime:    c.now(),
		EntryOrderID: entryOrderID,
		SLPrice:      StopLossPrice(side, entry, atr, c.cfg.StopLossATR, c.market),
	}
	pos.TPPrice = c.takeProfitLocked(pos)
	c.position = pos
	c.exitOrderID = ""
	c.seq++
	c.logger.WithFields(logrus.Fields{
		"symbol": c.symbol,
		"side":   string(side),
		"entry":  entry,
		"size":   size,
		"tp":     pos.TPPrice,
		"sl":     pos.SLPrice,
	}).Info("Position opened")
	c.setStateLocked(StatePositionActive, reason)
	c.emitLocked("position", *pos)
}

func (c *Controller) takeProfitLocked(pos *models.Position) float64 {
	var bid, ask float64
	if c.book != nil {
		bid, ask = c.book.BestBid(), c.book.BestAsk()
	}
	return TakeProfitPrice(pos.Side, pos.EntryPrice, c.atrLocked(pos.EntryPrice), c.cfg.TakeProfitATR,
		c.cfg.MinProfitTicks, bid, ask, c.market)
}

func (c *Controller) protectiveRequestLocked(pos *models.Position, purpose string) *models.OrderRequest {
	req := &models.OrderRequest{
		Symbol:        c.symbol,
		ClientOrderID: newClientOrderID(purpose),
		Side:          pos.Side.ExitSide(),
		Size:          pos.Size,
		ReduceOnly:    true,
	}
	if purpose == purposeTP {
		// reprice against the live book at the moment of placement
		pos.TPPrice = c.takeProfitLocked(pos)
		req.Type = models.OrderTypeLimit
		req.Price = pos.TPPrice
		req.PostOnly = true
		req.TimeInForce = models.TimeInForceGTX
	} else {
		req.Type = models.OrderTypeStopMarket
		req.StopPrice = pos.SLPrice
	}
	return req
}

func (c *Controller) placeProtection(ctx context.Context) {
	c.placeProtective(ctx, purposeTP)
	c.placeProtective(ctx, purposeSL)
}

func (c *Controller) placeProtective(ctx context.Context, purpose string) {
	c.mu.Lock()
	pos := c.position
	if pos == nil || c.state != StatePositionActive {
		c.mu.Unlock()
		return
	}
	if (purpose == purposeTP && pos.TPOrderID != "") || (purpose == purposeSL && pos.SLOrderID != "") {
		c.mu.Unlock()
		return
	}
	key := purpose + ":" + c.symbol
	if !c.beginLocked(key) {
		c.mu.Unlock()
		return
	}
	symbol := c.symbol
	req := c.protectiveRequestLocked(pos, purpose)
	c.mu.Unlock()

	cctx, cancel := c.callCtx(ctx)
	order, err := c.gw.PlaceOrder(cctx, req)
	if err != nil && purpose == purposeTP && exchange.KindOf(err) == exchange.KindWouldCross {
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"price":  req.Price,
		}).Info("Take profit would cross, placing as taker limit")
		req.PostOnly = false
		req.TimeInForce = models.TimeInForceGTC
		req.ClientOrderID = newClientOrderID(purposeTP)
		order, err = c.gw.PlaceOrder(cctx, req)
	}
	cancel()

	c.mu.Lock()
	c.endLocked(key)
	if err != nil {
		kind := exchange.KindOf(err)
		switch {
		case kind == exchange.KindReduceOnlyRejected:
			c.mu.Unlock()
			c.logger.WithFields(logrus.Fields{"symbol": symbol, "purpose": purpose}).
				Info("Reduce-only rejected, position already closed; reconciling")
			c.checkPosition(ctx)
			return
		case kind == exchange.KindWouldTrigger && purpose == purposeSL:
			c.mu.Unlock()
			c.logger.WithFields(logrus.Fields{"symbol": symbol, "stop": req.StopPrice}).
				Info("Stop would trigger immediately")
			c.emergencyExit(ctx, "stop would trigger immediately")
			return
		}
		delay := c.retry.RecordFailure(key)
		c.mu.Unlock()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": symbol,
			"key":    key,
			"delay":  delay.String(),
		}).Warn("Failed to place protective order")
		return
	}
	c.retry.RecordSuccess(key)

	// the position closed or resized while we were placing
	if c.position != pos || c.state != StatePositionActive || c.symbol != symbol || pos.Size != req.Size {
		c.mu.Unlock()
		c.cancelOrder(ctx, symbol, order.OrderID, "orphaned "+purpose)
		return
	}
	if purpose == purposeTP {
		pos.TPOrderID = order.OrderID
		pos.TPPrice = req.Price
	} else {
		pos.SLOrderID = order.OrderID
	}
	c.seq++
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"purpose":  purpose,
		"order_id": order.OrderID,
		"price":    req.Price,
		"stop":     req.StopPrice,
		"size":     req.Size,
	}).Info("Protective order placed")
}

// stopBreachedLocked reports whether price has gone through the stop while
// no stop order protects the position.
func (c *Controller) stopBreachedLocked() bool {
	pos := c.position
	if pos == nil || pos.SLOrderID != "" || c.exitOrderID != "" || pos.SLPrice <= 0 || c.book == nil || !c.book.Valid() {
		return false
	}
	if c.state != StatePositionActive && c.state != StateClosing {
		return false
	}
	if pos.Side == models.PositionLong {
		return c.book.BestBid() <= pos.SLPrice
	}
	return c.book.BestAsk() >= pos.SLPrice
}

// emergencyExit closes the position at market. It ignores backoff: only an
// exit already in flight stops it.
func (c *Controller) emergencyExit(ctx context.Context, reason string) {
	c.mu.Lock()
	pos := c.position
	key := "exit:" + c.symbol
	if pos == nil || c.exitOrderID != "" || !c.markLocked(key) {
		c.mu.Unlock()
		return
	}
	symbol := c.symbol
	c.setStateLocked(StateClosing, reason)
	var stale []string
	for _, id := range []string{pos.TPOrderID, pos.SLOrderID} {
		if id != "" {
			stale = append(stale, id)
		}
	}
	pos.TPOrderID, pos.SLOrderID = "", ""
	req := &models.OrderRequest{
		Symbol:        symbol,
		ClientOrderID: newClientOrderID(purposeExit),
		Side:          pos.Side.ExitSide(),
		Type:          models.OrderTypeMarket,
		Size:          pos.Size,
		ReduceOnly:    true,
	}
	c.seq++
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"side":   string(req.Side),
		"size":   req.Size,
		"reason": reason,
	}).Warn("Emergency exit")

	for _, id := range stale {
		c.cancelOrder(ctx, symbol, id, "emergency exit")
	}
	cctx, cancel := c.callCtx(ctx)
	order, err := c.gw.PlaceOrder(cctx, req)
	cancel()

	c.mu.Lock()
	c.endLocked(key)
	var f followUp
	switch {
	case err != nil && exchange.KindOf(err) == exchange.KindReduceOnlyRejected:
		f = c.flattenLocked("exit rejected as reduce-only, position already closed")
	case err != nil:
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.logger.WithError(err).WithField("symbol", symbol).Error("Emergency exit failed, will retry")
		return
	case c.position != pos:
	case order.Status == models.OrderStatusFilled:
		f = c.flattenLocked("emergency exit filled")
	default:
		c.exitOrderID = order.OrderID
	}
	c.mu.Unlock()
	c.follow(ctx, f)
}

func (c *Controller) cancelOrder(ctx context.Context, symbol, orderID, reason string) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	err := c.gw.CancelOrder(cctx, symbol, orderID)
	fields := logrus.Fields{"symbol": symbol, "order_id": orderID, "reason": reason}
	switch {
	case err == nil:
		c.logger.WithFields(fields).Info("Order cancelled")
	case exchange.KindOf(err) == exchange.KindOrderNotFound:
		c.logger.WithFields(fields).Debug("Order already gone")
	default:
		c.logger.WithError(err).WithFields(fields).Warn("Failed to cancel order")
	}
}
