package trader

import (
	"context"
	"math"

	"github.com/gregtusar/microflow/pkg/models"
	"github.com/sirupsen/logrus"
)

// maxRetired bounds the cancelled quotes still watched for late fills.
const maxRetired = 16

// followUp is the gateway work a locked state transition asks for. It is
// carried out by follow once the lock is released.
type followUp struct {
	symbol     string
	cancel     []string
	protect    bool
	exit       bool
	exitReason string
	reconcile  bool
}

func (f *followUp) merge(o followUp) {
	if f.symbol == "" {
		f.symbol = o.symbol
	}
	f.cancel = append(f.cancel, o.cancel...)
	f.protect = f.protect || o.protect
	f.reconcile = f.reconcile || o.reconcile
	if o.exit && !f.exit {
		f.exit, f.exitReason = true, o.exitReason
	}
}

func (c *Controller) follow(ctx context.Context, f followUp) {
	for _, id := range f.cancel {
		c.cancelOrder(ctx, f.symbol, id, "superseded")
	}
	if f.exit {
		c.emergencyExit(ctx, f.exitReason)
	}
	if f.protect {
		c.placeProtection(ctx)
	}
	if f.reconcile {
		c.checkPosition(ctx)
	}
	c.flush(ctx)
}

// OnOrderUpdate applies an order event from the user-data stream.
func (c *Controller) OnOrderUpdate(ctx context.Context, u models.OrderUpdate) {
	c.mu.Lock()
	c.seq++
	f := c.applyOrderUpdateLocked(u)
	c.mu.Unlock()
	c.follow(ctx, f)
}

// OnAccountUpdate applies a balance/position event from the user-data stream.
// Position changes on other symbols are ignored.
func (c *Controller) OnAccountUpdate(ctx context.Context, a models.AccountUpdate) {
	c.mu.Lock()
	c.seq++
	if a.HasBalance {
		c.balance = a.Balance
	}
	var ours []models.ExchangePosition
	for _, p := range a.Positions {
		if p.Symbol == c.symbol {
			ours = append(ours, p)
		}
	}
	var f followUp
	if len(ours) > 0 {
		f = c.applyPositionsLocked(ours, "account update")
	}
	c.mu.Unlock()
	c.follow(ctx, f)
}

func (c *Controller) findQuoteLocked(orderID string) (models.Quote, bool) {
	if q, ok := c.resting.Find(orderID); ok {
		return q, true
	}
	for _, q := range c.retired {
		if q.OrderID == orderID {
			return q, true
		}
	}
	return models.Quote{}, false
}

func (c *Controller) dropQuoteLocked(orderID string) {
	kept := c.retired[:0]
	for _, q := range c.retired {
		if q.OrderID != orderID {
			kept = append(kept, q)
		}
	}
	c.retired = kept

	if c.resting == nil {
		return
	}
	quotes := c.resting.Quotes[:0]
	for _, q := range c.resting.Quotes {
		if q.OrderID != orderID {
			quotes = append(quotes, q)
		}
	}
	c.resting.Quotes = quotes
	if len(quotes) == 0 {
		c.resting = nil
		if c.position == nil {
			c.setStateLocked(c.idleStateLocked(), "resting order closed")
		}
	}
}

func (c *Controller) retireLocked(quotes []models.Quote) {
	c.retired = append(c.retired, quotes...)
	if n := len(c.retired); n > maxRetired {
		c.retired = c.retired[n-maxRetired:]
	}
}

func isEntryPurpose(p string) bool {
	return p == purposeEntry || p == purposeBid || p == purposeAsk
}

func (c *Controller) applyOrderUpdateLocked(u models.OrderUpdate) followUp {
	f := followUp{symbol: c.symbol}
	if u.Symbol != c.symbol || u.OrderID == "" {
		return f
	}
	pos := c.position

	switch {
	case pos != nil && u.OrderID == pos.TPOrderID:
		return c.applyProtectiveUpdateLocked(u, purposeTP)
	case pos != nil && u.OrderID == pos.SLOrderID:
		return c.applyProtectiveUpdateLocked(u, purposeSL)
	case u.OrderID == c.exitOrderID:
		switch {
		case u.Status == models.OrderStatusFilled:
			return c.flattenLocked("emergency exit filled")
		case !u.Status.Live():
			c.exitOrderID = ""
			f.exit, f.exitReason = true, "exit order "+string(u.Status)
		}
		return f
	case pos != nil && u.OrderID == pos.EntryOrderID:
		if u.FilledSize > pos.Size {
			c.logger.WithFields(logrus.Fields{
				"symbol":   c.symbol,
				"order_id": u.OrderID,
				"from":     pos.Size,
				"to":       u.FilledSize,
			}).Info("Entry fill grew position")
			if u.AvgFillPrice > 0 {
				pos.EntryPrice = u.AvgFillPrice
			}
			pos.Size, pos.OriginalSize = u.FilledSize, u.FilledSize
			f.cancel = c.clearProtectionLocked(pos)
			f.protect = true
			c.seq++
		}
		return f
	}

	q, known := c.findQuoteLocked(u.OrderID)
	if !known && !isEntryPurpose(purposeFromClientID(u.ClientOrderID)) {
		return f
	}
	if !known {
		q = models.Quote{OrderID: u.OrderID, ClientOrderID: u.ClientOrderID, Side: u.Side, Price: u.Price}
	}

	if u.FilledSize <= 0 {
		if !u.Status.Live() {
			c.dropQuoteLocked(u.OrderID)
		}
		return f
	}
	if pos != nil {
		// a second quote filled after the first opened the position
		c.dropQuoteLocked(u.OrderID)
		f.reconcile = true
		return f
	}

	if c.resting != nil {
		for _, other := range c.resting.Quotes {
			if other.OrderID != u.OrderID {
				f.cancel = append(f.cancel, other.OrderID)
			}
		}
		c.retireLocked(c.resting.Quotes)
		c.resting = nil
	}
	if u.Status.Live() {
		f.cancel = append(f.cancel, u.OrderID)
	}
	c.dropQuoteLocked(u.OrderID)

	entry := u.AvgFillPrice
	if entry <= 0 {
		entry = q.Price
	}
	c.openPositionLocked(models.SideForOrder(q.Side), entry, u.FilledSize, u.OrderID, string(q.Side)+" entry filled")
	f.protect = true
	return f
}

func (c *Controller) applyProtectiveUpdateLocked(u models.OrderUpdate, purpose string) followUp {
	f := followUp{symbol: c.symbol}
	pos := c.position
	switch {
	case u.Status == models.OrderStatusFilled:
		if purpose == purposeTP {
			return c.flattenLocked("take profit filled")
		}
		return c.flattenLocked("stop loss filled")
	case u.Status.Live():
		return f
	}
	c.logger.WithFields(logrus.Fields{
		"symbol":   c.symbol,
		"purpose":  purpose,
		"order_id": u.OrderID,
		"status":   string(u.Status),
	}).Warn("Protective order no longer live")
	if purpose == purposeTP {
		pos.TPOrderID = ""
	} else {
		pos.SLOrderID = ""
	}
	f.protect = c.state == StatePositionActive
	return f
}

// clearProtectionLocked forgets the tracked protective orders and returns
// their ids for cancellation.
func (c *Controller) clearProtectionLocked(pos *models.Position) []string {
	var ids []string
	if pos.TPOrderID != "" {
		ids = append(ids, pos.TPOrderID)
	}
	if pos.SLOrderID != "" {
		ids = append(ids, pos.SLOrderID)
	}
	pos.TPOrderID, pos.SLOrderID = "", ""
	return ids
}

// flattenLocked drops the local position and every order id tied to it.
func (c *Controller) flattenLocked(reason string) followUp {
	f := followUp{symbol: c.symbol}
	pos := c.position
	if pos == nil {
		if c.state == StateClosing || c.state == StatePositionActive {
			c.setStateLocked(c.idleStateLocked(), reason)
		}
		return f
	}
	f.cancel = c.clearProtectionLocked(pos)
	c.position = nil
	c.exitOrderID = ""
	c.seq++
	c.logger.WithFields(logrus.Fields{
		"symbol": c.symbol,
		"side":   string(pos.Side),
		"size":   pos.Size,
		"reason": reason,
	}).Info("Position closed")
	c.emitLocked("position_closed", *pos)
	c.setStateLocked(c.idleStateLocked(), reason)
	return f
}

func (c *Controller) sizeTolerance() float64 {
	if c.market != nil && c.market.StepSize > 0 {
		return c.market.StepSize / 2
	}
	return 1e-9
}

// applyPositionsLocked converges the local position on the exchange's. The
// exchange wins every disagreement.
func (c *Controller) applyPositionsLocked(positions []models.ExchangePosition, reason string) followUp {
	f := followUp{symbol: c.symbol}
	var ep *models.ExchangePosition
	for i := range positions {
		if positions[i].Symbol == c.symbol && !positions[i].IsFlat() {
			ep = &positions[i]
			break
		}
	}
	pos := c.position

	switch {
	case ep == nil && pos == nil:
		if c.state == StateClosing || c.state == StatePositionActive {
			c.setStateLocked(c.idleStateLocked(), reason)
		}
		return f
	case ep == nil:
		return c.flattenLocked(reason + ": exchange reports no position")
	case pos == nil || pos.Side != ep.Side():
		c.logger.WithFields(logrus.Fields{
			"symbol": c.symbol,
			"amount": ep.Amount,
			"entry":  ep.EntryPrice,
			"reason": reason,
		}).Warn("Adopting exchange position")
		if pos != nil {
			f.cancel = append(f.cancel, c.clearProtectionLocked(pos)...)
		}
		if c.resting != nil {
			f.cancel = append(f.cancel, c.resting.OrderIDs()...)
			c.retireLocked(c.resting.Quotes)
			c.resting = nil
		}
		c.openPositionLocked(ep.Side(), ep.EntryPrice, math.Abs(ep.Amount), "", reason)
		f.protect = true
		return f
	}

	if size := math.Abs(ep.Amount); math.Abs(size-pos.Size) > c.sizeTolerance() {
		c.logger.WithFields(logrus.Fields{
			"symbol": c.symbol,
			"local":  pos.Size,
			"remote": size,
		}).Warn("Position size differs from exchange, resizing")
		pos.Size = size
		f.cancel = c.clearProtectionLocked(pos)
		c.seq++
	}
	switch c.state {
	case StateClosing:
		if c.exitOrderID == "" {
			f.exit, f.exitReason = true, "exit retry"
		}
	case StatePositionActive:
		f.protect = pos.TPOrderID == "" || pos.SLOrderID == ""
	default:
		c.setStateLocked(StatePositionActive, reason)
		f.protect = true
	}
	return f
}

func updateFromOrder(o models.Order) models.OrderUpdate {
	return models.OrderUpdate{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		Size:          o.Size,
		FilledSize:    o.FilledSize,
		AvgFillPrice:  o.AvgFillPrice,
		ReduceOnly:    o.ReduceOnly,
		EventTime:     o.UpdatedAt,
	}
}
