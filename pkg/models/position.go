package models

import (
	"math"
	"time"
)

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// EntrySide is the order side that opens a position of this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSide is the order side that reduces a position of this side.
func (s PositionSide) ExitSide() OrderSide {
	return s.EntrySide().Opposite()
}

// SideForOrder maps an entry order side to the position it opens.
func SideForOrder(side OrderSide) PositionSide {
	if side == OrderSideBuy {
		return PositionLong
	}
	return PositionShort
}

// Position is the controller's view of the single open position.
type Position struct {
	Symbol       string       `json:"symbol"`
	Side         PositionSide `json:"side"`
	EntryPrice   float64      `json:"entry_price"`
	Size         float64      `json:"size"`
	OriginalSize float64      `json:"original_size"`
	EntryTime    time.Time    `json:"entry_time"`
	EntryOrderID string       `json:"entry_order_id,omitempty"`
	TPPrice      float64      `json:"tp_price"`
	TPOrderID    string       `json:"tp_order_id,omitempty"`
	SLPrice      float64      `json:"sl_price"`
	SLOrderID    string       `json:"sl_order_id,omitempty"`
}

// ExchangePosition is the exchange-reported position. Amount is signed:
// positive long, negative short.
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Amount        float64 `json:"amount"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

func (p ExchangePosition) IsFlat() bool {
	return math.Abs(p.Amount) < 1e-12
}

func (p ExchangePosition) Side() PositionSide {
	if p.Amount < 0 {
		return PositionShort
	}
	return PositionLong
}

// Quote is one live order of a resting order.
type Quote struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          OrderSide `json:"side"`
	Price         float64   `json:"price"`
}

// RestingOrder is the controller's current unfilled quote: one order in
// directional mode, a bid/ask pair in market-making mode.
type RestingOrder struct {
	Quotes   []Quote     `json:"quotes"`
	Size     float64     `json:"size"`
	Status   OrderStatus `json:"status"`
	PlacedAt time.Time   `json:"placed_at"`
}

func (r *RestingOrder) Find(orderID string) (Quote, bool) {
	if r == nil {
		return Quote{}, false
	}
	for _, q := range r.Quotes {
		if q.OrderID == orderID {
			return q, true
		}
	}
	return Quote{}, false
}

func (r *RestingOrder) OrderIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Quotes))
	for _, q := range r.Quotes {
		ids = append(ids, q.OrderID)
	}
	return ids
}
