package models

import (
	"time"
)

type Order struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"`
	StopPrice     float64     `json:"stop_price"`
	Size          float64     `json:"size"`
	FilledSize    float64     `json:"filled_size"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	Status        OrderStatus `json:"status"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	PostOnly      bool        `json:"post_only"`
	ReduceOnly    bool        `json:"reduce_only"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	// TimeInForceGTX is good-till-crossing, the post-only flavour.
	TimeInForceGTX TimeInForce = "GTX"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Live reports whether the order can still trade.
func (s OrderStatus) Live() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

type OrderRequest struct {
	Symbol        string
	ClientOrderID string
	Side          OrderSide
	Type          OrderType
	Price         float64
	StopPrice     float64
	Size          float64
	TimeInForce   TimeInForce
	PostOnly      bool
	ReduceOnly    bool
}

// OrderUpdate is pushed on the user-data channel whenever an order changes.
// FilledSize is cumulative.
type OrderUpdate struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         float64
	StopPrice     float64
	Size          float64
	FilledSize    float64
	AvgFillPrice  float64
	ReduceOnly    bool
	EventTime     time.Time
}

// AccountUpdate is pushed on the user-data channel on balance or position changes.
type AccountUpdate struct {
	Balance    float64
	HasBalance bool
	Positions  []ExchangePosition
	EventTime  time.Time
}
