package model

import "time"

// OrderAction is the buy/sell direction of a single order.
type OrderAction string

const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

// OrderType defines how the venue executes an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	// OrderTypeTakeLimit is a take-profit limit order, triggered at its price.
	OrderTypeTakeLimit OrderType = "take_limit"
)

// VenueConstraints 合约交易约束 (每次计算仓位前重新获取)
type VenueConstraints struct {
	Instrument   string  `json:"instrument"`
	PriceTick    float64 `json:"price_tick"`    // minimum price increment
	QuantityStep float64 `json:"quantity_step"` // minimum quantity increment
	MinOrderSize float64 `json:"min_order_size"`
	MaxLeverage  float64 `json:"max_leverage"`
}

// OrderRequest is what the venue client sends for a new order.
type OrderRequest struct {
	Instrument string      `json:"instrument"`
	Action     OrderAction `json:"action"`
	Type       OrderType   `json:"type"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price,omitempty"` // limit or trigger price, zero for market
	ReduceOnly bool        `json:"reduce_only"`
	Label      string      `json:"label"`
}

// Order is an order as reported by the venue.
type Order struct {
	OrderID    string      `json:"order_id"`
	Instrument string      `json:"instrument"`
	Action     OrderAction `json:"action"`
	Type       OrderType   `json:"type"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price"`
	ReduceOnly bool        `json:"reduce_only"`
	Label      string      `json:"label"`
}

// Position is a venue position. Size is signed: positive long, negative short.
type Position struct {
	Instrument   string  `json:"instrument"`
	Size         float64 `json:"size"`
	AveragePrice float64 `json:"average_price"`
}

// IsOpen reports whether the position has a non-zero size.
func (p Position) IsOpen() bool {
	return p.Size != 0
}

// Side derives the position direction from the signed size.
func (p Position) Side() Side {
	if p.Size < 0 {
		return SideShort
	}
	return SideLong
}

// Ticker is the venue's latest price summary for an instrument.
type Ticker struct {
	Instrument string  `json:"instrument"`
	LastPrice  float64 `json:"last_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// Tick is one pushed price update.
type Tick struct {
	Instrument string    `json:"instrument"`
	LastPrice  float64   `json:"last_price"`
	MarkPrice  float64   `json:"mark_price"`
	Timestamp  time.Time `json:"timestamp"`
}

// Candle is an OHLC bar built from ticks.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Ticks  int       `json:"ticks"`
	Closed bool      `json:"closed"`
}
