package engine

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchd/pkg/app/core/orderbook"
)

// Durable stream message types.
const (
	TypeOrderUpdate = "ORDER_UPDATE"
	TypeTradeAdded  = "TRADE_ADDED"
)

// Reply types sent back to the requesting client.
const (
	ReplyOrderPlaced    = "ORDER_PLACED"
	ReplyOrderCancelled = "ORDER_CANCELLED"
	ReplyOpenOrders     = "OPEN_ORDERS"
	ReplyDepth          = "DEPTH"
	ReplyBalance        = "BALANCE"
	ReplyOnRamp         = "ON_RAMP"
	ReplyRejected       = "REJECTED"
)

// DBMessage is one entry on the durable event stream.
type DBMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`

	market string // partition key, not part of the payload
}

// NewDBMessage builds a durable event belonging to market.
func NewDBMessage(market, typ string, data any) DBMessage {
	return DBMessage{Type: typ, Data: data, market: market}
}

// Market is the market the event belongs to, empty if unknown.
func (m DBMessage) Market() string { return m.market }

// OrderUpdate reports executed quantity for an order. Market, Price, Quantity
// and Side are only set for the taker.
type OrderUpdate struct {
	OrderID     string          `json:"orderId"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	Market      string          `json:"market,omitempty"`
	Price       string          `json:"price,omitempty"`
	Quantity    string          `json:"quantity,omitempty"`
	Side        string          `json:"side,omitempty"`
}

type TradeAdded struct {
	ID            string          `json:"id"`
	Market        string          `json:"market"`
	IsBuyerMaker  bool            `json:"isBuyerMaker"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQuantity decimal.Decimal `json:"quoteQuantity"`
	Timestamp     int64           `json:"timestamp"` // unix ms
}

// StreamMessage is published on a live topic; Stream is the topic name.
type StreamMessage struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

func TradeTopic(market string) string { return "trade." + market }
func DepthTopic(market string) string { return "depth.200ms." + market }

type TradeEvent struct {
	Event        string          `json:"e"` // "trade"
	TradeID      uint64          `json:"t"`
	IsBuyerMaker bool            `json:"m"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	Market       string          `json:"s"`
}

// DepthEvent carries only the price levels touched by one request. A level
// with quantity zero has been emptied.
type DepthEvent struct {
	Event string                 `json:"e"` // "depth"
	Asks  []orderbook.PriceLevel `json:"a"`
	Bids  []orderbook.PriceLevel `json:"b"`
}

// Reply is the response to one request.
type Reply struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type OrderPlaced struct {
	OrderID     string           `json:"orderId"`
	ExecutedQty decimal.Decimal  `json:"executedQty"`
	Fills       []orderbook.Fill `json:"fills"`
}

type OrderCancelled struct {
	OrderID      string          `json:"orderId"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	RemainingQty decimal.Decimal `json:"remainingQty"`
}

// BalanceInfo is the GET_BALANCE reply. Balance is the available quote
// (base currency) balance; BaseBalance is the market's base asset.
type BalanceInfo struct {
	UserID      string            `json:"userId"`
	Balance     decimal.Decimal   `json:"balance"`
	BaseBalance decimal.Decimal   `json:"baseBalance"`
	QuoteLocked decimal.Decimal   `json:"quoteLocked"`
	BaseLocked  decimal.Decimal   `json:"baseLocked"`
	OpenOrders  []orderbook.Order `json:"openOrders"`
}

type OnRampResult struct {
	Message string          `json:"message"`
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rejected builds the reply for a failed request.
func Rejected(err error) Reply {
	return Reply{Type: ReplyRejected, Payload: Rejection{Code: string(KindOf(err)), Message: err.Error()}}
}
