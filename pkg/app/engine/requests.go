package engine

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchd/pkg/app/core/orderbook"
)

// Inbound message types.
const (
	TypeCreateOrder   = "CREATE_ORDER"
	TypeCancelOrder   = "CANCEL_ORDER"
	TypeGetOpenOrders = "GET_OPEN_ORDERS"
	TypeGetDepth      = "GET_DEPTH"
	TypeGetBalance    = "GET_BALANCE"
	TypeOnRamp        = "ON_RAMP"
)

// Envelope is what producers push onto the request queue. ClientID names the
// channel the reply is published on.
type Envelope struct {
	ClientID string  `json:"clientId"`
	Message  Message `json:"message"`
}

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Request is any typed engine request.
type Request interface {
	RequestType() string
}

type CreateOrder struct {
	Market   string          `json:"market"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     orderbook.Side  `json:"side"`
	UserID   string          `json:"userId"`
}

type CancelOrder struct {
	Market  string `json:"market"`
	OrderID string `json:"orderId"`
}

type GetOpenOrders struct {
	Market string `json:"market"`
	UserID string `json:"userId"`
}

type GetDepth struct {
	Market string `json:"market"`
}

type GetBalance struct {
	UserID string `json:"userId"`
	Market string `json:"market"`
}

type OnRamp struct {
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
}

func (CreateOrder) RequestType() string   { return TypeCreateOrder }
func (CancelOrder) RequestType() string   { return TypeCancelOrder }
func (GetOpenOrders) RequestType() string { return TypeGetOpenOrders }
func (GetDepth) RequestType() string      { return TypeGetDepth }
func (GetBalance) RequestType() string    { return TypeGetBalance }
func (OnRamp) RequestType() string        { return TypeOnRamp }

// ParseMessage decodes the typed payload of m. Malformed input is an
// InvalidRequest error.
func ParseMessage(m Message) (Request, error) {
	var req Request
	switch m.Type {
	case TypeCreateOrder:
		var r CreateOrder
		if err := decode(m, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeCancelOrder:
		var r CancelOrder
		if err := decode(m, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeGetOpenOrders:
		var r GetOpenOrders
		if err := decode(m, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeGetDepth:
		var r GetDepth
		if err := decode(m, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeGetBalance:
		var r GetBalance
		if err := decode(m, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeOnRamp:
		var r OnRamp
		if err := decode(m, &r); err != nil {
			return nil, err
		}
		req = r
	default:
		return nil, newError(KindInvalidRequest, nil, "unknown message type %q", m.Type)
	}
	return req, nil
}

func decode(m Message, v any) error {
	if len(m.Data) == 0 {
		return newError(KindInvalidRequest, nil, "%s: missing data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return newError(KindInvalidRequest, err, "%s: malformed data", m.Type)
	}
	return nil
}

// ParseEnvelope decodes one raw queue item. The envelope is returned even
// when the inner message is invalid so the caller can still reply.
func ParseEnvelope(raw []byte) (Envelope, Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, newError(KindInvalidRequest, err, "malformed envelope")
	}
	req, err := ParseMessage(env.Message)
	if err != nil {
		return env, nil, err
	}
	return env, req, nil
}

// NewMessage wraps a typed request for the queue.
func NewMessage(req Request) (Message, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", req.RequestType(), err)
	}
	return Message{Type: req.RequestType(), Data: data}, nil
}
