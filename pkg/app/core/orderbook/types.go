package orderbook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	return -s
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("invalid side %q", v)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is one resting or incoming intent to trade.
// Quantity is the original size and never changes; Filled accumulates
// matched size, so the open size is always Quantity - Filled.
type Order struct {
	ID       string          `json:"orderId"`
	UserID   string          `json:"userId"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Filled   decimal.Decimal `json:"filled"`
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Fill records one match between an incoming order and a resting (maker) order.
// Price is always the maker's price.
type Fill struct {
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	TradeID      uint64          `json:"tradeId"`
	OtherUserID  string          `json:"otherUserId"`
	MakerOrderID string          `json:"makerOrderId"`
}

// PriceLevel is aggregated resting quantity at one price.
// It encodes as a ["price", "qty"] pair.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Qty.String()})
}

func (l *PriceLevel) UnmarshalJSON(b []byte) error {
	var pair [2]string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	price, err := decimal.NewFromString(pair[0])
	if err != nil {
		return fmt.Errorf("level price: %w", err)
	}
	qty, err := decimal.NewFromString(pair[1])
	if err != nil {
		return fmt.Errorf("level qty: %w", err)
	}
	l.Price, l.Qty = price, qty
	return nil
}

// Depth holds bids sorted high to low and asks sorted low to high.
type Depth struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}
