package orderbook

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// Snapshot is the persisted form of one book. Bids and Asks are listed in
// priority order so that re-inserting them in sequence restores time priority.
type Snapshot struct {
	BaseAsset    string          `json:"baseAsset"`
	Bids         []Order         `json:"bids"`
	Asks         []Order         `json:"asks"`
	LastTradeID  uint64          `json:"lastTradeId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
}

// Snapshot deep-copies the book state.
func (ob *OrderBook) Snapshot() Snapshot {
	return Snapshot{
		BaseAsset:    ob.BaseAsset,
		Bids:         copyOrders(ob.bids),
		Asks:         copyOrders(ob.asks),
		LastTradeID:  ob.lastTradeID,
		CurrentPrice: ob.lastPrice,
	}
}

func copyOrders(tree *btree.BTreeG[*level]) []Order {
	out := []Order{}
	tree.Scan(func(l *level) bool {
		for _, o := range l.orders {
			out = append(out, *o)
		}
		return true
	})
	return out
}

// Restore rebuilds a book from a snapshot. It rejects snapshots that could
// not have been produced by a live book: wrong sides, duplicate IDs, orders
// with nothing left to fill, or a crossed book.
func Restore(quoteAsset string, s Snapshot) (*OrderBook, error) {
	if s.BaseAsset == "" {
		return nil, fmt.Errorf("snapshot missing base asset")
	}
	ob := NewOrderBook(s.BaseAsset, quoteAsset)
	ob.lastTradeID = s.LastTradeID
	ob.lastPrice = s.CurrentPrice

	load := func(orders []Order, side Side) error {
		for i := range orders {
			o := orders[i]
			if o.Side != side {
				return fmt.Errorf("order %s listed on %s side has side %s", o.ID, side, o.Side)
			}
			if _, dup := ob.index[o.ID]; dup {
				return fmt.Errorf("duplicate order id %s", o.ID)
			}
			if !o.Remaining().IsPositive() || o.Filled.IsNegative() {
				return fmt.Errorf("order %s has invalid fill state %s/%s", o.ID, o.Filled, o.Quantity)
			}
			ob.rest(&o)
		}
		return nil
	}
	if err := load(s.Bids, Buy); err != nil {
		return nil, fmt.Errorf("restore %s bids: %w", s.BaseAsset, err)
	}
	if err := load(s.Asks, Sell); err != nil {
		return nil, fmt.Errorf("restore %s asks: %w", s.BaseAsset, err)
	}

	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	if hasBid && hasAsk && bid.GreaterThanOrEqual(ask) {
		return nil, fmt.Errorf("restore %s: crossed book (bid %s >= ask %s)", s.BaseAsset, bid, ask)
	}
	return ob, nil
}
