package orderbook

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// level is a FIFO queue of resting orders at a single price.
type level struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *level) front() *Order { return l.orders[0] }

func (l *level) popFront() {
	l.orders[0] = nil
	l.orders = l.orders[1:]
}

func (l *level) remove(id string) bool {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return true
		}
	}
	return false
}

func (l *level) total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range l.orders {
		sum = sum.Add(o.Remaining())
	}
	return sum
}

// OrderBook holds the resting orders of one market.
//
// Both sides are B-trees of price levels ordered best-first, so Min() is the
// best bid on the bid side and the best ask on the ask side. Within a level
// orders keep arrival order.
//
// OrderBook is single-writer and not safe for concurrent use; the engine
// serializes every call.
type OrderBook struct {
	BaseAsset  string
	QuoteAsset string

	bids *btree.BTreeG[*level]
	asks *btree.BTreeG[*level]

	// resting order ID -> order, for O(1) cancel lookup
	index map[string]*Order

	lastTradeID uint64
	lastPrice   decimal.Decimal
}

func NewOrderBook(baseAsset, quoteAsset string) *OrderBook {
	opts := btree.Options{NoLocks: true}
	return &OrderBook{
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		bids: btree.NewBTreeGOptions(func(a, b *level) bool {
			return a.price.GreaterThan(b.price)
		}, opts),
		asks: btree.NewBTreeGOptions(func(a, b *level) bool {
			return a.price.LessThan(b.price)
		}, opts),
		index: make(map[string]*Order),
	}
}

// Ticker returns the market symbol, e.g. "TATA_INR".
func (ob *OrderBook) Ticker() string {
	return ob.BaseAsset + "_" + ob.QuoteAsset
}

func (ob *OrderBook) LastTradeID() uint64 { return ob.lastTradeID }

// LastPrice returns the price of the most recent fill, zero if none.
func (ob *OrderBook) LastPrice() decimal.Decimal { return ob.lastPrice }

func (ob *OrderBook) side(s Side) *btree.BTreeG[*level] {
	if s == Buy {
		return ob.bids
	}
	return ob.asks
}

// Submit matches o against the opposite side under price-time priority and
// rests whatever is left. o.Filled is updated in place.
// Fills are returned in the order they were produced.
func (ob *OrderBook) Submit(o *Order) ([]Fill, decimal.Decimal) {
	fills, executed := ob.match(o)
	if o.Remaining().IsPositive() {
		ob.rest(o)
	}
	return fills, executed
}

func (ob *OrderBook) crosses(taker *Order, makerPrice decimal.Decimal) bool {
	if taker.Side == Buy {
		return makerPrice.LessThanOrEqual(taker.Price)
	}
	return makerPrice.GreaterThanOrEqual(taker.Price)
}

func (ob *OrderBook) match(o *Order) ([]Fill, decimal.Decimal) {
	opposite := ob.side(o.Side.Opposite())
	fills := []Fill{}
	executed := decimal.Zero

	for o.Remaining().IsPositive() {
		lvl, ok := opposite.Min()
		if !ok || !ob.crosses(o, lvl.price) {
			break
		}

		maker := lvl.front()
		if !maker.Remaining().IsPositive() {
			// stale entry, drop without a fill
			ob.dropFront(opposite, lvl)
			continue
		}

		qty := decimal.Min(o.Remaining(), maker.Remaining())
		o.Filled = o.Filled.Add(qty)
		maker.Filled = maker.Filled.Add(qty)
		executed = executed.Add(qty)

		ob.lastTradeID++
		ob.lastPrice = maker.Price
		fills = append(fills, Fill{
			Price:        maker.Price,
			Qty:          qty,
			TradeID:      ob.lastTradeID,
			OtherUserID:  maker.UserID,
			MakerOrderID: maker.ID,
		})

		if maker.Remaining().IsZero() {
			ob.dropFront(opposite, lvl)
		}
	}
	return fills, executed
}

func (ob *OrderBook) dropFront(tree *btree.BTreeG[*level], lvl *level) {
	delete(ob.index, lvl.front().ID)
	lvl.popFront()
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
}

func (ob *OrderBook) rest(o *Order) {
	tree := ob.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		lvl = &level{price: o.Price}
		tree.Set(lvl)
	}
	lvl.orders = append(lvl.orders, o)
	ob.index[o.ID] = o
}

// Find returns the resting order with the given ID.
func (ob *OrderBook) Find(orderID string) (*Order, bool) {
	o, ok := ob.index[orderID]
	return o, ok
}

// Cancel removes a resting order from the given side and returns its price.
// ok is false when no order with that ID rests on that side.
func (ob *OrderBook) Cancel(side Side, orderID string) (decimal.Decimal, bool) {
	o, ok := ob.index[orderID]
	if !ok || o.Side != side {
		return decimal.Zero, false
	}

	tree := ob.side(side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok || !lvl.remove(orderID) {
		return decimal.Zero, false
	}
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
	delete(ob.index, orderID)
	return o.Price, true
}

// Depth aggregates open quantity per price level at call time.
func (ob *OrderBook) Depth() Depth {
	return Depth{
		Bids: levels(ob.bids),
		Asks: levels(ob.asks),
	}
}

func levels(tree *btree.BTreeG[*level]) []PriceLevel {
	out := make([]PriceLevel, 0, tree.Len())
	tree.Scan(func(l *level) bool {
		if qty := l.total(); qty.IsPositive() {
			out = append(out, PriceLevel{Price: l.price, Qty: qty})
		}
		return true
	})
	return out
}

// QuantityAt returns the aggregate open quantity resting at price on side,
// zero when the level is empty.
func (ob *OrderBook) QuantityAt(side Side, price decimal.Decimal) decimal.Decimal {
	lvl, ok := ob.side(side).Get(&level{price: price})
	if !ok {
		return decimal.Zero
	}
	return lvl.total()
}

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	lvl, ok := ob.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	lvl, ok := ob.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// OpenOrders returns copies of every resting order owned by userID,
// asks before bids, each side in priority order.
func (ob *OrderBook) OpenOrders(userID string) []Order {
	out := []Order{}
	collect := func(l *level) bool {
		for _, o := range l.orders {
			if o.UserID == userID {
				out = append(out, *o)
			}
		}
		return true
	}
	ob.asks.Scan(collect)
	ob.bids.Scan(collect)
	return out
}

// Len returns the number of resting orders on both sides.
func (ob *OrderBook) Len() int {
	return len(ob.index)
}
