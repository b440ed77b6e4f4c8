package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchd/pkg/app/core/ledger"
	"github.com/uhyunpark/matchd/pkg/app/core/market"
	"github.com/uhyunpark/matchd/pkg/app/core/orderbook"
	"github.com/uhyunpark/matchd/pkg/metrics"
	"github.com/uhyunpark/matchd/pkg/util"
)

// Publisher receives the engine's outbound events. Implementations must not
// block; a failed delivery never affects engine state.
type Publisher interface {
	PublishDB(msg DBMessage)
	PublishStream(msg StreamMessage)
}

type nopPublisher struct{}

func (nopPublisher) PublishDB(DBMessage)         {}
func (nopPublisher) PublishStream(StreamMessage) {}

// Engine owns every order book and the balance ledger. It is not safe for
// concurrent use; Runner serializes all calls.
type Engine struct {
	markets *market.Registry
	books   map[string]*orderbook.OrderBook // symbol -> book
	ledger  *ledger.Ledger

	pub   Publisher
	clock util.Clock
	newID func() string
	log   *zap.SugaredLogger
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }
func WithClock(c util.Clock) Option    { return func(e *Engine) { e.clock = c } }

// WithIDGenerator replaces the default UUID order IDs.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

// New builds an engine with no markets and an empty ledger. quoteAsset is the
// exchange-wide base currency every market is quoted in.
func New(quoteAsset string, opts ...Option) *Engine {
	e := &Engine{
		markets: market.NewRegistry(quoteAsset),
		books:   make(map[string]*orderbook.OrderBook),
		ledger:  ledger.New(),
		pub:     nopPublisher{},
		clock:   util.RealClock{},
		newID:   uuid.NewString,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) QuoteAsset() string { return e.markets.QuoteAsset() }

// Ledger exposes the balance ledger for inspection.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// AddMarket registers baseAsset/quote with an empty book.
func (e *Engine) AddMarket(baseAsset string) (market.Market, error) {
	m, err := e.markets.Add(baseAsset)
	if err != nil {
		return market.Market{}, err
	}
	e.books[m.Symbol] = orderbook.NewOrderBook(m.BaseAsset, m.QuoteAsset)
	return *m, nil
}

// Markets lists registered markets sorted by symbol.
func (e *Engine) Markets() []market.Market { return e.markets.List() }

// Seed credits amount of the quote asset and of every market's base asset
// to each user.
func (e *Engine) Seed(users []string, amount decimal.Decimal) error {
	assets := []string{e.QuoteAsset()}
	for _, m := range e.markets.List() {
		assets = append(assets, m.BaseAsset)
	}
	for _, u := range users {
		for _, a := range assets {
			if err := e.ledger.Deposit(u, a, amount); err != nil {
				return fmt.Errorf("seed user %s: %w", u, err)
			}
		}
	}
	return nil
}

func (e *Engine) book(symbol string) (*orderbook.OrderBook, market.Market, error) {
	m, err := e.markets.Get(symbol)
	if err != nil {
		return nil, market.Market{}, newError(KindMarketNotFound, nil, "no orderbook for %q", symbol)
	}
	return e.books[symbol], m, nil
}

// writable returns the book for a mutating request. Halted markets refuse
// every mutation.
func (e *Engine) writable(symbol string) (*orderbook.OrderBook, market.Market, error) {
	ob, m, err := e.book(symbol)
	if err != nil {
		return nil, m, err
	}
	if m.Status == market.Halted {
		return nil, m, newError(KindInternalInconsistency, nil, "market %s halted: %s", symbol, m.HaltReason)
	}
	return ob, m, nil
}

func (e *Engine) halt(symbol string, cause error) {
	if err := e.markets.Halt(symbol, cause.Error()); err != nil {
		e.log.Errorw("market_halt_failed", "market", symbol, "err", err)
		return
	}
	metrics.MarketHalted()
	e.log.Errorw("market_halted", "market", symbol, "err", cause)
}

// Process runs one request to completion. The reply is always set: failed
// requests get a REJECTED reply and the error is returned alongside it.
func (e *Engine) Process(req Request) (Reply, error) {
	reply, err := e.process(req)
	if err != nil {
		metrics.Request(req.RequestType(), string(KindOf(err)))
		return Rejected(err), err
	}
	metrics.Request(req.RequestType(), "ok")
	return reply, nil
}

func (e *Engine) process(req Request) (Reply, error) {
	switch r := req.(type) {
	case CreateOrder:
		res, err := e.CreateOrder(r)
		return Reply{Type: ReplyOrderPlaced, Payload: res}, err
	case CancelOrder:
		res, err := e.CancelOrder(r)
		return Reply{Type: ReplyOrderCancelled, Payload: res}, err
	case GetOpenOrders:
		res, err := e.OpenOrders(r.Market, r.UserID)
		return Reply{Type: ReplyOpenOrders, Payload: res}, err
	case GetDepth:
		return Reply{Type: ReplyDepth, Payload: e.Depth(r.Market)}, nil
	case GetBalance:
		res, err := e.Balance(r.UserID, r.Market)
		return Reply{Type: ReplyBalance, Payload: res}, err
	case OnRamp:
		res, err := e.OnRamp(r.UserID, r.Amount)
		return Reply{Type: ReplyOnRamp, Payload: res}, err
	default:
		return Reply{}, newError(KindInvalidRequest, nil, "unsupported request %T", req)
	}
}

func validateOrder(r CreateOrder) error {
	switch {
	case r.UserID == "":
		return newError(KindInvalidRequest, nil, "userId required")
	case !r.Side.Valid():
		return newError(KindInvalidRequest, nil, "invalid side")
	case !r.Price.IsPositive():
		return newError(KindInvalidRequest, nil, "price must be positive, got %s", r.Price)
	case !r.Quantity.IsPositive():
		return newError(KindInvalidRequest, nil, "quantity must be positive, got %s", r.Quantity)
	}
	return nil
}

// CreateOrder locks the funds the order needs, matches it, settles every
// fill and rests the remainder.
func (e *Engine) CreateOrder(r CreateOrder) (OrderPlaced, error) {
	ob, m, err := e.writable(r.Market)
	if err != nil {
		return OrderPlaced{}, err
	}
	if err := validateOrder(r); err != nil {
		return OrderPlaced{}, err
	}

	asset, amount := m.QuoteAsset, r.Price.Mul(r.Quantity)
	if r.Side == orderbook.Sell {
		asset, amount = m.BaseAsset, r.Quantity
	}
	if err := e.ledger.Lock(r.UserID, asset, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return OrderPlaced{}, newError(KindInsufficientFunds, err, "order needs %s %s", amount, asset)
		}
		return OrderPlaced{}, newError(KindInternalInconsistency, err, "lock funds")
	}

	order := &orderbook.Order{
		ID:       e.newID(),
		UserID:   r.UserID,
		Side:     r.Side,
		Price:    r.Price,
		Quantity: r.Quantity,
	}
	fills, executed := ob.Submit(order)

	if err := e.ledger.Apply(settlement(m, order, fills)...); err != nil {
		e.halt(m.Symbol, err)
		e.abandon(ob, order, asset, amount)
		return OrderPlaced{}, newError(KindInternalInconsistency, err, "settle order %s", order.ID)
	}

	metrics.Fills(m.Symbol, len(fills))
	metrics.RestingOrders(m.Symbol, ob.Len())

	e.emitTrades(m, order, fills)
	e.emitOrderUpdates(m, order, executed, fills)
	e.emitDepthAfterMatch(ob, m, order, fills)
	e.emitLiveTrades(m, order, fills)

	return OrderPlaced{OrderID: order.ID, ExecutedQty: executed, Fills: fills}, nil
}

// abandon undoes what a rejected taker still holds: its resting remainder
// and the whole up-front lock. Makers it consumed stay consumed; the market
// is halted by then.
func (e *Engine) abandon(ob *orderbook.OrderBook, taker *orderbook.Order, asset string, locked decimal.Decimal) {
	if _, rested := ob.Find(taker.ID); rested {
		ob.Cancel(taker.Side, taker.ID)
	}
	if err := e.ledger.Unlock(taker.UserID, asset, locked); err != nil {
		e.log.Errorw("taker_release_failed", "order", taker.ID, "user", taker.UserID, "asset", asset, "amount", locked, "err", err)
	}
}

// settlement builds the ledger postings for every fill of taker.
//
// A buy taker locked limit*qty up front but pays the maker's price, so the
// difference per fill goes back to available.
func settlement(m market.Market, taker *orderbook.Order, fills []orderbook.Fill) []ledger.Posting {
	postings := make([]ledger.Posting, 0, 4*len(fills))
	for _, f := range fills {
		notional := f.Price.Mul(f.Qty)
		if taker.Side == orderbook.Buy {
			postings = append(postings,
				ledger.Posting{UserID: taker.UserID, Asset: m.QuoteAsset,
					Locked:    taker.Price.Mul(f.Qty).Neg(),
					Available: taker.Price.Sub(f.Price).Mul(f.Qty)},
				ledger.Posting{UserID: taker.UserID, Asset: m.BaseAsset, Available: f.Qty},
				ledger.Posting{UserID: f.OtherUserID, Asset: m.BaseAsset, Locked: f.Qty.Neg()},
				ledger.Posting{UserID: f.OtherUserID, Asset: m.QuoteAsset, Available: notional},
			)
			continue
		}
		postings = append(postings,
			ledger.Posting{UserID: taker.UserID, Asset: m.BaseAsset, Locked: f.Qty.Neg()},
			ledger.Posting{UserID: taker.UserID, Asset: m.QuoteAsset, Available: notional},
			ledger.Posting{UserID: f.OtherUserID, Asset: m.QuoteAsset, Locked: notional.Neg()},
			ledger.Posting{UserID: f.OtherUserID, Asset: m.BaseAsset, Available: f.Qty},
		)
	}
	return postings
}

// CancelOrder removes a resting order and releases whatever it still had locked.
func (e *Engine) CancelOrder(r CancelOrder) (OrderCancelled, error) {
	ob, m, err := e.writable(r.Market)
	if err != nil {
		return OrderCancelled{}, err
	}
	o, ok := ob.Find(r.OrderID)
	if !ok {
		return OrderCancelled{}, newError(KindOrderNotFound, nil, "order %q not on %s", r.OrderID, m.Symbol)
	}
	side, price, user, remaining := o.Side, o.Price, o.UserID, o.Remaining()
	if _, ok := ob.Cancel(side, r.OrderID); !ok {
		err := fmt.Errorf("order %s indexed but not on its %s level", r.OrderID, side)
		e.halt(m.Symbol, err)
		return OrderCancelled{}, newError(KindInternalInconsistency, err, "cancel")
	}

	asset, amount := m.QuoteAsset, remaining.Mul(price)
	if side == orderbook.Sell {
		asset, amount = m.BaseAsset, remaining
	}
	if err := e.ledger.Unlock(user, asset, amount); err != nil {
		e.halt(m.Symbol, err)
		return OrderCancelled{}, newError(KindInternalInconsistency, err, "release order %s", r.OrderID)
	}
	metrics.RestingOrders(m.Symbol, ob.Len())

	level := []orderbook.PriceLevel{{Price: price, Qty: ob.QuantityAt(side, price)}}
	ev := DepthEvent{Event: "depth", Asks: []orderbook.PriceLevel{}, Bids: []orderbook.PriceLevel{}}
	if side == orderbook.Buy {
		ev.Bids = level
	} else {
		ev.Asks = level
	}
	e.pub.PublishStream(StreamMessage{Stream: DepthTopic(m.Symbol), Data: ev})

	return OrderCancelled{OrderID: r.OrderID, ExecutedQty: decimal.Zero, RemainingQty: remaining}, nil
}

// OpenOrders lists userID's resting orders, asks first.
func (e *Engine) OpenOrders(symbol, userID string) ([]orderbook.Order, error) {
	ob, _, err := e.book(symbol)
	if err != nil {
		return nil, err
	}
	return ob.OpenOrders(userID), nil
}

// Depth returns the aggregated book. Unknown markets have empty depth.
func (e *Engine) Depth(symbol string) orderbook.Depth {
	ob, _, err := e.book(symbol)
	if err != nil {
		return orderbook.Depth{Bids: []orderbook.PriceLevel{}, Asks: []orderbook.PriceLevel{}}
	}
	return ob.Depth()
}

func (e *Engine) Balance(userID, symbol string) (BalanceInfo, error) {
	ob, m, err := e.book(symbol)
	if err != nil {
		return BalanceInfo{}, err
	}
	quote, _ := e.ledger.Get(userID, m.QuoteAsset)
	base, _ := e.ledger.Get(userID, m.BaseAsset)
	return BalanceInfo{
		UserID:      userID,
		Balance:     quote.Available,
		BaseBalance: base.Available,
		QuoteLocked: quote.Locked,
		BaseLocked:  base.Locked,
		OpenOrders:  ob.OpenOrders(userID),
	}, nil
}

// OnRamp credits amount of the base currency to userID.
func (e *Engine) OnRamp(userID string, amount decimal.Decimal) (OnRampResult, error) {
	if userID == "" {
		return OnRampResult{}, newError(KindInvalidRequest, nil, "userId required")
	}
	if !amount.IsPositive() {
		return OnRampResult{}, newError(KindInvalidRequest, nil, "amount must be positive, got %s", amount)
	}
	quote := e.QuoteAsset()
	if err := e.ledger.Deposit(userID, quote, amount); err != nil {
		return OnRampResult{}, newError(KindInvalidRequest, err, "deposit")
	}
	return OnRampResult{
		Message: "Money has been deposited successfully",
		UserID:  userID,
		Balance: e.ledger.Available(userID, quote),
	}, nil
}

func (e *Engine) emitTrades(m market.Market, taker *orderbook.Order, fills []orderbook.Fill) {
	ts := e.clock.Now().UnixMilli()
	for _, f := range fills {
		e.pub.PublishDB(NewDBMessage(m.Symbol, TypeTradeAdded, TradeAdded{
			ID:            fmt.Sprint(f.TradeID),
			Market:        m.Symbol,
			IsBuyerMaker:  taker.Side == orderbook.Sell,
			Price:         f.Price,
			Quantity:      f.Qty,
			QuoteQuantity: f.Price.Mul(f.Qty),
			Timestamp:     ts,
		}))
	}
}

func (e *Engine) emitOrderUpdates(m market.Market, taker *orderbook.Order, executed decimal.Decimal, fills []orderbook.Fill) {
	e.pub.PublishDB(NewDBMessage(m.Symbol, TypeOrderUpdate, OrderUpdate{
		OrderID:     taker.ID,
		ExecutedQty: executed,
		Market:      m.Symbol,
		Price:       taker.Price.String(),
		Quantity:    taker.Quantity.String(),
		Side:        taker.Side.String(),
	}))
	for _, f := range fills {
		e.pub.PublishDB(NewDBMessage(m.Symbol, TypeOrderUpdate, OrderUpdate{
			OrderID:     f.MakerOrderID,
			ExecutedQty: f.Qty,
		}))
	}
}

// emitDepthAfterMatch publishes the levels the taker touched: every maker
// level it consumed from and its own level if it rested.
func (e *Engine) emitDepthAfterMatch(ob *orderbook.OrderBook, m market.Market, taker *orderbook.Order, fills []orderbook.Fill) {
	makerSide := taker.Side.Opposite()
	touched := make([]orderbook.PriceLevel, 0, len(fills))
	seen := make(map[string]bool, len(fills))
	for _, f := range fills {
		key := f.Price.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		touched = append(touched, orderbook.PriceLevel{Price: f.Price, Qty: ob.QuantityAt(makerSide, f.Price)})
	}
	own := []orderbook.PriceLevel{}
	if q := ob.QuantityAt(taker.Side, taker.Price); q.IsPositive() {
		own = append(own, orderbook.PriceLevel{Price: taker.Price, Qty: q})
	}

	ev := DepthEvent{Event: "depth", Asks: touched, Bids: own}
	if taker.Side == orderbook.Sell {
		ev.Asks, ev.Bids = own, touched
	}
	if len(ev.Asks) == 0 && len(ev.Bids) == 0 {
		return
	}
	e.pub.PublishStream(StreamMessage{Stream: DepthTopic(m.Symbol), Data: ev})
}

func (e *Engine) emitLiveTrades(m market.Market, taker *orderbook.Order, fills []orderbook.Fill) {
	for _, f := range fills {
		e.pub.PublishStream(StreamMessage{Stream: TradeTopic(m.Symbol), Data: TradeEvent{
			Event:        "trade",
			TradeID:      f.TradeID,
			IsBuyerMaker: taker.Side == orderbook.Sell,
			Price:        f.Price,
			Quantity:     f.Qty,
			Market:       m.Symbol,
		}})
	}
}

// Stats is a cheap summary for heartbeat logging.
type Stats struct {
	Markets int
	Resting int
	Users   int
	Halted  []string
}

func (e *Engine) Stats() Stats {
	s := Stats{Users: len(e.ledger.Users())}
	for _, m := range e.markets.List() {
		s.Markets++
		s.Resting += e.books[m.Symbol].Len()
		if m.Status == market.Halted {
			s.Halted = append(s.Halted, m.Symbol)
		}
	}
	return s
}
