package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchd/pkg/app/core/ledger"
	"github.com/uhyunpark/matchd/pkg/app/core/market"
	"github.com/uhyunpark/matchd/pkg/app/core/orderbook"
)

// ErrUnbackedSnapshot rejects a snapshot whose locked balances differ from
// what its resting orders need.
var ErrUnbackedSnapshot = errors.New("snapshot locks do not match resting orders")

// State is a point-in-time copy of everything the engine owns.
type State struct {
	OrderBooks []orderbook.Snapshot `json:"orderbooks"`
	Balances   []ledger.Entry       `json:"balances"`
}

// Snapshot copies the engine state. Call it only between requests.
func (e *Engine) Snapshot() State {
	markets := e.markets.List()
	s := State{
		OrderBooks: make([]orderbook.Snapshot, 0, len(markets)),
		Balances:   e.ledger.Snapshot(),
	}
	for _, m := range markets {
		s.OrderBooks = append(s.OrderBooks, e.books[m.Symbol].Snapshot())
	}
	return s
}

// Restore replaces books and balances with s. Books for markets that are not
// registered yet are registered on the fly; registered markets missing from s
// keep their current book.
func (e *Engine) Restore(s State) error {
	quote := e.QuoteAsset()
	books := make(map[string]*orderbook.OrderBook, len(s.OrderBooks))
	for _, snap := range s.OrderBooks {
		ob, err := orderbook.Restore(quote, snap)
		if err != nil {
			return err
		}
		sym := market.Ticker(snap.BaseAsset, quote)
		if _, dup := books[sym]; dup {
			return fmt.Errorf("snapshot lists %s twice", sym)
		}
		books[sym] = ob
	}
	l, err := ledger.Restore(s.Balances)
	if err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}

	all := make(map[string]*orderbook.OrderBook, len(books)+len(e.books))
	for sym, ob := range e.books {
		all[sym] = ob
	}
	for sym, ob := range books {
		all[sym] = ob
	}
	if err := checkLocks(quote, all, l); err != nil {
		return err
	}

	for sym, ob := range books {
		if !e.markets.Exists(sym) {
			if _, err := e.markets.Add(ob.BaseAsset); err != nil {
				return fmt.Errorf("restore market %s: %w", sym, err)
			}
		}
		e.books[sym] = ob
	}
	e.ledger = l
	return nil
}

type lockKey struct{ user, asset string }

// checkLocks verifies that every user's locked balance per asset is exactly
// what their resting orders need: remaining*price quote per bid, remaining
// base per ask.
func checkLocks(quote string, books map[string]*orderbook.OrderBook, l *ledger.Ledger) error {
	need := make(map[lockKey]decimal.Decimal)
	for _, ob := range books {
		snap := ob.Snapshot()
		for i := range snap.Bids {
			o := &snap.Bids[i]
			k := lockKey{o.UserID, quote}
			need[k] = need[k].Add(o.Remaining().Mul(o.Price))
		}
		for i := range snap.Asks {
			o := &snap.Asks[i]
			k := lockKey{o.UserID, ob.BaseAsset}
			need[k] = need[k].Add(o.Remaining())
		}
	}

	for k, amt := range need {
		b, _ := l.Get(k.user, k.asset)
		if !b.Locked.Equal(amt) {
			return fmt.Errorf("user %s %s: locked %s, orders need %s: %w", k.user, k.asset, b.Locked, amt, ErrUnbackedSnapshot)
		}
	}
	for _, u := range l.Users() {
		for asset, b := range l.Balances(u) {
			if _, ok := need[lockKey{u, asset}]; !ok && !b.Locked.IsZero() {
				return fmt.Errorf("user %s %s: locked %s with no resting orders: %w", u, asset, b.Locked, ErrUnbackedSnapshot)
			}
		}
	}
	return nil
}
