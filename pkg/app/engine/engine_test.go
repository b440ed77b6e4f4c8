package engine

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/matchd/pkg/app/core/ledger"
	"github.com/uhyunpark/matchd/pkg/app/core/orderbook"
	"github.com/uhyunpark/matchd/pkg/util"
)

const tata = "TATA_INR"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	db      []DBMessage
	streams []StreamMessage
}

func (r *recorder) PublishDB(m DBMessage)         { r.db = append(r.db, m) }
func (r *recorder) PublishStream(m StreamMessage) { r.streams = append(r.streams, m) }

func (r *recorder) reset() { r.db, r.streams = nil, nil }

func (r *recorder) topic(name string) []StreamMessage {
	var out []StreamMessage
	for _, m := range r.streams {
		if m.Stream == name {
			out = append(out, m)
		}
	}
	return out
}

var testTime = time.UnixMilli(1_700_000_000_000)

func newTestEngine(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	n := 0
	e := New("INR",
		WithPublisher(rec),
		WithClock(util.FixedClock{T: testTime}),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("o%d", n) }),
	)
	_, err := e.AddMarket("TATA")
	require.NoError(t, err)
	require.NoError(t, e.Seed([]string{"1", "2", "5"}, d("1000000")))
	return e, rec
}

func order(user string, side orderbook.Side, price, qty string) CreateOrder {
	return CreateOrder{Market: tata, Price: d(price), Quantity: d(qty), Side: side, UserID: user}
}

func place(t *testing.T, e *Engine, req CreateOrder) OrderPlaced {
	t.Helper()
	res, err := e.CreateOrder(req)
	require.NoError(t, err)
	return res
}

func assertBalance(t *testing.T, e *Engine, user, asset, available, locked string) {
	t.Helper()
	b, _ := e.Ledger().Get(user, asset)
	assert.True(t, b.Available.Equal(d(available)), "%s %s available = %s, want %s", user, asset, b.Available, available)
	assert.True(t, b.Locked.Equal(d(locked)), "%s %s locked = %s, want %s", user, asset, b.Locked, locked)
}

func assertLevels(t *testing.T, got []orderbook.PriceLevel, want ...[2]string) {
	t.Helper()
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.True(t, got[i].Price.Equal(d(w[0])), "level %d price = %s, want %s", i, got[i].Price, w[0])
		assert.True(t, got[i].Qty.Equal(d(w[1])), "level %d qty = %s, want %s", i, got[i].Qty, w[1])
	}
}

func TestBuyIntoEmptyBookRests(t *testing.T) {
	e, _ := newTestEngine(t)

	res := place(t, e, order("1", orderbook.Buy, "1000", "1"))
	assert.True(t, res.ExecutedQty.IsZero())
	assert.Empty(t, res.Fills)
	assert.NotNil(t, res.Fills)

	depth := e.Depth(tata)
	assertLevels(t, depth.Bids, [2]string{"1000", "1"})
	assert.Empty(t, depth.Asks)
	assertBalance(t, e, "1", "INR", "999000", "1000")
}

func TestSellAgainstFiveBids(t *testing.T) {
	e, rec := newTestEngine(t)
	for i := 0; i < 5; i++ {
		place(t, e, order("1", orderbook.Buy, "1000", "1"))
	}
	rec.reset()

	res := place(t, e, order("2", orderbook.Sell, "1000", "1"))
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "1000", res.Fills[0].Price.String())
	assert.Equal(t, "1", res.Fills[0].Qty.String())
	assert.Equal(t, "o1", res.Fills[0].MakerOrderID)
	assert.Equal(t, "1", res.Fills[0].OtherUserID)

	depth := e.Depth(tata)
	assertLevels(t, depth.Bids, [2]string{"1000", "4"})
	assert.Empty(t, depth.Asks)

	assertBalance(t, e, "1", "INR", "995000", "4000")
	assertBalance(t, e, "1", "TATA", "1000001", "0")
	assertBalance(t, e, "2", "INR", "1001000", "0")
	assertBalance(t, e, "2", "TATA", "999999", "0")

	// durable stream: trade, taker update, maker update
	require.Len(t, rec.db, 3)
	assert.Equal(t, TypeTradeAdded, rec.db[0].Type)
	trade := rec.db[0].Data.(TradeAdded)
	assert.Equal(t, "1", trade.ID)
	assert.True(t, trade.IsBuyerMaker)
	assert.Equal(t, "1000", trade.QuoteQuantity.String())
	assert.Equal(t, testTime.UnixMilli(), trade.Timestamp)

	taker := rec.db[1].Data.(OrderUpdate)
	assert.Equal(t, "o6", taker.OrderID)
	assert.Equal(t, tata, taker.Market)
	assert.Equal(t, "sell", taker.Side)
	maker := rec.db[2].Data.(OrderUpdate)
	assert.Equal(t, "o1", maker.OrderID)
	assert.Equal(t, "1", maker.ExecutedQty.String())
	assert.Empty(t, maker.Market)
	for _, m := range rec.db {
		assert.Equal(t, tata, m.Market(), "%s keyed by market", m.Type)
	}

	depthEvents := rec.topic(DepthTopic(tata))
	require.Len(t, depthEvents, 1)
	ev := depthEvents[0].Data.(DepthEvent)
	assertLevels(t, ev.Bids, [2]string{"1000", "4"})
	assert.Empty(t, ev.Asks)

	trades := rec.topic(TradeTopic(tata))
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Data.(TradeEvent).IsBuyerMaker)
}

func TestPartialFillRestsRemainder(t *testing.T) {
	e, _ := newTestEngine(t)
	place(t, e, order("1", orderbook.Buy, "1000", "1"))

	res := place(t, e, order("2", orderbook.Sell, "1000", "2"))
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "1", res.ExecutedQty.String())

	depth := e.Depth(tata)
	assert.Empty(t, depth.Bids)
	assertLevels(t, depth.Asks, [2]string{"1000", "1"})
	assertBalance(t, e, "2", "TATA", "999998", "1")
}

func TestBuyCrossesAsk(t *testing.T) {
	e, rec := newTestEngine(t)
	place(t, e, order("1", orderbook.Buy, "999", "1"))
	place(t, e, order("2", orderbook.Sell, "1001", "1"))
	rec.reset()

	res := place(t, e, order("1", orderbook.Buy, "1001", "2"))
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "1001", res.Fills[0].Price.String())
	assert.Equal(t, "1", res.Fills[0].Qty.String())

	depth := e.Depth(tata)
	assertLevels(t, depth.Bids, [2]string{"1001", "1"}, [2]string{"999", "1"})
	assert.Empty(t, depth.Asks)
	assertBalance(t, e, "1", "INR", "996999", "2000") // 999 + 1001 still locked, 1001 paid
	assertBalance(t, e, "1", "TATA", "1000001", "0")

	ev := rec.topic(DepthTopic(tata))[0].Data.(DepthEvent)
	assertLevels(t, ev.Asks, [2]string{"1001", "0"})
	assertLevels(t, ev.Bids, [2]string{"1001", "1"})
	assert.False(t, rec.topic(TradeTopic(tata))[0].Data.(TradeEvent).IsBuyerMaker)
}

func TestPriceImprovementIsReleased(t *testing.T) {
	e, _ := newTestEngine(t)
	place(t, e, order("2", orderbook.Sell, "900", "1"))
	place(t, e, order("2", orderbook.Sell, "950", "1"))

	res := place(t, e, order("1", orderbook.Buy, "1000", "2"))
	assert.Equal(t, "2", res.ExecutedQty.String())
	assertBalance(t, e, "1", "INR", "998150", "0")
	assertBalance(t, e, "2", "INR", "1001850", "0")
}

func TestOnRamp(t *testing.T) {
	e, _ := newTestEngine(t)

	res, err := e.OnRamp("9", d("500"))
	require.NoError(t, err)
	assert.Equal(t, "500", res.Balance.String())
	assertBalance(t, e, "9", "INR", "500", "0")

	_, err = e.OnRamp("9", d("0"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.OnRamp("", d("1"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelReleasesLock(t *testing.T) {
	e, rec := newTestEngine(t)
	placed := place(t, e, order("1", orderbook.Buy, "1000", "1"))
	rec.reset()

	res, err := e.CancelOrder(CancelOrder{Market: tata, OrderID: placed.OrderID})
	require.NoError(t, err)
	assert.Equal(t, placed.OrderID, res.OrderID)
	assert.Equal(t, "1", res.RemainingQty.String())
	assert.True(t, res.ExecutedQty.IsZero())

	assert.Empty(t, e.Depth(tata).Bids)
	assertBalance(t, e, "1", "INR", "1000000", "0")

	ev := rec.topic(DepthTopic(tata))[0].Data.(DepthEvent)
	assertLevels(t, ev.Bids, [2]string{"1000", "0"})
	assert.Empty(t, ev.Asks)

	_, err = e.CancelOrder(CancelOrder{Market: tata, OrderID: placed.OrderID})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelPartiallyFilledSell(t *testing.T) {
	e, _ := newTestEngine(t)
	ask := place(t, e, order("2", orderbook.Sell, "1000", "3"))
	place(t, e, order("1", orderbook.Buy, "1000", "1"))

	res, err := e.CancelOrder(CancelOrder{Market: tata, OrderID: ask.OrderID})
	require.NoError(t, err)
	assert.Equal(t, "2", res.RemainingQty.String())
	assertBalance(t, e, "2", "TATA", "999999", "0")
}

func TestRejectionsDoNotMutate(t *testing.T) {
	e, rec := newTestEngine(t)
	place(t, e, order("1", orderbook.Buy, "1000", "1"))
	before, err := json.Marshal(e.Snapshot())
	require.NoError(t, err)
	rec.reset()

	tests := []struct {
		name string
		req  CreateOrder
		want error
	}{
		{"unknown market", CreateOrder{Market: "INFY_INR", Price: d("1"), Quantity: d("1"), Side: orderbook.Buy, UserID: "1"}, ErrMarketNotFound},
		{"no funds", order("9", orderbook.Buy, "1000", "1"), ErrInsufficientFunds},
		{"too expensive", order("2", orderbook.Buy, "1000", "1001"), ErrInsufficientFunds},
		{"not enough base", order("2", orderbook.Sell, "1", "1000001"), ErrInsufficientFunds},
		{"zero qty", order("1", orderbook.Buy, "1000", "0"), ErrInvalidRequest},
		{"negative price", order("1", orderbook.Sell, "-1", "1"), ErrInvalidRequest},
		{"bad side", CreateOrder{Market: tata, Price: d("1"), Quantity: d("1"), UserID: "1"}, ErrInvalidRequest},
		{"no user", order("", orderbook.Buy, "1", "1"), ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateOrder(tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = e.CancelOrder(CancelOrder{Market: "INFY_INR", OrderID: "o1"})
	assert.ErrorIs(t, err, ErrMarketNotFound)
	_, err = e.CancelOrder(CancelOrder{Market: tata, OrderID: "nope"})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	after, err := json.Marshal(e.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Empty(t, rec.db)
	assert.Empty(t, rec.streams)
}

func TestQueries(t *testing.T) {
	e, _ := newTestEngine(t)
	place(t, e, order("1", orderbook.Buy, "990", "2"))
	place(t, e, order("1", orderbook.Sell, "1010", "1"))
	place(t, e, order("2", orderbook.Sell, "1020", "1"))

	open, err := e.OpenOrders(tata, "1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, orderbook.Sell, open[0].Side)
	assert.Equal(t, orderbook.Buy, open[1].Side)

	_, err = e.OpenOrders("INFY_INR", "1")
	assert.ErrorIs(t, err, ErrMarketNotFound)

	empty := e.Depth("INFY_INR")
	assert.NotNil(t, empty.Bids)
	assert.NotNil(t, empty.Asks)
	assert.Empty(t, empty.Bids)

	bal, err := e.Balance("1", tata)
	require.NoError(t, err)
	assert.Equal(t, "998020", bal.Balance.String())
	assert.Equal(t, "1980", bal.QuoteLocked.String())
	assert.Equal(t, "999999", bal.BaseBalance.String())
	assert.Equal(t, "1", bal.BaseLocked.String())
	assert.Len(t, bal.OpenOrders, 2)

	unknown, err := e.Balance("nobody", tata)
	require.NoError(t, err)
	assert.True(t, unknown.Balance.IsZero())
	assert.Empty(t, unknown.OpenOrders)

	_, err = e.Balance("1", "INFY_INR")
	assert.ErrorIs(t, err, ErrMarketNotFound)
}

func TestProcessReplies(t *testing.T) {
	e, _ := newTestEngine(t)

	reply, err := e.Process(order("1", orderbook.Buy, "1000", "1"))
	require.NoError(t, err)
	assert.Equal(t, ReplyOrderPlaced, reply.Type)

	reply, err = e.Process(GetDepth{Market: "INFY_INR"})
	require.NoError(t, err)
	assert.Equal(t, ReplyDepth, reply.Type)

	reply, err = e.Process(order("9", orderbook.Buy, "1000", "1"))
	require.Error(t, err)
	assert.Equal(t, ReplyRejected, reply.Type)
	assert.Equal(t, string(KindInsufficientFunds), reply.Payload.(Rejection).Code)

	reply, err = e.Process(OnRamp{UserID: "9", Amount: d("10")})
	require.NoError(t, err)
	assert.Equal(t, ReplyOnRamp, reply.Type)

	reply, err = e.Process(GetBalance{UserID: "9", Market: tata})
	require.NoError(t, err)
	assert.Equal(t, "10", reply.Payload.(BalanceInfo).Balance.String())
}

// Every lock must be backed by a resting order and totals never move.
func TestBalanceConservation(t *testing.T) {
	e, _ := newTestEngine(t)
	users := []string{"1", "2", "5"}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 400; i++ {
		if i%7 == 6 {
			s := e.Snapshot().OrderBooks[0]
			resting := append(s.Bids, s.Asks...)
			if len(resting) > 0 {
				o := resting[rng.Intn(len(resting))]
				_, err := e.CancelOrder(CancelOrder{Market: tata, OrderID: o.ID})
				require.NoError(t, err)
			}
			continue
		}
		side := orderbook.Buy
		if rng.Intn(2) == 0 {
			side = orderbook.Sell
		}
		price := fmt.Sprintf("%d.%d", 95+rng.Intn(11), rng.Intn(10))
		qty := fmt.Sprintf("%d.%d", 1+rng.Intn(4), rng.Intn(10))
		res := place(t, e, order(users[rng.Intn(len(users))], side, price, qty))

		sum := decimal.Zero
		for _, f := range res.Fills {
			sum = sum.Add(f.Qty)
		}
		require.True(t, sum.Equal(res.ExecutedQty))
		require.True(t, res.ExecutedQty.LessThanOrEqual(d(qty)))
	}

	assert.True(t, e.Ledger().Total("INR").Equal(d("3000000")), "INR total = %s", e.Ledger().Total("INR"))
	assert.True(t, e.Ledger().Total("TATA").Equal(d("3000000")), "TATA total = %s", e.Ledger().Total("TATA"))

	wantLocked := map[string]map[string]decimal.Decimal{}
	s := e.Snapshot().OrderBooks[0]
	for _, o := range append(s.Bids, s.Asks...) {
		if wantLocked[o.UserID] == nil {
			wantLocked[o.UserID] = map[string]decimal.Decimal{"INR": decimal.Zero, "TATA": decimal.Zero}
		}
		if o.Side == orderbook.Buy {
			wantLocked[o.UserID]["INR"] = wantLocked[o.UserID]["INR"].Add(o.Remaining().Mul(o.Price))
		} else {
			wantLocked[o.UserID]["TATA"] = wantLocked[o.UserID]["TATA"].Add(o.Remaining())
		}
	}
	for _, u := range users {
		for _, asset := range []string{"INR", "TATA"} {
			b, _ := e.Ledger().Get(u, asset)
			assert.False(t, b.Available.IsNegative(), "%s %s available %s", u, asset, b.Available)
			want := decimal.Zero
			if wantLocked[u] != nil {
				want = wantLocked[u][asset]
			}
			assert.True(t, b.Locked.Equal(want), "%s %s locked %s, resting orders need %s", u, asset, b.Locked, want)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	place(t, e, order("1", orderbook.Buy, "99", "3"))
	place(t, e, order("2", orderbook.Buy, "99", "1"))
	place(t, e, order("5", orderbook.Sell, "101.5", "2"))
	place(t, e, order("2", orderbook.Sell, "99", "1"))

	raw, err := json.Marshal(e.Snapshot())
	require.NoError(t, err)

	var state State
	require.NoError(t, json.Unmarshal(raw, &state))
	restored := New("INR", WithIDGenerator(func() string { return "next" }))
	require.NoError(t, restored.Restore(state))

	again, err := json.Marshal(restored.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))

	// time priority and trade ids carry over
	res, err := restored.CreateOrder(order("5", orderbook.Sell, "99", "3"))
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, "1", res.Fills[0].OtherUserID)
	assert.Equal(t, "2", res.Fills[1].OtherUserID)
	assert.Equal(t, uint64(2), res.Fills[0].TradeID)
	assert.Equal(t, uint64(3), res.Fills[1].TradeID)
}

func TestInconsistencyHaltsMarket(t *testing.T) {
	e, _ := newTestEngine(t)
	place(t, e, order("2", orderbook.Sell, "100", "1"))
	// the maker's base lock disappears behind the book's back
	require.NoError(t, e.Ledger().Unlock("2", "TATA", d("1")))

	_, err := e.CreateOrder(order("1", orderbook.Buy, "100", "3"))
	require.ErrorIs(t, err, ErrInternalInconsistency)

	// nothing of the rejected taker survives: no settlement, no lock, no resting order
	assertBalance(t, e, "1", "INR", "1000000", "0")
	assertBalance(t, e, "1", "TATA", "1000000", "0")
	assertBalance(t, e, "2", "INR", "1000000", "0")
	open, err := e.OpenOrders(tata, "1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, e.Depth(tata).Bids)

	_, err = e.CreateOrder(order("2", orderbook.Sell, "200", "1"))
	assert.ErrorIs(t, err, ErrInternalInconsistency)
	_, err = e.CancelOrder(CancelOrder{Market: tata, OrderID: "x"})
	assert.ErrorIs(t, err, ErrInternalInconsistency)

	// reads still work
	_, err = e.OpenOrders(tata, "1")
	assert.NoError(t, err)
	assert.Equal(t, []string{tata}, e.Stats().Halted)
}

func TestRestoreRegistersMarkets(t *testing.T) {
	e := New("INR")
	err := e.Restore(State{
		OrderBooks: []orderbook.Snapshot{{BaseAsset: "INFY", Bids: []orderbook.Order{}, Asks: []orderbook.Order{}}},
		Balances:   []ledger.Entry{{UserID: "1", Assets: map[string]ledger.Balance{"INR": {Available: d("5")}}}},
	})
	require.NoError(t, err)
	require.Len(t, e.Markets(), 1)
	assert.Equal(t, "INFY_INR", e.Markets()[0].Symbol)
	assert.Equal(t, "5", e.Ledger().Available("1", "INR").String())
}

func TestRestoreRejectsUnbackedOrders(t *testing.T) {
	seeded := func(locked map[string]string) []ledger.Entry {
		assets := map[string]ledger.Balance{}
		for asset, amt := range locked {
			assets[asset] = ledger.Balance{Available: d("10"), Locked: d(amt)}
		}
		return []ledger.Entry{{UserID: "1", Assets: assets}}
	}
	ask := orderbook.Order{ID: "a1", UserID: "1", Side: orderbook.Sell, Price: d("100"), Quantity: d("3"), Filled: d("1")}
	bid := orderbook.Order{ID: "b1", UserID: "1", Side: orderbook.Buy, Price: d("90"), Quantity: d("2")}

	tests := []struct {
		name    string
		bids    []orderbook.Order
		asks    []orderbook.Order
		ledger  []ledger.Entry
		wantErr bool
	}{
		{"backed", []orderbook.Order{bid}, []orderbook.Order{ask}, seeded(map[string]string{"INR": "180", "TATA": "2"}), false},
		{"ask owner has no entry", nil, []orderbook.Order{ask}, nil, true},
		{"bid lock short", []orderbook.Order{bid}, nil, seeded(map[string]string{"INR": "179"}), true},
		{"ask lock ignores fill", nil, []orderbook.Order{ask}, seeded(map[string]string{"TATA": "3"}), true},
		{"lock without orders", nil, nil, seeded(map[string]string{"INR": "1"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			err := e.Restore(State{
				OrderBooks: []orderbook.Snapshot{{BaseAsset: "TATA", Bids: tt.bids, Asks: tt.asks, LastTradeID: 7}},
				Balances:   tt.ledger,
			})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, 2, e.Stats().Resting)
				return
			}
			require.ErrorIs(t, err, ErrUnbackedSnapshot)
			// the running state is left alone
			assert.Zero(t, e.Stats().Resting)
			assertBalance(t, e, "1", "INR", "1000000", "0")
			assertBalance(t, e, "5", "TATA", "1000000", "0")
		})
	}
}
