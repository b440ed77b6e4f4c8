package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

type fakeRedis struct {
	mu        sync.Mutex
	lists     map[string][]string
	published map[string][]string
	err       error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: map[string][]string{}, published: map[string][]string{}}
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	for _, v := range values {
		f.lists[key] = append([]string{string(v.([]byte))}, f.lists[key]...)
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) channel(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[name]...)
}

func (f *fakeRedis) list(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[name]...)
}

func TestRedisSink(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	r := NewRedis(fr, "db_processor")

	require.NoError(t, r.Append(ctx, engine.DBMessage{Type: engine.TypeOrderUpdate, Data: engine.OrderUpdate{
		OrderID: "o1", ExecutedQty: decimal.NewFromInt(2),
	}}))
	require.NoError(t, r.Broadcast(ctx, engine.StreamMessage{Stream: "trade.TATA_INR", Data: engine.TradeEvent{
		Event: "trade", TradeID: 7, Price: decimal.NewFromInt(1000), Quantity: decimal.NewFromInt(1), Market: "TATA_INR",
	}}))
	require.NoError(t, r.Send(ctx, "client-9", engine.Reply{Type: engine.ReplyDepth, Payload: map[string]any{"bids": []any{}}}))

	assert.Equal(t, []string{`{"type":"ORDER_UPDATE","data":{"orderId":"o1","executedQty":"2"}}`}, fr.list("db_processor"))
	assert.JSONEq(t,
		`{"stream":"trade.TATA_INR","data":{"e":"trade","t":7,"m":false,"p":"1000","q":"1","s":"TATA_INR"}}`,
		fr.channel("trade.TATA_INR")[0])
	assert.JSONEq(t, `{"type":"DEPTH","payload":{"bids":[]}}`, fr.channel("client-9")[0])

	fr.err = errors.New("connection refused")
	assert.Error(t, r.Append(ctx, engine.DBMessage{Type: engine.TypeTradeAdded}))
	assert.Error(t, r.Send(ctx, "c", engine.Reply{}))
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByMarket(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}
	ctx := context.Background()

	require.NoError(t, k.Append(ctx, engine.DBMessage{Type: engine.TypeTradeAdded, Data: engine.TradeAdded{ID: "1", Market: "TATA_INR"}}))
	require.NoError(t, k.Append(ctx, engine.DBMessage{Type: engine.TypeOrderUpdate, Data: engine.OrderUpdate{OrderID: "m1"}}))
	// maker updates carry no market in the payload but share the trade's partition
	require.NoError(t, k.Append(ctx, engine.NewDBMessage("TATA_INR", engine.TypeOrderUpdate, engine.OrderUpdate{OrderID: "m2"})))

	require.Len(t, w.msgs, 3)
	assert.Equal(t, "TATA_INR", string(w.msgs[0].Key))
	assert.Equal(t, "TRADE_ADDED", string(w.msgs[0].Headers[0].Value))
	assert.Empty(t, w.msgs[1].Key)
	assert.Equal(t, "TATA_INR", string(w.msgs[2].Key))
	assert.NotContains(t, string(w.msgs[2].Value), "TATA_INR")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "TRADE_ADDED", decoded["type"])
}

type fakeHub struct {
	mu   sync.Mutex
	sent map[string][]interface{}
}

func (h *fakeHub) BroadcastToChannel(channel string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sent == nil {
		h.sent = map[string][]interface{}{}
	}
	h.sent[channel] = append(h.sent[channel], data)
}

func (h *fakeHub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent[channel])
}

type failingSink struct{ calls int }

func (f *failingSink) Append(context.Context, engine.DBMessage) error {
	f.calls++
	return errors.New("down")
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	fr := newFakeRedis()
	r := NewRedis(fr, "db_processor")
	hub := &fakeHub{}
	failing := &failingSink{}

	d := NewDispatcher(Config{Buffer: 16}, zap.NewNop().Sugar(),
		WithDurable(failing, r),
		WithBroadcast(r, NewHub(hub)),
		WithReplies(r),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	for i := 0; i < 3; i++ {
		d.PublishDB(engine.DBMessage{Type: engine.TypeOrderUpdate, Data: engine.OrderUpdate{OrderID: string(rune('a' + i))}})
	}
	d.PublishStream(engine.StreamMessage{Stream: "depth.200ms.TATA_INR", Data: engine.DepthEvent{Event: "depth"}})
	d.PublishReply("client-1", engine.Reply{Type: engine.ReplyOnRamp})

	require.Eventually(t, func() bool { return len(fr.channel("client-1")) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-d.Done()

	// LPUSH prepends, so the newest event is first
	list := fr.list("db_processor")
	require.Len(t, list, 3)
	assert.Contains(t, list[0], `"orderId":"c"`)
	assert.Contains(t, list[2], `"orderId":"a"`)
	assert.Equal(t, 3, failing.calls, "a failing sink must not stop the others")
	assert.Len(t, fr.channel("depth.200ms.TATA_INR"), 1)
	assert.Equal(t, 1, hub.count("depth.200ms.TATA_INR"))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	fr := newFakeRedis()
	d := NewDispatcher(Config{Buffer: 2}, zap.NewNop().Sugar(), WithDurable(NewRedis(fr, "q")))

	// not running yet: the third event does not fit and must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			d.PublishDB(engine.DBMessage{Type: engine.TypeTradeAdded})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx) // flushes what was buffered
	assert.Len(t, fr.list("q"), 2)
}
