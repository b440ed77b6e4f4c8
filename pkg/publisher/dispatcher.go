package publisher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/matchd/pkg/app/engine"
	"github.com/uhyunpark/matchd/pkg/metrics"
)

const (
	kindDB     = "db"
	kindStream = "stream"
	kindReply  = "reply"
)

type event struct {
	kind     string
	db       engine.DBMessage
	stream   engine.StreamMessage
	clientID string
	reply    engine.Reply
}

type Config struct {
	Buffer  int           // queued events before new ones are dropped
	Timeout time.Duration // per-delivery timeout
}

// Dispatcher takes events from the engine without blocking and delivers
// them in order on its own goroutine. When the buffer is full the event is
// dropped, logged and counted.
type Dispatcher struct {
	durable []DurableSink
	live    []Broadcaster
	replies ReplySender

	events  chan event
	timeout time.Duration
	log     *zap.SugaredLogger
	done    chan struct{}
	once    sync.Once
}

type Option func(*Dispatcher)

func WithDurable(s ...DurableSink) Option  { return func(d *Dispatcher) { d.durable = append(d.durable, s...) } }
func WithBroadcast(b ...Broadcaster) Option { return func(d *Dispatcher) { d.live = append(d.live, b...) } }
func WithReplies(r ReplySender) Option     { return func(d *Dispatcher) { d.replies = r } }

func NewDispatcher(cfg Config, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		events:  make(chan event, cfg.Buffer),
		timeout: cfg.Timeout,
		log:     log,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) PublishDB(msg engine.DBMessage) {
	d.enqueue(event{kind: kindDB, db: msg})
}

func (d *Dispatcher) PublishStream(msg engine.StreamMessage) {
	d.enqueue(event{kind: kindStream, stream: msg})
}

func (d *Dispatcher) PublishReply(clientID string, reply engine.Reply) {
	d.enqueue(event{kind: kindReply, clientID: clientID, reply: reply})
}

func (d *Dispatcher) enqueue(ev event) {
	select {
	case d.events <- ev:
	default:
		metrics.EventDropped(ev.kind)
		d.log.Warnw("event_dropped", "kind", ev.kind, "buffer", cap(d.events))
	}
}

// Run delivers events until ctx is cancelled, then flushes what is still
// buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.flush()
			return
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) flush() {
	ctx := context.Background()
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, ev event) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	switch ev.kind {
	case kindDB:
		for _, s := range d.durable {
			if err := s.Append(ctx, ev.db); err != nil {
				d.failed(s, ev, err)
			}
		}
	case kindStream:
		for _, b := range d.live {
			if err := b.Broadcast(ctx, ev.stream); err != nil {
				d.failed(b, ev, err)
			}
		}
	case kindReply:
		if d.replies == nil {
			return
		}
		if err := d.replies.Send(ctx, ev.clientID, ev.reply); err != nil {
			d.failed(d.replies, ev, err)
		}
	}
}

func (d *Dispatcher) failed(sink any, ev event, err error) {
	name := sinkName(sink)
	metrics.PublishError(name)
	d.log.Errorw("publish_failed", "sink", name, "kind", ev.kind, "err", err)
}

var (
	_ engine.Publisher = (*Dispatcher)(nil)
	_ engine.Replier   = (*Dispatcher)(nil)
)
