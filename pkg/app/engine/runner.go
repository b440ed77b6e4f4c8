package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/matchd/pkg/metrics"
)

var ErrRunnerStopped = errors.New("runner stopped")

// SnapshotStore persists engine state.
type SnapshotStore interface {
	Save(ctx context.Context, s State) error
}

// Replier delivers a reply to the client that sent a queued request.
type Replier interface {
	PublishReply(clientID string, reply Reply)
}

type result struct {
	reply Reply
	err   error
}

type job struct {
	ctx      context.Context // Do only; expired jobs are not executed
	clientID string
	req      Request
	done     chan result // nil when the reply goes through Replier
}

type RunnerConfig struct {
	QueueSize        int
	SnapshotInterval time.Duration
	Store            SnapshotStore // nil disables snapshots
	Replies          Replier       // nil drops queued replies

	// HeartbeatInterval logs engine stats periodically; zero disables it.
	HeartbeatInterval time.Duration
}

// Runner is the engine's only writer. One goroutine takes requests off a
// channel and runs each to completion; snapshots are taken on the same
// goroutine between requests so they never see a half-applied settlement.
type Runner struct {
	eng     *Engine
	cfg     RunnerConfig
	jobs    chan job
	stopped chan struct{}
	log     *zap.SugaredLogger
}

func NewRunner(eng *Engine, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{
		eng:     eng,
		cfg:     cfg,
		jobs:    make(chan job, cfg.QueueSize),
		stopped: make(chan struct{}),
		log:     log,
	}
}

// Enqueue submits req without waiting for it; the reply is published to
// clientID. It blocks while the queue is full.
func (r *Runner) Enqueue(ctx context.Context, clientID string, req Request) error {
	if r.isStopped() {
		return ErrRunnerStopped
	}
	select {
	case r.jobs <- job{clientID: clientID, req: req}:
		return nil
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do submits req and waits for its reply. The returned error is the
// engine's rejection, if any.
//
// ctx bounds the time spent queued: a request still waiting when ctx ends
// is dropped unexecuted and Do returns ctx's error. Once the engine has
// picked the request up, Do waits for its result regardless of ctx, so an
// error always means the request did not take effect.
func (r *Runner) Do(ctx context.Context, req Request) (Reply, error) {
	if r.isStopped() {
		return Reply{}, ErrRunnerStopped
	}
	done := make(chan result, 1)
	select {
	case r.jobs <- job{ctx: ctx, req: req, done: done}:
	case <-r.stopped:
		return Reply{}, ErrRunnerStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case res := <-done:
		return res.reply, res.err
	case <-r.stopped:
		// Run exits without draining, so a job still queued never runs
		select {
		case res := <-done:
			return res.reply, res.err
		default:
			return Reply{}, ErrRunnerStopped
		}
	}
}

func (r *Runner) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// Run processes requests until ctx is cancelled, then writes a final snapshot.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)

	var tick <-chan time.Time
	if r.cfg.Store != nil && r.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(r.cfg.SnapshotInterval)
		defer t.Stop()
		tick = t.C
	}
	var heartbeat <-chan time.Time
	if r.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(r.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			if r.cfg.Store != nil {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.snapshot(sctx)
				cancel()
			}
			return ctx.Err()
		case j := <-r.jobs:
			r.handle(j)
		case <-tick:
			r.snapshot(ctx)
		case <-heartbeat:
			st := r.eng.Stats()
			r.log.Infow("heartbeat", "markets", st.Markets, "resting", st.Resting, "users", st.Users, "halted", st.Halted, "queued", len(r.jobs))
		}
	}
}

func (r *Runner) handle(j job) {
	if j.ctx != nil && j.ctx.Err() != nil {
		r.log.Infow("request_expired", "type", j.req.RequestType(), "err", j.ctx.Err())
		j.done <- result{err: fmt.Errorf("%s not executed: %w", j.req.RequestType(), j.ctx.Err())}
		return
	}

	reply, err := r.eng.Process(j.req)
	if err != nil {
		if KindOf(err) == KindInternalInconsistency {
			r.log.Errorw("request_failed", "type", j.req.RequestType(), "client", j.clientID, "err", err)
		} else {
			r.log.Infow("request_rejected", "type", j.req.RequestType(), "client", j.clientID, "err", err)
		}
	}

	if j.done != nil {
		j.done <- result{reply: reply, err: err}
		return
	}
	if j.clientID != "" && r.cfg.Replies != nil {
		r.cfg.Replies.PublishReply(j.clientID, reply)
	}
}

func (r *Runner) snapshot(ctx context.Context) {
	start := time.Now()
	err := r.cfg.Store.Save(ctx, r.eng.Snapshot())
	metrics.Snapshot(start, err)
	if err != nil {
		r.log.Errorw("snapshot_failed", "err", err)
		return
	}
	r.log.Debugw("snapshot_saved", "took", time.Since(start))
}
