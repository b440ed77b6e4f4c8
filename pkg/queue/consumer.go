package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchd/pkg/app/engine"
	"github.com/uhyunpark/matchd/pkg/metrics"
)

// popper is the subset of *redis.Client the consumer uses.
type popper interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Submitter accepts parsed requests for processing.
type Submitter interface {
	Enqueue(ctx context.Context, clientID string, req engine.Request) error
}

type Config struct {
	Queue       string
	PollTimeout time.Duration // BRPOP timeout; the loop re-checks ctx between polls
}

// Consumer pops request envelopes off a Redis list and hands them to the
// engine runner. Envelopes that do not parse are answered with a rejection.
type Consumer struct {
	client  popper
	cfg     Config
	sub     Submitter
	replies engine.Replier
	log     *zap.SugaredLogger
	backoff backoff.BackOff
}

func NewConsumer(client popper, cfg Config, sub Submitter, replies engine.Replier, log *zap.SugaredLogger) *Consumer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // retry forever
	return &Consumer{client: client, cfg: cfg, sub: sub, replies: replies, log: log, backoff: b}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Infow("consumer_started", "queue", c.cfg.Queue)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.client.BRPop(ctx, c.cfg.PollTimeout, c.cfg.Queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := c.backoff.NextBackOff()
			c.log.Warnw("queue_pop_failed", "queue", c.cfg.Queue, "retry_in", wait, "err", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		c.backoff.Reset()

		// BRPOP replies [key, value]
		if len(res) != 2 {
			c.log.Warnw("queue_unexpected_reply", "reply", res)
			continue
		}
		c.Handle(ctx, []byte(res[1]))
	}
}

// Handle parses one raw envelope and submits it.
func (c *Consumer) Handle(ctx context.Context, raw []byte) {
	env, req, err := engine.ParseEnvelope(raw)
	if err != nil {
		typ := env.Message.Type
		if typ == "" {
			typ = "unknown"
		}
		metrics.Request("invalid", string(engine.KindOf(err)))
		c.log.Warnw("message_rejected", "client", env.ClientID, "type", typ, "err", err)
		if env.ClientID != "" && c.replies != nil {
			c.replies.PublishReply(env.ClientID, engine.Rejected(err))
		}
		return
	}
	if err := c.sub.Enqueue(ctx, env.ClientID, req); err != nil {
		c.log.Errorw("enqueue_failed", "client", env.ClientID, "type", req.RequestType(), "err", err)
	}
}
