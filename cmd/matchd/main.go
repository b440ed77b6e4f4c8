package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/matchd/params"
	"github.com/uhyunpark/matchd/pkg/api"
	"github.com/uhyunpark/matchd/pkg/app/engine"
	"github.com/uhyunpark/matchd/pkg/publisher"
	"github.com/uhyunpark/matchd/pkg/queue"
	"github.com/uhyunpark/matchd/pkg/storage"
	"github.com/uhyunpark/matchd/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := run(cfg, sugar); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Fatalw("matchd_failed", "err", err)
	}
	sugar.Info("matchd_stopped")
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Redis ----
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ping := func() error { return rdb.Ping(ctx).Err() }
	notify := func(err error, wait time.Duration) {
		sugar.Warnw("redis_unavailable", "url", opts.Addr, "retry_in", wait, "err", err)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10), ctx), notify); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	sugar.Infow("redis_connected", "addr", opts.Addr)

	// ---- Event sinks ----
	hub := api.NewHub(sugar.Named("ws"))
	redisSink := publisher.NewRedis(rdb, cfg.Redis.DBQueue)

	dispatchOpts := []publisher.Option{
		publisher.WithBroadcast(redisSink, publisher.NewHub(hub)),
		publisher.WithReplies(redisSink),
	}
	switch cfg.Events.Sink {
	case "kafka":
		k := publisher.NewKafka(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		defer k.Close()
		dispatchOpts = append(dispatchOpts, publisher.WithDurable(k))
	case "redis", "":
		dispatchOpts = append(dispatchOpts, publisher.WithDurable(redisSink))
	default:
		return fmt.Errorf("unknown EVENT_SINK %q", cfg.Events.Sink)
	}
	dispatcher := publisher.NewDispatcher(publisher.Config{Buffer: cfg.Events.Buffer}, sugar.Named("publisher"), dispatchOpts...)
	sugar.Infow("event_sink", "durable", cfg.Events.Sink)

	// ---- Engine ----
	eng := engine.New(cfg.Exchange.BaseCurrency,
		engine.WithPublisher(dispatcher),
		engine.WithLogger(sugar.Named("engine")),
	)
	for _, base := range cfg.Exchange.Markets {
		if _, err := eng.AddMarket(base); err != nil {
			return fmt.Errorf("add market %s: %w", base, err)
		}
	}

	store, err := openStore(cfg.Snapshot)
	if err != nil {
		return err
	}
	defer store.Close()

	restored := false
	if cfg.Snapshot.Restore {
		st, found, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if found {
			if err := eng.Restore(st); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			restored = true
		}
	}
	if !restored {
		if err := eng.Seed(cfg.Exchange.SeedUsers, cfg.Exchange.SeedAmount); err != nil {
			return fmt.Errorf("seed ledger: %w", err)
		}
	}
	stats := eng.Stats()
	sugar.Infow("engine_ready",
		"base_currency", cfg.Exchange.BaseCurrency,
		"markets", stats.Markets,
		"resting", stats.Resting,
		"users", stats.Users,
		"restored", restored,
		"snapshot_store", cfg.Snapshot.Store)

	runner := engine.NewRunner(eng, engine.RunnerConfig{
		SnapshotInterval:  cfg.Snapshot.Interval,
		Store:             store,
		Replies:           dispatcher,
		HeartbeatInterval: cfg.Node.HeartbeatInterval,
	}, sugar.Named("runner"))

	// ---- Goroutines ----
	// The dispatcher outlives ctx so it can deliver what the runner emits
	// while shutting down.
	dctx, dcancel := context.WithCancel(context.Background())
	defer dcancel()
	go hub.Run(ctx)
	go dispatcher.Run(dctx)

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	consumer := queue.NewConsumer(rdb, queue.Config{Queue: cfg.Redis.RequestQueue}, runner, dispatcher, sugar.Named("queue"))
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Errorw("consumer_failed", "err", err)
			stop()
		}
	}()

	apiServer := api.NewServer(runner, eng, hub, api.Options{CORSOrigins: cfg.Node.CORSOrigins}, sugar.Named("api"))
	go func() {
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	sugar.Infow("matchd_started", "queue", cfg.Redis.RequestQueue, "api_addr", cfg.Node.APIAddr)

	<-ctx.Done()
	sugar.Info("shutdown_requested")

	err = <-runnerDone
	dcancel()
	<-dispatcher.Done()
	return err
}

func openStore(cfg params.Snapshot) (storage.SnapshotStore, error) {
	switch cfg.Store {
	case "pebble", "":
		s, err := storage.NewPebbleStore(cfg.Dir, cfg.Keep)
		if err != nil {
			return nil, fmt.Errorf("open pebble store %s: %w", cfg.Dir, err)
		}
		return s, nil
	case "file":
		s, err := storage.NewFileStore(filepath.Join(cfg.Dir, "snapshot.json"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown SNAPSHOT_STORE %q", cfg.Store)
	}
}
