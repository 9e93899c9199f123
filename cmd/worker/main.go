// The dispatcher worker: claims queued tasks, runs their handlers and
// publishes result events. Safe to run as multiple replicas; claims are
// arbitrated by the store.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"todoflow/internal/broker"
	"todoflow/internal/config"
	"todoflow/internal/dispatch"
	"todoflow/internal/handlers/duescan"
	"todoflow/internal/handlers/notifytask"
	"todoflow/internal/notify"
	"todoflow/internal/ready"
	"todoflow/internal/relay"
	"todoflow/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Str("service", "worker").Logger()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("store connect")
	}
	defer st.Close()

	br := broker.Connect(cfg.RedisAddr)
	defer br.Close()

	if err := ready.Await(ctx, "postgres", ready.PingProbe(st), cfg.ReadyMaxWait, cfg.ReadyPollInterval); err != nil {
		log.Fatal().Err(err).Msg("store never became ready")
	}
	if err := ready.Await(ctx, "redis", ready.PingProbe(br), cfg.ReadyMaxWait, cfg.ReadyPollInterval); err != nil {
		log.Fatal().Err(err).Msg("broker never became ready")
	}

	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	rly := relay.New(br, relay.Config{Source: "worker", MarkerTTL: cfg.MarkerTTL})
	enqueuer := dispatch.NewEnqueuer(st, br, cfg.MaxAttempts)
	notifier := notify.NewClient(cfg.BotChatAPI, cfg.BotToken, cfg.BotChatID)

	d := dispatch.New(st, br, rly, dispatch.Config{
		Workers:        cfg.WorkerCount,
		HandlerTimeout: cfg.HandlerTimeout,
		Lease:          cfg.LeaseDuration,
		RetryBase:      cfg.RetryBase,
		RetryCap:       cfg.RetryCap,
		Retention:      cfg.Retention,
		Source:         "worker",
	})
	d.Register(dispatch.KindNotify, notifytask.New(st, notifier))
	d.Register(dispatch.KindDueScan, duescan.New(st, rly, enqueuer))

	var wg sync.WaitGroup
	d.Start(ctx, &wg)
	log.Info().Int("workers", cfg.WorkerCount).Msg("dispatcher started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutdown signal received")
	cancel()
	wg.Wait()
	log.Info().Msg("all workers stopped")
}
