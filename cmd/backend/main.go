// The backend service: todos CRUD, producer-facing task enqueueing, and
// the beat schedule that enqueues the periodic due-date scan.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"todoflow/internal/api"
	"todoflow/internal/broker"
	"todoflow/internal/config"
	"todoflow/internal/dispatch"
	"todoflow/internal/ready"
	"todoflow/internal/relay"
	"todoflow/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Str("service", "backend").Logger()

	cfg := config.Load()
	ctx := context.Background()

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

	rly := relay.New(br, relay.Config{Source: "backend"})
	enqueuer := dispatch.NewEnqueuer(st, br, cfg.MaxAttempts)

	// Beat schedule: one due_scan task per minute, executed by the
	// worker pool rather than in-process.
	beat := cron.New()
	if _, err := beat.AddFunc("@every 1m", func() {
		bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := enqueuer.Enqueue(bctx, dispatch.KindDueScan, json.RawMessage(`{}`), time.Time{}); err != nil {
			log.Error().Err(err).Msg("due_scan enqueue failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("beat schedule")
	}
	beat.Start()
	defer beat.Stop()

	srv := &http.Server{
		Addr:    cfg.BackendAddr,
		Handler: api.NewServer(st, st, enqueuer, rly),
	}

	go func() {
		log.Info().Str("addr", cfg.BackendAddr).Msg("backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
