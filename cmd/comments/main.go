// The comments microservice: comment CRUD with a Redis read-through
// cache, publishing comment.created events for the bot.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"todoflow/internal/broker"
	"todoflow/internal/commentsvc"
	"todoflow/internal/config"
	"todoflow/internal/ready"
	"todoflow/internal/relay"
	"todoflow/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Str("service", "comments").Logger()

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

	rly := relay.New(br, relay.Config{Source: "comments"})

	srv := &http.Server{
		Addr:    cfg.CommentsAddr,
		Handler: commentsvc.NewServer(st, br, rly, cfg.CacheTTL),
	}

	go func() {
		log.Info().Str("addr", cfg.CommentsAddr).Msg("comments service listening")
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
