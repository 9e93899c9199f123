// The bot front end: subscribes to domain events and forwards them to
// the outbound chat channel. It never writes to the store; everything
// it knows arrives through the relay or the services' HTTP APIs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"todoflow/internal/broker"
	"todoflow/internal/config"
	"todoflow/internal/model"
	"todoflow/internal/notify"
	"todoflow/internal/ready"
	"todoflow/internal/relay"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Str("service", "bot").Logger()

	cfg := config.Load()
	if cfg.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN is not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br := broker.Connect(cfg.RedisAddr)
	defer br.Close()

	if err := ready.Await(ctx, "redis", ready.PingProbe(br), cfg.ReadyMaxWait, cfg.ReadyPollInterval); err != nil {
		log.Fatal().Err(err).Msg("broker never became ready")
	}
	if err := ready.Await(ctx, "backend", ready.HTTPProbe(cfg.BackendURL+"/health"), cfg.ReadyMaxWait, cfg.ReadyPollInterval); err != nil {
		log.Fatal().Err(err).Msg("backend never became ready")
	}
	if err := ready.Await(ctx, "comments", ready.HTTPProbe(cfg.CommentsURL+"/health"), cfg.ReadyMaxWait, cfg.ReadyPollInterval); err != nil {
		log.Fatal().Err(err).Msg("comments service never became ready")
	}

	notifier := notify.NewClient(cfg.BotChatAPI, cfg.BotToken, cfg.BotChatID)

	rly := relay.New(br, relay.Config{
		Source:     "bot",
		ConsumerID: "bot",
		MarkerTTL:  cfg.MarkerTTL,
	})
	rly.Subscribe(model.EventTodoCreated, announceTodo(notifier, "New task: %q for %s"))
	rly.Subscribe(model.EventTodoDue, announceTodo(notifier, "Task %q for %s is due!"))
	rly.Subscribe(model.EventCommentCreated, announceComment(notifier))

	var wg sync.WaitGroup
	if err := rly.Start(ctx, &wg); err != nil {
		log.Fatal().Err(err).Msg("relay start")
	}
	log.Info().Msg("bot subscribed to events")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutdown signal received")
	cancel()
	wg.Wait()
}

func announceTodo(notifier *notify.Client, format string) relay.EventHandler {
	return func(ctx context.Context, ev model.Event) error {
		var todo model.Todo
		if err := json.Unmarshal(ev.Payload, &todo); err != nil {
			return fmt.Errorf("decode todo event %s: %w", ev.ID, err)
		}
		return notifier.Send(ctx, fmt.Sprintf(format, todo.Title, todo.UserName))
	}
}

func announceComment(notifier *notify.Client) relay.EventHandler {
	return func(ctx context.Context, ev model.Event) error {
		var c model.Comment
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			return fmt.Errorf("decode comment event %s: %w", ev.ID, err)
		}
		return notifier.Send(ctx, fmt.Sprintf("New comment on task %d: %s", c.TodoID, c.Text))
	}
}
