// Package relay bridges local commits to cross-service visibility.
// Producers publish domain events after their transaction durably
// committed; consumers subscribe per event type and are shielded from
// duplicate delivery by idempotency markers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"todoflow/internal/broker"
	"todoflow/internal/model"
)

// Broker is the relay's view of the shared substrate. *broker.Broker
// satisfies it; tests use an in-memory fake.
type Broker interface {
	Publish(ctx context.Context, ev model.Event) error
	EnsureGroup(ctx context.Context, eventType, group string) error
	Fetch(ctx context.Context, eventType, group, consumer string, count int, block time.Duration, pending bool) ([]broker.Delivery, error)
	Ack(ctx context.Context, eventType, group, deliveryID string) error
	MarkerExists(ctx context.Context, consumer, eventID string) (bool, error)
	SetMarker(ctx context.Context, consumer, eventID string, ttl time.Duration) error
}

// EventHandler reacts to one delivered event. Returning an error leaves
// the delivery on the consumer's pending list; the next pending pass
// hands it to the handler again.
type EventHandler func(ctx context.Context, ev model.Event) error

// Config tunes one relay instance. Source names the producing service;
// ConsumerID names the consuming service and keys the dedup markers.
type Config struct {
	Source          string
	ConsumerID      string
	MarkerTTL       time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration
	FetchBlock      time.Duration
	PendingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 24 * time.Hour
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 5
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = 100 * time.Millisecond
	}
	if c.FetchBlock <= 0 {
		c.FetchBlock = 2 * time.Second
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = 30 * time.Second
	}
	return c
}

// Relay is one service's handle on the event fabric.
type Relay struct {
	broker   Broker
	cfg      Config
	instance string

	mu       sync.Mutex
	handlers map[string]EventHandler
}

func New(b Broker, cfg Config) *Relay {
	cfg = cfg.withDefaults()
	// The consumer name must be stable across restarts: the broker keys
	// the pending-entries list by it, and a renamed consumer would never
	// see the deliveries its previous incarnation left unacknowledged.
	name := cfg.ConsumerID
	if name == "" {
		name = cfg.Source
	}
	host, _ := os.Hostname()
	return &Relay{
		broker:   b,
		cfg:      cfg,
		instance: fmt.Sprintf("%s-%s", name, host),
		handlers: make(map[string]EventHandler),
	}
}

// Emit builds the event envelope and publishes it. Call only after the
// producing transaction committed.
func (r *Relay) Emit(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return r.Publish(ctx, model.Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       eventType,
		Source:     r.cfg.Source,
		Payload:    data,
		ProducedAt: time.Now().UTC(),
	})
}

// Publish delivers the event to the broker at least once, retrying
// transient errors with doubling backoff. On exhaustion the failure is
// logged and returned; it is never silently dropped.
func (r *Relay) Publish(ctx context.Context, ev model.Event) error {
	delay := r.cfg.PublishBackoff
	var err error
	for attempt := 1; attempt <= r.cfg.PublishAttempts; attempt++ {
		if err = r.broker.Publish(ctx, ev); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		log.Warn().Str("event_id", ev.ID).Str("event_type", ev.Type).
			Int("attempt", attempt).Err(err).Msg("event publish failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("publish %s: %w", ev.ID, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	log.Error().Str("event_id", ev.ID).Str("event_type", ev.Type).Err(err).
		Msg("event publish exhausted retries")
	return fmt.Errorf("publish %s after %d attempts: %w", ev.ID, r.cfg.PublishAttempts, err)
}

// Subscribe registers a handler for an event type. Call before Start.
func (r *Relay) Subscribe(eventType string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Start spawns one consume loop per subscribed type. Each loop first
// drains deliveries left pending by a previous run, then follows new
// entries, revisiting the pending list periodically so failed handlers
// get their deliveries back. Loops stop when ctx is cancelled.
func (r *Relay) Start(ctx context.Context, wg *sync.WaitGroup) error {
	r.mu.Lock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	r.mu.Unlock()

	for _, t := range types {
		if err := r.broker.EnsureGroup(ctx, t, r.cfg.ConsumerID); err != nil {
			return fmt.Errorf("ensure group %s/%s: %w", t, r.cfg.ConsumerID, err)
		}
	}

	for _, t := range types {
		wg.Add(1)
		go func(eventType string) {
			defer wg.Done()
			r.consume(ctx, eventType)
		}(t)
	}
	return nil
}

func (r *Relay) consume(ctx context.Context, eventType string) {
	r.mu.Lock()
	h := r.handlers[eventType]
	r.mu.Unlock()

	r.drainPending(ctx, eventType, h)
	nextDrain := time.Now().Add(r.cfg.PendingInterval)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Deliveries whose handler failed earlier stay on the pending
		// list; revisit it so they are retried rather than parked.
		if time.Now().After(nextDrain) {
			r.drainPending(ctx, eventType, h)
			nextDrain = time.Now().Add(r.cfg.PendingInterval)
		}

		deliveries, err := r.broker.Fetch(ctx, eventType, r.cfg.ConsumerID, r.instance, 16, r.cfg.FetchBlock, false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Str("event_type", eventType).Err(err).Msg("event fetch failed")
			time.Sleep(r.cfg.FetchBlock)
			continue
		}
		for _, dv := range deliveries {
			r.process(ctx, eventType, h, dv)
		}
	}
}

// drainPending reprocesses this consumer's unacknowledged deliveries.
// It stops as soon as a pass makes no progress, otherwise a persistently
// failing handler would pin the loop on the same delivery.
func (r *Relay) drainPending(ctx context.Context, eventType string, h EventHandler) {
	for ctx.Err() == nil {
		deliveries, err := r.broker.Fetch(ctx, eventType, r.cfg.ConsumerID, r.instance, 16, 0, true)
		if err != nil {
			log.Error().Str("event_type", eventType).Err(err).Msg("pending fetch failed")
			return
		}
		if len(deliveries) == 0 {
			return
		}
		progressed := false
		for _, dv := range deliveries {
			if r.process(ctx, eventType, h, dv) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// process applies the at-least-once contract: duplicate deliveries are
// absorbed by the marker, and the marker is set before the ack so a
// lost ack cannot cause a second side effect. It reports whether the
// delivery was settled (acked or marked).
func (r *Relay) process(ctx context.Context, eventType string, h EventHandler, dv broker.Delivery) bool {
	seen, err := r.broker.MarkerExists(ctx, r.cfg.ConsumerID, dv.Event.ID)
	if err != nil {
		log.Error().Str("event_id", dv.Event.ID).Err(err).Msg("marker check failed")
		return false
	}
	if seen {
		if err := r.broker.Ack(ctx, eventType, r.cfg.ConsumerID, dv.ID); err != nil {
			log.Warn().Str("event_id", dv.Event.ID).Err(err).Msg("duplicate ack failed")
		}
		return true
	}

	if err := h(ctx, dv.Event); err != nil {
		log.Error().Str("event_id", dv.Event.ID).Str("event_type", eventType).Err(err).
			Msg("event handler failed, delivery stays pending")
		return false
	}

	if err := r.broker.SetMarker(ctx, r.cfg.ConsumerID, dv.Event.ID, r.cfg.MarkerTTL); err != nil {
		log.Error().Str("event_id", dv.Event.ID).Err(err).Msg("marker set failed")
		return false
	}
	if err := r.broker.Ack(ctx, eventType, r.cfg.ConsumerID, dv.ID); err != nil {
		log.Warn().Str("event_id", dv.Event.ID).Err(err).Msg("ack failed")
	}
	return true
}
