package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"todoflow/internal/model"
	"todoflow/internal/store"
)

// Store is the dispatcher's view of the durable store. Claims and
// reclaims rely on its atomic conditional updates, never on in-process
// locking, since multiple worker processes poll the same queue.
type Store interface {
	ClaimNext(ctx context.Context, worker string) (model.Task, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, lastErr string, retryAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	ReclaimExpired(ctx context.Context, lease time.Duration) (int, error)
	PurgeTerminal(ctx context.Context, retention time.Duration) (int, error)
}

// Publisher emits result events; usually the event relay.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Waker blocks a worker until a task may have become visible.
type Waker interface {
	WaitWake(ctx context.Context, queue string, blockFor time.Duration) (bool, error)
}

// Config tunes the worker pool. Zero values get defaults.
type Config struct {
	Workers        int
	HandlerTimeout time.Duration
	Lease          time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	WakeBlock      time.Duration
	Source         string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 168 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.WakeBlock <= 0 {
		c.WakeBlock = 2 * time.Second
	}
	if c.Source == "" {
		c.Source = "worker"
	}
	return c
}

// Dispatcher runs the worker pool and the lease sweeper.
type Dispatcher struct {
	store    Store
	waker    Waker
	pub      Publisher
	handlers map[string]Handler
	cfg      Config
	identity string
}

func New(st Store, waker Waker, pub Publisher, cfg Config) *Dispatcher {
	host, _ := os.Hostname()
	return &Dispatcher{
		store:    st,
		waker:    waker,
		pub:      pub,
		handlers: make(map[string]Handler),
		cfg:      cfg.withDefaults(),
		identity: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// Register binds a handler to a kind. Call before Start; the registry
// is not safe for mutation while workers run.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.handlers[kind] = h
}

// Start launches the workers and the sweeper. They stop when ctx is
// cancelled; wg tracks them for graceful shutdown.
func (d *Dispatcher) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.runWorker(ctx, fmt.Sprintf("%s-%d", d.identity, id))
		}(i + 1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runSweeper(ctx)
	}()
}

func (d *Dispatcher) runWorker(ctx context.Context, worker string) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker", worker).Msg("worker shutting down")
			return
		default:
		}

		task, err := d.store.ClaimNext(ctx, worker)
		if errors.Is(err, store.ErrNoTask) {
			d.idle(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Str("worker", worker).Err(err).Msg("claim failed")
			d.idle(ctx)
			continue
		}

		d.execute(ctx, worker, task)
	}
}

// idle blocks on the wake channel, or sleeps when no broker is wired.
// Timeouts are normal: the follow-up claim also catches retry_scheduled
// tasks whose due time passed without a wake.
func (d *Dispatcher) idle(ctx context.Context) {
	if d.waker != nil {
		if _, err := d.waker.WaitWake(ctx, Queue, d.cfg.WakeBlock); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("wake wait failed")
		}
		return
	}
	timer := time.NewTimer(d.cfg.WakeBlock)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (d *Dispatcher) execute(ctx context.Context, worker string, task model.Task) {
	h, ok := d.handlers[task.Kind]
	if !ok {
		// Poison: no amount of retrying conjures up a handler.
		log.Error().Str("worker", worker).Str("task_id", task.ID).Str("kind", task.Kind).
			Msg("no handler registered, failing task")
		d.finishFailed(task, task.Attempts+1, "no handler for kind "+task.Kind)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	err := h.Handle(hctx, task.Payload)
	cancel()

	if err == nil {
		d.finishSucceeded(worker, task)
		return
	}

	attempts := task.Attempts + 1
	if errors.Is(err, ErrPoison) || attempts >= task.MaxAttempts {
		log.Error().Str("worker", worker).Str("task_id", task.ID).Str("kind", task.Kind).
			Int("attempts", attempts).Err(err).Msg("task failed terminally")
		d.finishFailed(task, attempts, err.Error())
		return
	}

	delay := Backoff(attempts, d.cfg.RetryBase, d.cfg.RetryCap)
	retryAt := time.Now().Add(delay)
	log.Warn().Str("worker", worker).Str("task_id", task.ID).Str("kind", task.Kind).
		Int("attempt", attempts).Dur("retry_in", delay).Err(err).Msg("task failed, retry scheduled")
	uctx, ucancel := updateCtx()
	defer ucancel()
	if uerr := d.store.MarkRetry(uctx, task.ID, attempts, err.Error(), retryAt); uerr != nil {
		if errors.Is(uerr, store.ErrNotRunning) {
			log.Warn().Str("task_id", task.ID).Msg("claim lost, task already rescheduled elsewhere")
			return
		}
		log.Error().Str("task_id", task.ID).Err(uerr).Msg("retry transition failed")
	}
}

// finishSucceeded records the terminal status and publishes the result.
// A lost claim means another worker owns the task now; publishing a
// result for it would double the completion event, so don't.
func (d *Dispatcher) finishSucceeded(worker string, task model.Task) {
	ctx, cancel := updateCtx()
	defer cancel()
	if err := d.store.MarkSucceeded(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrNotRunning) {
			log.Warn().Str("worker", worker).Str("task_id", task.ID).
				Msg("claim lost before completion, result discarded")
			return
		}
		log.Error().Str("task_id", task.ID).Err(err).Msg("succeed transition failed")
		return
	}
	log.Info().Str("worker", worker).Str("task_id", task.ID).Str("kind", task.Kind).
		Msg("task succeeded")
	d.publishResult(ctx, task, task.Kind+".completed", "")
}

func (d *Dispatcher) finishFailed(task model.Task, attempts int, reason string) {
	ctx, cancel := updateCtx()
	defer cancel()
	if err := d.store.MarkFailed(ctx, task.ID, attempts, reason); err != nil {
		if errors.Is(err, store.ErrNotRunning) {
			log.Warn().Str("task_id", task.ID).Msg("claim lost before failure, result discarded")
			return
		}
		log.Error().Str("task_id", task.ID).Err(err).Msg("fail transition failed")
		return
	}
	d.publishResult(ctx, task, task.Kind+".failed", reason)
}

// publishResult emits the result event. Failures here are logged, never
// silently dropped, but they do not affect the task's terminal status.
func (d *Dispatcher) publishResult(ctx context.Context, task model.Task, eventType, reason string) {
	if d.pub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"task_id": task.ID,
		"kind":    task.Kind,
		"error":   reason,
	})
	ev := model.Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       eventType,
		Source:     d.cfg.Source,
		Payload:    payload,
		ProducedAt: time.Now().UTC(),
	}
	if err := d.pub.Publish(ctx, ev); err != nil {
		log.Error().Str("task_id", task.ID).Str("event_type", eventType).Err(err).
			Msg("result event publish failed")
	}
}

// Status transitions must land even when the worker ctx is already
// cancelled during shutdown.
func updateCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// runSweeper reclaims expired leases back to pending and garbage
// collects terminal records past the retention window.
func (d *Dispatcher) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.store.ReclaimExpired(ctx, d.cfg.Lease); err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("lease reclaim failed")
				}
			} else if n > 0 {
				log.Warn().Int("reclaimed", n).Msg("reclaimed tasks with expired leases")
			}
			if n, err := d.store.PurgeTerminal(ctx, d.cfg.Retention); err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("retention purge failed")
				}
			} else if n > 0 {
				log.Info().Int("purged", n).Msg("purged terminal tasks")
			}
		}
	}
}
