// Package broker wraps the shared Redis substrate: the task queue's
// wake channel, the event streams, idempotency markers and the comment
// cache. Every process owns its own handle; there is no package-level
// client.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"todoflow/internal/model"
)

const (
	queuePrefix  = "todoflow:queue:"
	streamPrefix = "todoflow:events:"
	markerPrefix = "todoflow:seen:"
	cachePrefix  = "todoflow:cache:"
)

// Broker is a process-local handle to the shared Redis instance.
type Broker struct {
	rdb *redis.Client
}

func Connect(addr string) *Broker {
	return &Broker{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping is the liveness probe the readiness gate uses.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.rdb.Close()
}

// PushWake signals that a task became visible on the named queue.
func (b *Broker) PushWake(ctx context.Context, queue, taskID string) error {
	return b.rdb.LPush(ctx, queuePrefix+queue, taskID).Err()
}

// WaitWake blocks up to blockFor for a wake signal. It returns false on
// timeout, which is not an error; workers fall back to polling the store.
func (b *Broker) WaitWake(ctx context.Context, queue string, blockFor time.Duration) (bool, error) {
	_, err := b.rdb.BRPop(ctx, blockFor, queuePrefix+queue).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Publish appends the event to the stream for its type. Events are
// immutable; nothing ever rewrites a stream entry.
func (b *Broker) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + ev.Type,
		Values: map[string]interface{}{"event": data},
	}).Err()
}

// EnsureGroup creates the consumer group for eventType if it does not
// exist yet. New groups start from the beginning of the stream so a
// subscriber that comes up late still sees earlier events.
func (b *Broker) EnsureGroup(ctx context.Context, eventType, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamPrefix+eventType, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Delivery is one event handed to a consumer, together with the broker
// bookkeeping id needed to acknowledge it.
type Delivery struct {
	ID    string
	Event model.Event
}

// Fetch reads up to count deliveries for the group. With pending=true it
// re-reads entries delivered but never acknowledged (crash recovery);
// otherwise it blocks up to block for new entries.
func (b *Broker) Fetch(ctx context.Context, eventType, group, consumer string, count int, block time.Duration, pending bool) ([]Delivery, error) {
	cursor := ">"
	if pending {
		cursor = "0"
		block = -1 // reads at an explicit id return immediately
	}
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamPrefix + eventType, cursor},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["event"].(string)
			if !ok {
				// Malformed entry: acknowledge so it never wedges the group.
				_ = b.Ack(ctx, eventType, group, msg.ID)
				continue
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				_ = b.Ack(ctx, eventType, group, msg.ID)
				continue
			}
			out = append(out, Delivery{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

func (b *Broker) Ack(ctx context.Context, eventType, group, deliveryID string) error {
	return b.rdb.XAck(ctx, streamPrefix+eventType, group, deliveryID).Err()
}

// MarkerExists checks whether consumer already processed the event.
func (b *Broker) MarkerExists(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, markerPrefix+consumer+":"+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetMarker records that consumer processed the event. The TTL must
// cover the longest redelivery window the broker can produce.
func (b *Broker) SetMarker(ctx context.Context, consumer, eventID string, ttl time.Duration) error {
	key := markerPrefix + consumer + ":" + eventID
	return b.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// CacheGet returns the cached value and whether it was present.
func (b *Broker) CacheGet(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, cachePrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *Broker) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.rdb.Set(ctx, cachePrefix+key, value, ttl).Err()
}

func (b *Broker) CacheDel(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, cachePrefix+key).Err()
}
