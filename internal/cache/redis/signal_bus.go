package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

const (
	// transitionField is the stream entry field holding the transition JSON.
	transitionField = "transition"
	// replayRetention bounds the resolution stream (XADD MAXLEN ~).
	replayRetention int64 = 10000
	subscribeBuffer       = 128
)

// SignalBus carries resolution transitions. Pub/Sub reaches connected relays
// only; the stream is the replay log a reconnecting client reads from its
// last seen entry id. Every channel and stream name gets the client's key
// prefix, so deployments sharing a Redis stay apart.
type SignalBus struct {
	rdb    *redis.Client
	client *Client
}

// NewSignalBus creates a SignalBus on c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), client: c}
}

// Publish fans payload out to current subscribers of channel. Nothing is kept
// for subscribers that connect later.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, sb.client.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers payloads from channel, or from every matching channel
// when it holds a glob such as "resolution:*", until ctx is done. The
// subscription is confirmed before Subscribe returns, so a publish issued
// afterwards is not missed.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.client.key(channel)
	var pubsub *redis.PubSub
	if isPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, name)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go relay(ctx, pubsub, out)
	return out, nil
}

// isPattern reports whether channel needs PSUBSCRIBE.
func isPattern(channel string) bool { return strings.ContainsAny(channel, "*?[") }

func relay(ctx context.Context, pubsub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer pubsub.Close()

	in := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// StreamAppend records payload in the replay log. Old entries are trimmed
// approximately past replayRetention.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.client.key(stream),
		MaxLen: replayRetention,
		Approx: true,
		Values: map[string]any{transitionField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns at most count entries strictly after lastID, oldest
// first, without blocking. lastID "0" or "" replays from the oldest retained
// entry. The caller resumes from the last returned ID.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.client.key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s from %s: %w", stream, lastID, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, entry := range s.Messages {
			if data, ok := entryPayload(entry.Values); ok {
				messages = append(messages, domain.StreamMessage{ID: entry.ID, Payload: data})
			}
		}
	}
	return messages, nil
}

// entryPayload extracts the transition bytes; entries written by anything
// else are skipped.
func entryPayload(values map[string]any) ([]byte, bool) {
	switch v := values[transitionField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
