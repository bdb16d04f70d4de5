package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bdag/prediction-ledger/internal/model"
)

// streamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// RedisBus publishes events on a Pub/Sub channel for live consumers and
// appends them to a stream for consumers that need ordered replay.
type RedisBus struct {
	rdb     redis.Cmdable
	channel string
	stream  string
}

// NewRedisBus creates a bus. An empty channel or stream disables that half.
func NewRedisBus(rdb redis.Cmdable, channel, stream string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, stream: stream}
}

func (b *RedisBus) Notify(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}

	if b.channel != "" {
		if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
			return fmt.Errorf("redis: publish %s: %w", b.channel, err)
		}
	}
	if b.stream != "" {
		args := &redis.XAddArgs{
			Stream: b.stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type":      string(ev.Type),
				"market_id": ev.MarketID,
				"seq":       ev.Seq,
				"payload":   payload,
			},
		}
		if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis: stream append %s: %w", b.stream, err)
		}
	}
	return nil
}
