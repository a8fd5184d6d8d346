package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mangasync/pkg/kvstore"
)

// Publisher sends events to the shared channel. Workers publish; the API
// server relays the channel into its websocket hub.
type Publisher struct {
	rdb     redis.Cmdable
	channel string
	now     func() time.Time
}

func NewPublisher(rdb redis.Cmdable, keys kvstore.Keys) *Publisher {
	return &Publisher{rdb: rdb, channel: keys.Key("events"), now: time.Now}
}

func (p *Publisher) Channel() string { return p.channel }

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay forwards events from the shared channel to a hub until ctx ends.
func Relay(ctx context.Context, rdb *redis.Client, keys kvstore.Keys, hub *Hub, log zerolog.Logger) error {
	log = log.With().Str("component", "event-relay").Logger()
	sub := rdb.Subscribe(ctx, keys.Key("events"))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("drop malformed event")
				continue
			}
			hub.BroadcastJSON(ev)
		}
	}
}
