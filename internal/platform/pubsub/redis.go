// Package pubsub relays flow events through Redis so that every server
// instance's websocket hub sees changes made on any instance.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opdflow/opdflow/internal/platform/websocket"
)

const DefaultChannel = "opdflow:events"

// NewRedis parses a redis:// URL and pings the server.
func NewRedis(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Publisher implements websocket.EventPublisher on a Redis channel.
type Publisher struct {
	rdb     goredis.UniversalClient
	channel string
}

func NewPublisher(rdb goredis.UniversalClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, event websocket.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Broadcaster is the local delivery side, normally *websocket.Hub.
type Broadcaster interface {
	Broadcast(topic string, event websocket.Event)
}

// Relay subscribes to the channel and hands each event to the local hub.
type Relay struct {
	rdb     goredis.UniversalClient
	channel string
	sink    Broadcaster
	logger  zerolog.Logger
}

func NewRelay(rdb goredis.UniversalClient, channel string, sink Broadcaster, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		rdb:     rdb,
		channel: channel,
		sink:    sink,
		logger:  logger.With().Str("component", "pubsub_relay").Str("channel", channel).Logger(),
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *Relay) handle(payload string) {
	var event websocket.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed event")
		return
	}
	if event.Topic == "" {
		r.logger.Warn().Str("type", event.Type).Msg("dropping event without topic")
		return
	}
	r.sink.Broadcast(event.Topic, event)
}
