package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
)

// DefaultChannel is the redis pub/sub channel shared by every node.
const DefaultChannel = "chat:fanout"

const (
	scopeRoom = "room"
	scopeUser = "user"

	minResubscribeDelay = 500 * time.Millisecond
	maxResubscribeDelay = 30 * time.Second
)

type envelope struct {
	Origin  string          `json:"origin"`
	Scope   string          `json:"scope"`
	Target  string          `json:"target"`
	Exclude string          `json:"exclude,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RedisBus is a chat.Broadcaster that delivers to the local hub right away and
// relays every broadcast through redis so connections held by other nodes
// receive it. Envelopes a node published itself are ignored on the way back.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	nodeID  string
	local   chat.Broadcaster
	logger  *slog.Logger
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// NewRedisBus wraps the local hub.
func NewRedisBus(client redis.UniversalClient, channel string, local chat.Broadcaster, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		local:   local,
		logger:  logger.With("component", "cluster"),
	}
}

// ToRoom implements chat.Broadcaster.
func (b *RedisBus) ToRoom(conversationID string, evt models.Event, excludeUserID string) {
	b.publish(envelope{Scope: scopeRoom, Target: conversationID, Exclude: excludeUserID}, evt)
}

// ToUser implements chat.Broadcaster.
func (b *RedisBus) ToUser(userID string, evt models.Event) {
	b.publish(envelope{Scope: scopeUser, Target: userID}, evt)
}

func (b *RedisBus) publish(env envelope, evt models.Event) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		b.logger.Error("encode fanout payload", "event", evt.Event, "error", err)
		return
	}
	env.Origin = b.nodeID
	env.Event = evt.Event
	env.Data = data

	raw, err := json.Marshal(env)
	b.dispatch(env)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = b.client.Publish(ctx, b.channel, raw).Err()
		cancel()
	}
	if err != nil {
		b.logger.Warn("fanout publish failed, delivered locally only", "event", evt.Event, "error", err)
	}
}

// Start subscribes to the shared channel and returns once the subscription is
// confirmed. Delivery then continues in the background, resubscribing with
// backoff whenever the subscription drops, until ctx is cancelled.
func (b *RedisBus) Start(ctx context.Context) error {
	sub, err := b.subscribe(ctx)
	if err != nil {
		return err
	}
	go b.run(ctx, sub)
	return nil
}

func (b *RedisBus) subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("fanout subscribed", "channel", b.channel, "node_id", b.nodeID)
	return sub, nil
}

func (b *RedisBus) run(ctx context.Context, sub *redis.PubSub) {
	for {
		b.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("fanout subscription lost", "channel", b.channel)

		var ok bool
		if sub, ok = b.resubscribe(ctx); !ok {
			return
		}
	}
}

func (b *RedisBus) consume(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

func (b *RedisBus) resubscribe(ctx context.Context) (*redis.PubSub, bool) {
	delay := minResubscribeDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		sub, err := b.subscribe(ctx)
		if err == nil {
			return sub, true
		}
		b.logger.Warn("fanout resubscribe failed", "error", err, "retry_in", delay)
		delay = min(delay*2, maxResubscribeDelay)
	}
}

func (b *RedisBus) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("dropping malformed fanout message", "error", err)
		return
	}
	if env.Origin == b.nodeID {
		return
	}
	b.dispatch(env)
}

func (b *RedisBus) dispatch(env envelope) {
	evt := models.Event{Event: env.Event}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		evt.Data = env.Data
	}
	switch env.Scope {
	case scopeRoom:
		b.local.ToRoom(env.Target, evt, env.Exclude)
	case scopeUser:
		b.local.ToUser(env.Target, evt)
	default:
		b.logger.Warn("unknown fanout scope", "scope", env.Scope)
	}
}
