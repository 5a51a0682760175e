package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay mirrors hub publications to every node over a Redis channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	nodeID  string
	hub     *Hub
	log     *zap.Logger
}

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event
}

// NewRedisRelay wires hub to channel. Events published by nodeID are not
// dispatched twice.
func NewRedisRelay(client *redis.Client, channel, nodeID string, hub *Hub, log *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		hub:     hub,
		log:     log.With(zap.String("component", "bus_relay")),
	}
}

// Forward publishes ev to the other nodes.
func (r *RedisRelay) Forward(ctx context.Context, ev Event) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.nodeID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run receives events from other nodes until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.log.Info("relay_subscribed", zap.String("channel", r.channel), zap.String("node_id", r.nodeID))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("relay_event_invalid", zap.Error(err))
				continue
			}
			if env.Origin == r.nodeID {
				continue
			}
			r.hub.Dispatch(env.Event)
		}
	}
}
