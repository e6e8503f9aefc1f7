package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skillscreen/proctoring-service/internal/utils"
)

const bridgePattern = "proctoring.room.*"

type bridgeMessage struct {
	Instance string `json:"instance"`
	Room     string `json:"room"`
	Event    Event  `json:"event"`
}

// RedisBridge replicates room events across service instances over Redis
// pub/sub, so an observer connected to one instance still sees sessions
// whose writes land on another. Each bridge tags outgoing messages with
// its instance ID and drops its own echoes on the way back in.
type RedisBridge struct {
	client   *redis.Client
	hub      *Hub
	logger   utils.Logger
	instance string
}

func NewRedisBridge(client *redis.Client, hub *Hub, logger utils.Logger) *RedisBridge {
	return &RedisBridge{
		client:   client,
		hub:      hub,
		logger:   logger,
		instance: uuid.NewString(),
	}
}

// Publish pushes one room event onto the shared channel.
func (b *RedisBridge) Publish(ctx context.Context, room string, ev Event) error {
	payload, err := json.Marshal(bridgeMessage{Instance: b.instance, Room: room, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal bridge message: %w", err)
	}
	if err := b.client.Publish(ctx, "proctoring.room."+room, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish bridge message: %w", err)
	}
	return nil
}

// Run subscribes to the shared channel and replays foreign events into the
// local hub until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, bridgePattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var bm bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.logger.Warn("discarding malformed bridge message", "channel", msg.Channel, "error", err)
				continue
			}
			if bm.Instance == b.instance {
				continue
			}
			b.hub.Publish(bm.Room, bm.Event)
		}
	}
}
