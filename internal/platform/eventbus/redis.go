package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroadcaster fans events out to every server instance through Redis
// pub/sub. Messages published while an instance is disconnected are lost.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger
}

func NewRedisBroadcaster(client redis.UniversalClient, channel string, logger zerolog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{client: client, channel: channel, logger: logger}
}

func (r *RedisBroadcaster) Broadcast(ctx context.Context, e Event) error {
	payload, err := encode(e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisBroadcaster) Listen(ctx context.Context, fn func(Event)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so that a bad address fails here.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			e, err := decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn().Err(err).Str("channel", r.channel).Msg("dropping malformed event")
				continue
			}
			fn(e)
		}
	}
}
