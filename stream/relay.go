package stream

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// RedisPublisher publishes events on a Redis pub/sub channel so every
// instance of the service can relay them to its own sessions.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

var _ domain.Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Relay listens on a Redis channel and republishes every event to local until
// ctx is cancelled. A closed subscription is re-established after a second.
func Relay(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, local domain.Publisher) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.Event
				if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.WithError(err).Error("unable to parse event")
					continue
				}
				if err := local.Publish(ctx, ev); err != nil {
					logger.WithError(err).WithField("event", ev.Type).Warn("relay publish failed")
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
