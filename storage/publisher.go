package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/pksingh99/jirban-jira/board"
)

// Publisher announces board deltas on a Redis channel so every instance can
// forward them to its stream clients.
type Publisher struct {
	redis   *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{redis: client, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, delta *board.Delta) error {
	if p == nil || p.redis == nil || delta == nil {
		return nil
	}
	payload, err := sonic.Marshal(delta)
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, p.channel, payload).Err()
}

// Subscribe listens for published deltas until ctx is done and hands each
// one to deliver along with its board key. A dropped subscription is
// re-established after reconnectDelay.
func Subscribe(ctx context.Context, rc *redis.Client, channel string, reconnectDelay time.Duration, deliver func(board string, payload []byte)) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var head struct {
					Board string `json:"board"`
				}
				if err := sonic.UnmarshalString(msg.Payload, &head); err != nil || head.Board == "" {
					log.WithError(err).WithField("channel", channel).Error("unable to parse board update")
					continue
				}
				deliver(head.Board, []byte(msg.Payload))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
