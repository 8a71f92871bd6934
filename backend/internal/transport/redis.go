package transport

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Transport over redis pub/sub, so participants connected
// to different nodes share the same per-entity channel.
type Redis struct {
	rdb redis.UniversalClient
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Publish(ctx context.Context, channel string, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channel, b).Err()
}

type redisSub struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	return s.ps.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so a join cannot miss
	// operations committed right after it.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSub{ps: ps, ch: make(chan Message, 256)}
	go func() {
		defer close(sub.ch)
		for m := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("transport: bad message on %s: %v", channel, err)
				continue
			}
			sub.ch <- msg
		}
	}()
	return sub, nil
}
