package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatsync/internal/chat"
)

const eventChannelPrefix = "chat:events:"

// RedisBus carries change events over Redis pub/sub, one channel per table,
// so every server instance sees every row mutation. Kind and column filters
// are applied client-side on delivery.
type RedisBus struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisBus(rdb *redis.Client, log zerolog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log.With().Str("component", "redisbus").Logger()}
}

func (b *RedisBus) Publish(ctx context.Context, ev chat.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, eventChannelPrefix+ev.Table, payload).Err()
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
	})
	return s.err
}

func (b *RedisBus) Subscribe(ctx context.Context, table string, kind chat.EventKind, filter chat.Filter, fn func(chat.Event)) (chat.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := b.rdb.Subscribe(subCtx, eventChannelPrefix+table)

	// Force the subscription to establish before returning, so an event
	// published right after Subscribe is not lost.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, err
	}

	sub := &redisSub{pubsub: pubsub, cancel: cancel}
	ch := pubsub.Channel()

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev chat.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Error().Err(err).Str("table", table).Msg("bad event payload")
					continue
				}
				if kind != chat.EventAny && ev.Kind != kind {
					continue
				}
				if !matchesFilter(ev, filter) {
					continue
				}
				fn(ev)
			}
		}
	}()

	return sub, nil
}
