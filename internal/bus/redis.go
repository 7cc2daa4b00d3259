package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisBus implements Bus against a real Redis server. Reconnect is handled
// by go-redis itself at the connection-pool level; this wrapper tolerates
// the stream/group-not-found class of errors by recreating them on demand,
// per spec.md §4.1 ("implementations must tolerate bus reconnect by
// rebinding subscriptions and recreating consumer groups idempotently").
type RedisBus struct {
	client *redis.Client
	log    *logrus.Entry

	groupMu sync.Mutex
	groups  map[string]bool // "stream|group" -> ensured
}

// Config configures a RedisBus connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus dials addr and returns a ready Bus.
func NewRedisBus(cfg Config, log *logrus.Entry) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBus{
		client: client,
		log:    log,
		groups: make(map[string]bool),
	}
}

func groupKey(stream, group string) string { return stream + "|" + group }

func (b *RedisBus) Append(ctx context.Context, streamKey, field string, payload []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{field: payload},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *RedisBus) EnsureGroup(ctx context.Context, streamKey, group string) error {
	b.groupMu.Lock()
	defer b.groupMu.Unlock()

	key := groupKey(streamKey, group)
	if b.groups[key] {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	b.groups[key] = true
	return nil
}

func (b *RedisBus) ReadGroup(ctx context.Context, streamKey, group, consumer string, maxCount int64, blockFor time.Duration) ([]Entry, error) {
	if err := b.EnsureGroup(ctx, streamKey, group); err != nil {
		return nil, err
	}

	// go-redis sends BLOCK 0 (wait forever) for a zero Block; a negative
	// Block omits the argument so an empty read returns at once.
	block := blockFor
	if block <= 0 {
		block = -1
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    maxCount,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		// Stream/group may have been flushed out from under us (e.g. after a
		// Redis restart); recreate idempotently and let the caller retry.
		if strings.Contains(err.Error(), "NOGROUP") {
			b.groupMu.Lock()
			delete(b.groups, groupKey(streamKey, group))
			b.groupMu.Unlock()
		}
		return nil, err
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			for field, val := range msg.Values {
				s, _ := val.(string)
				entries = append(entries, Entry{ID: msg.ID, Field: field, Value: s})
			}
		}
	}
	return entries, nil
}

func (b *RedisBus) Ack(ctx context.Context, streamKey, group, entryID string) error {
	return b.client.XAck(ctx, streamKey, group, entryID).Err()
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte, fireAndForget bool) error {
	err := b.client.Publish(ctx, channel, payload).Err()
	if err != nil && fireAndForget {
		b.log.WithError(err).WithField("channel", channel).Warn("fire-and-forget publish failed")
		return nil
	}
	return err
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return s.pubsub.Close()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
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
				handler([]byte(msg.Payload))
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub, cancel: cancel}, nil
}

func (b *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) Del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBus) HSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	if err := b.client.HSet(ctx, key, field, value).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return b.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

func (b *RedisBus) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := b.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *RedisBus) HDel(ctx context.Context, key, field string) error {
	return b.client.HDel(ctx, key, field).Err()
}

func (b *RedisBus) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.client.HGetAll(ctx, key).Result()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
