package resumable

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"polychat/internal/redis"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "polychat:stream:"

// RedisStore keeps streams in redis lists with a TTL and wakes readers with
// pub/sub, so any instance can serve a resume request.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func chunksKey(id string) string  { return redisKeyPrefix + id + ":chunks" }
func stateKeyOf(id string) string { return redisKeyPrefix + id + ":state" }
func notifyChannel(id string) string {
	return redisKeyPrefix + id + ":notify"
}

func (s *RedisStore) raw() (*goredis.Client, error) {
	raw := s.client.Raw()
	if raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	return raw, nil
}

func (s *RedisStore) Create(ctx context.Context, id string, ttl time.Duration) error {
	raw, err := s.raw()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	ok, err := raw.SetNX(ctx, stateKeyOf(id), StateActive.String(), ttl).Result()
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	if !ok {
		return ErrStreamExists
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, id string, chunk []byte) error {
	raw, err := s.raw()
	if err != nil {
		return err
	}
	state, err := raw.Get(ctx, stateKeyOf(id)).Result()
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return ErrStreamNotFound
		}
		return fmt.Errorf("stream state: %w", err)
	}
	if parseState(state) == StateDone {
		return ErrStreamDone
	}
	_, err = raw.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, chunksKey(id), chunk)
		pipe.Expire(ctx, chunksKey(id), s.ttl)
		pipe.Publish(ctx, notifyChannel(id), "chunk")
		return nil
	})
	if err != nil {
		return fmt.Errorf("append stream chunk: %w", err)
	}
	return nil
}

func (s *RedisStore) Finish(ctx context.Context, id string) error {
	raw, err := s.raw()
	if err != nil {
		return err
	}
	_, err = raw.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, stateKeyOf(id), StateDone.String(), s.ttl)
		pipe.Publish(ctx, notifyChannel(id), "done")
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish stream: %w", err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, id string, from int) ([][]byte, State, error) {
	raw, err := s.raw()
	if err != nil {
		return nil, StateMissing, err
	}
	var (
		stateCmd *goredis.StringCmd
		listCmd  *goredis.StringSliceCmd
	)
	// state is read first so a "done" state never misses chunks appended before it
	_, err = raw.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		stateCmd = pipe.Get(ctx, stateKeyOf(id))
		listCmd = pipe.LRange(ctx, chunksKey(id), int64(from), -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		return nil, StateMissing, fmt.Errorf("range stream: %w", err)
	}
	stateVal, err := stateCmd.Result()
	if errors.Is(err, redis.ErrCacheMiss) {
		return nil, StateMissing, nil
	}
	if err != nil {
		return nil, StateMissing, fmt.Errorf("stream state: %w", err)
	}
	items, err := listCmd.Result()
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		return nil, StateMissing, fmt.Errorf("stream chunks: %w", err)
	}
	chunks := make([][]byte, 0, len(items))
	for _, item := range items {
		chunks = append(chunks, []byte(item))
	}
	return chunks, parseState(stateVal), nil
}

func (s *RedisStore) Subscribe(ctx context.Context, id string) (Notification, error) {
	sub, err := s.client.Subscribe(ctx, notifyChannel(id))
	if err != nil {
		return nil, fmt.Errorf("subscribe stream: %w", err)
	}
	n := &redisNotification{sub: sub, ch: make(chan struct{}, 1), done: make(chan struct{})}
	go n.run()
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, chunksKey(id), stateKeyOf(id)); err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	return nil
}

// Purge is a no-op: redis expires stream keys on its own.
func (s *RedisStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

// Close leaves the shared client open; its owner closes it.
func (s *RedisStore) Close() error { return nil }

type redisNotification struct {
	sub  *goredis.PubSub
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

func (n *redisNotification) run() {
	msgs := n.sub.Channel()
	for {
		select {
		case <-n.done:
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case n.ch <- struct{}{}:
			default:
			}
		}
	}
}

func (n *redisNotification) C() <-chan struct{} { return n.ch }

func (n *redisNotification) Close() error {
	var err error
	n.once.Do(func() {
		close(n.done)
		if err = n.sub.Close(); err != nil {
			log.Printf("resumable: close subscription: %v", err)
		}
	})
	return err
}
