package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "kestrel:session:"

// RedisStore persists sessions in Redis, one string value per client_id.
// Like PebbleStore it does not enforce --max-session.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to a Redis server at addr and verifies the
// connection with a PING before returning.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(clientID string) string { return redisKeyPrefix + clientID }

// Get returns the session for clientID and whether one was found.
func (r *RedisStore) Get(clientID string) (*Session, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	value, err := r.client.Get(ctx, redisKey(clientID)).Bytes()
	if err != nil {
		return nil, false
	}

	var snap snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return nil, false
	}
	return fromSnapshot(snap), true
}

// Put stores s under clientID.
func (r *RedisStore) Put(clientID string, s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(s.toSnapshot())
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, redisKey(clientID), data, 0).Err()
}

// Evict removes the session for clientID, if any.
func (r *RedisStore) Evict(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.Del(ctx, redisKey(clientID)).Err()
}

// Close releases the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
