package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned by Store.Load when no snapshot exists for
// the key.
var ErrStateNotFound = errors.New("adaptive state not found")

// stateKeyPrefix namespaces persisted limiter state in Redis.
const stateKeyPrefix = "relay:ratelimit:state:"

// defaultStateTTL bounds how long stale snapshots survive. A snapshot
// older than this says nothing useful about the remote's current mood.
const defaultStateTTL = 24 * time.Hour

// Store persists adaptive limiter state so throttle history survives
// restarts and is shared between processes hitting the same remote.
// Implementations must treat Load of an unknown key as ErrStateNotFound.
type Store interface {
	Save(ctx context.Context, key string, st AdaptiveState) error
	Load(ctx context.Context, key string) (AdaptiveState, error)
	Delete(ctx context.Context, key string) error
}

// RedisStore keeps snapshots as JSON documents under
// relay:ratelimit:state:<key> with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store over an existing Redis client. A
// non-positive ttl falls back to the default.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Save serializes the snapshot and writes it with the configured TTL.
func (s *RedisStore) Save(ctx context.Context, key string, st AdaptiveState) error {
	data, err := json.Marshal(st)
	if err != nil {
		storeErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal adaptive state for %q: %w", key, err)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+key, data, s.ttl).Err(); err != nil {
		storeErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("save adaptive state for %q: %w", key, err)
	}
	return nil
}

// Load fetches and deserializes the snapshot for key.
func (s *RedisStore) Load(ctx context.Context, key string) (AdaptiveState, error) {
	data, err := s.client.Get(ctx, stateKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return AdaptiveState{}, ErrStateNotFound
	}
	if err != nil {
		storeErrors.WithLabelValues("load").Inc()
		return AdaptiveState{}, fmt.Errorf("load adaptive state for %q: %w", key, err)
	}

	var st AdaptiveState
	if err := json.Unmarshal(data, &st); err != nil {
		storeErrors.WithLabelValues("load").Inc()
		return AdaptiveState{}, fmt.Errorf("decode adaptive state for %q: %w", key, err)
	}
	return st, nil
}

// Delete removes the snapshot for key. Deleting a missing key is not an
// error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, stateKeyPrefix+key).Err(); err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete adaptive state for %q: %w", key, err)
	}
	return nil
}

// MemoryStore is a process-local Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]AdaptiveState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]AdaptiveState)}
}

func (s *MemoryStore) Save(_ context.Context, key string, st AdaptiveState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = st
	return nil
}

func (s *MemoryStore) Load(_ context.Context, key string) (AdaptiveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return AdaptiveState{}, ErrStateNotFound
	}
	return st, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}
