// Package objstore provides the claim-check payload store. Activities whose
// results are too large for workflow history (video batch analyses, full
// page captures) put the payload here and pass only the key through the
// orchestrator.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a claim key matches no payload, typically
// because the TTL expired before the workflow consumed it.
var ErrNotFound = errors.New("objstore: payload not found")

// DefaultTTL bounds how long an unclaimed payload survives. Workflows
// consume claims within the same phase, so a day is generous.
const DefaultTTL = 24 * time.Hour

// Store holds large activity payloads outside workflow history.
type Store interface {
	// Put stores a payload and returns its claim key.
	Put(ctx context.Context, payload []byte) (string, error)
	// Get returns the payload for a claim key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes a claimed payload. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// NewKey mints a claim key. Exposed so tests can seed payloads.
func NewKey() string {
	return "claim-" + uuid.NewString()
}

// Redis implements Store on a Redis instance with per-payload TTLs.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOptions configures the Redis payload store.
type RedisOptions struct {
	Client redis.UniversalClient
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
	// Prefix namespaces keys in a shared Redis, e.g. "opskb:".
	Prefix string
}

// NewRedis returns a Redis-backed payload store.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: opts.Client, ttl: ttl, prefix: opts.Prefix}, nil
}

// Name implements goa.design/clue/health.Pinger.
func (r *Redis) Name() string { return "objstore-redis" }

// Ping implements goa.design/clue/health.Pinger.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Put(ctx context.Context, payload []byte) (string, error) {
	key := NewKey()
	if err := r.client.Set(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("store payload: %w", err)
	}
	return key, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load payload: %w", err)
	}
	return raw, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Mem is an in-process Store for tests and store-less runs. TTLs are not
// enforced; payloads live until deleted.
type Mem struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMem returns an empty in-process payload store.
func NewMem() *Mem {
	return &Mem{data: make(map[string][]byte)}
}

func (m *Mem) Put(_ context.Context, payload []byte) (string, error) {
	key := NewKey()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return key, nil
}

func (m *Mem) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, nil
}

func (m *Mem) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
