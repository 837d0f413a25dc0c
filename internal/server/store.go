package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/airband/config"
	"github.com/mossy-p/airband/internal/protocol"

	"github.com/redis/go-redis/v9"
)

const (
	presenceSetKey = "signaling:clients"
	presenceKeyTTL = 24 * time.Hour
)

// PresenceStore mirrors the set of connected clients into a backing
// store so operational tooling can inspect who is online. The registry
// remains the source of truth; store failures are logged by callers and
// never affect signaling.
type PresenceStore interface {
	Add(ctx context.Context, client protocol.ClientIdentity) error
	Remove(ctx context.Context, id string) error
	Close() error
}

// MemoryStore keeps presence in-process. Default backend.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]protocol.ClientIdentity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: make(map[string]protocol.ClientIdentity)}
}

func (s *MemoryStore) Add(_ context.Context, client protocol.ClientIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Snapshot returns the currently stored clients.
func (s *MemoryStore) Snapshot() []protocol.ClientIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]protocol.ClientIdentity, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// RedisStore persists presence in Redis so it survives server restarts
// and is visible to other services.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Add(ctx context.Context, client protocol.ClientIdentity) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.client.Set(ctx, "client:"+client.ID, data, presenceKeyTTL).Err(); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, presenceSetKey, client.ID).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, presenceSetKey, presenceKeyTTL).Err()
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if err := s.client.SRem(ctx, presenceSetKey, id).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, "client:"+id).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NewPresenceStore selects the store backend from configuration.
func NewPresenceStore(cfg *config.Config) (PresenceStore, error) {
	switch cfg.StoreBackend {
	case "redis":
		return NewRedisStore(cfg.Redis)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
