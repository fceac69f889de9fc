package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// SessionStore persists backend sessions keyed by their opaque ID.
type SessionStore interface {
	Save(ctx context.Context, sess Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (Session, bool, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewSessionStore builds the store selected by cfg.Backend.
func NewSessionStore(ctx context.Context, cfg SessionsConfig, logger *slog.Logger) (SessionStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		store := NewRedisStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.KeyPrefix)
		if err := store.client.Ping(ctx).Err(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("session store ready", "backend", "redis", "addr", cfg.Redis.Addr)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// MemoryStore keeps sessions in a process-local TTL cache.
type MemoryStore struct {
	cache *ttlcache.Cache[string, Session]
}

// NewMemoryStore constructs a MemoryStore and starts its expiry loop.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, Session](
		ttlcache.WithDisableTouchOnHit[string, Session](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

func (s *MemoryStore) Save(_ context.Context, sess Session, ttl time.Duration) error {
	s.cache.Set(sess.ID, sess, ttl)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Session, bool, error) {
	item := s.cache.Get(id)
	if item == nil {
		return Session{}, false, nil
	}
	return item.Value(), true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}

// RedisStore shares sessions across replicas. Values are JSON with a Redis-side expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(opts *redis.Options, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, sess Session, ttl time.Duration) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), b, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Session, bool, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
