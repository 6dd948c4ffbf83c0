package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the Redis-backed Store.
type Config struct {
	Addr         string
	DB           int
	Password     string
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Username     string
}

// Store is a Redis-backed implementation of state.Store.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	// cached SHAs for the Lua scripts
	appendSHA string
	createSHA string
	// ownsClient determines whether Close() should close the underlying client
	ownsClient bool
}

// New creates a new Redis Store with the provided configuration.
func New(cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "orderflow"
	}
	s := &Store{rdb: rdb, prefix: prefix, ownsClient: true}
	s.loadScripts(ctx)
	return s, nil
}

// NewFromClient constructs a Store from a user-managed redis.UniversalClient.
// The Store will not Close() the client.
func NewFromClient(ctx context.Context, rdb redis.UniversalClient, prefix string) (*Store, error) {
	if prefix == "" {
		prefix = "orderflow"
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	s := &Store{rdb: rdb, prefix: prefix, ownsClient: false}
	s.loadScripts(ctx)
	return s, nil
}

// loadScripts caches script SHAs; EVAL is the fallback if loading fails.
func (s *Store) loadScripts(ctx context.Context) {
	if sha, err := s.rdb.ScriptLoad(ctx, luaAppendEvent).Result(); err == nil {
		s.appendSHA = sha
	}
	if sha, err := s.rdb.ScriptLoad(ctx, luaCreateWorkflow).Result(); err == nil {
		s.createSHA = sha
	}
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	if s.ownsClient {
		return s.rdb.Close()
	}
	return nil
}
