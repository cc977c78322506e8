package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the ledger when no key is configured.
const DefaultRedisKey = "stickerbot:ledger"

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL      string // redis://host:port
	Password string
	DB       int
	Key      string
}

// RedisStore keeps the ledger in a single Redis hash (field = correspondent).
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: c, key: key}, nil
}

// Load reads the whole hash.
func (s *RedisStore) Load(ctx context.Context) (map[string]Status, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	out := make(map[string]Status, len(raw))
	for name, v := range raw {
		status, err := ParseStatus(v)
		if err != nil {
			return nil, fmt.Errorf("correspondent %q: %w", name, err)
		}
		out[name] = status
	}
	return out, nil
}

// Put sets one hash field.
func (s *RedisStore) Put(ctx context.Context, correspondent string, status Status) error {
	if err := s.client.HSet(ctx, s.key, correspondent, status.String()).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", s.key, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
