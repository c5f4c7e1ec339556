// Package cache mirrors account presence into Redis so other processes can
// see who is online without reading the account database.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"chtbx/models"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTimeout = 5 * time.Second

	onlineSetKey   = "online:users"
	presencePrefix = "presence:"
)

type Config struct {
	Addr    string
	DB      int
	Timeout time.Duration
}

// Connect initialises a Redis client and validates connectivity with a ping.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// PresenceCache keeps a hash per online user (ip, port) and a set of all
// online usernames.
type PresenceCache struct {
	client *redis.Client
}

func NewPresenceCache(client *redis.Client) *PresenceCache {
	return &PresenceCache{client: client}
}

func presenceKey(username string) string {
	return presencePrefix + username
}

func (c *PresenceCache) Online(ctx context.Context, username string, p models.Presence) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, presenceKey(username), "ip", p.IP, "port", strconv.Itoa(int(p.Port)))
		pipe.SAdd(ctx, onlineSetKey, username)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache online %s: %w", username, err)
	}
	return nil
}

func (c *PresenceCache) Offline(ctx context.Context, username string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, presenceKey(username))
		pipe.SRem(ctx, onlineSetKey, username)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache offline %s: %w", username, err)
	}
	return nil
}

// Reset drops every cached presence. It runs at startup alongside the
// database reset, when no session can be online.
func (c *PresenceCache) Reset(ctx context.Context) error {
	users, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(users)+1)
	for _, u := range users {
		keys = append(keys, presenceKey(u))
	}
	keys = append(keys, onlineSetKey)
	return c.client.Del(ctx, keys...).Err()
}
