package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Key prefixes. Every key carries a lowercase account address after the prefix.
const (
	bundleEventsPrefix = "bundles:"
	accountLockPrefix  = "lock:account:"
	submitLimitPrefix  = "ratelimit:submit:"
)

type Client struct {
	*redis.Client
}

// NewClient parses redisURL and verifies the server answers before ctx is done.
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	log.Debug().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connected")

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func BundleEventsChannel(account string) string {
	return bundleEventsPrefix + strings.ToLower(account)
}

func AccountLockKey(account string) string {
	return accountLockPrefix + strings.ToLower(account)
}

func SubmitRateLimitKey(account string) string {
	return submitLimitPrefix + strings.ToLower(account)
}
