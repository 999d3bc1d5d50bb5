package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KiosksTopic is the bus topic carrying pairing events.
const KiosksTopic = "kiosks"

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// TopicChannel scopes a topic to one tenant, e.g. "kiosks:<tenantId>".
func TopicChannel(topic, tenantID string) string {
	return fmt.Sprintf("%s:%s", topic, tenantID)
}
