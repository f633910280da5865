package tsa

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupe shares the serial registry across instances. Registration is
// a SETNX with the retention window as TTL, so expiry is handled by Redis.
type RedisDedupe struct {
	client *redis.Client
}

func NewRedisDedupe(client *redis.Client) *RedisDedupe {
	return &RedisDedupe{client: client}
}

func dedupeKey(providerID, serial string) string {
	return fmt.Sprintf("stampd:serial:%s:%s", providerID, serial)
}

func (d *RedisDedupe) Seen(ctx context.Context, providerID, serial string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupeKey(providerID, serial)).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDedupe) Register(ctx context.Context, providerID, serial string, window time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupeKey(providerID, serial), "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe register: %w", err)
	}
	return ok, nil
}
