package tsa

import (
	"context"
	"sync"
	"time"
)

// SerialDedupe tracks timestamp serial numbers per provider so a serial
// replayed within the retention window is rejected.
type SerialDedupe interface {
	// Seen reports whether the serial is already registered for the provider.
	Seen(ctx context.Context, providerID, serial string) (bool, error)
	// Register records the serial. It returns false if the serial was
	// already present, which means another request won the race.
	Register(ctx context.Context, providerID, serial string, window time.Duration) (bool, error)
}

const dedupeShards = 16

// MemoryDedupe is a sharded in-process serial registry. Suitable for a
// single instance; multi-instance deployments use the Redis registry.
type MemoryDedupe struct {
	shards [dedupeShards]dedupeShard
}

type dedupeShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryDedupe() *MemoryDedupe {
	d := &MemoryDedupe{}
	for i := range d.shards {
		d.shards[i].entries = make(map[string]time.Time)
	}
	return d
}

func (d *MemoryDedupe) shard(key string) *dedupeShard {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return &d.shards[h%dedupeShards]
}

func (d *MemoryDedupe) Seen(_ context.Context, providerID, serial string) (bool, error) {
	key := providerID + ":" + serial
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[key]
	if ok && time.Now().After(exp) {
		delete(s.entries, key)
		return false, nil
	}
	return ok, nil
}

func (d *MemoryDedupe) Register(_ context.Context, providerID, serial string, window time.Duration) (bool, error) {
	key := providerID + ":" + serial
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(window)
	// Lazy expiry sweep, bounded so registration stays cheap.
	swept := 0
	for k, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, k)
		}
		swept++
		if swept >= 64 {
			break
		}
	}
	return true, nil
}
