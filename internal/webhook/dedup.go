package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "vippsgw:webhook:event:"

// RedisDeduplicator admits each event id once within the retention window
// using SET NX with a TTL. Retention must exceed the provider's documented
// redelivery window; Redis prunes expired entries itself.
type RedisDeduplicator struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisDeduplicator(client redis.UniversalClient, retention time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, retention: retention}
}

func (d *RedisDeduplicator) AdmitOnce(ctx context.Context, eventID, reference string) (bool, error) {
	firstSeen, err := d.client.SetNX(ctx, dedupKeyPrefix+eventID, reference, d.retention).Result()
	if err != nil {
		return false, err
	}
	return firstSeen, nil
}

func (d *RedisDeduplicator) Forget(ctx context.Context, eventID string) error {
	return d.client.Del(ctx, dedupKeyPrefix+eventID).Err()
}

// MemoryDeduplicator is the single-process fallback: an append-mostly set
// with periodic pruning of entries older than the retention window.
type MemoryDeduplicator struct {
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

func NewMemoryDeduplicator(retention time.Duration) *MemoryDeduplicator {
	return &MemoryDeduplicator{
		retention: retention,
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}
}

func (d *MemoryDeduplicator) AdmitOnce(ctx context.Context, eventID, reference string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastPrune) > d.retention/4 {
		d.prune(now)
	}

	if seenAt, ok := d.seen[eventID]; ok && now.Sub(seenAt) <= d.retention {
		return false, nil
	}
	d.seen[eventID] = now
	return true, nil
}

func (d *MemoryDeduplicator) Forget(ctx context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, eventID)
	return nil
}

func (d *MemoryDeduplicator) prune(now time.Time) {
	for id, seenAt := range d.seen {
		if now.Sub(seenAt) > d.retention {
			delete(d.seen, id)
		}
	}
	d.lastPrune = now
}
