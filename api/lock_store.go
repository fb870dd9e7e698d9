package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radpeer/radpeer/internal/slogging"
	"github.com/radpeer/radpeer/wire"
)

// LockStore manages per-annotation exclusive locks in Redis. At most one
// holder exists per annotation at any time; the TTL is a backstop so a
// crashed server instance cannot strand locks, and the hub additionally
// releases a holder's locks when their socket closes.
type LockStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// releaseScript deletes the lock only when the caller still holds it, so a
// release cannot clobber a lock that expired and was re-acquired by someone
// else in the interim.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder_id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewLockStore creates a lock store with the given expiry backstop
func NewLockStore(redisClient *redis.Client, ttl time.Duration) *LockStore {
	return &LockStore{redis: redisClient, ttl: ttl}
}

func lockKey(imageID, annotationID string) string {
	return fmt.Sprintf("lock:%s:%s", imageID, annotationID)
}

func holderKey(imageID, holderID string) string {
	return fmt.Sprintf("lockholder:%s:%s", imageID, holderID)
}

// Acquire attempts to take the lock for holderID. Re-acquiring a lock the
// holder already owns refreshes the TTL and succeeds.
func (ls *LockStore) Acquire(ctx context.Context, imageID, annotationID, holderID string) (bool, error) {
	key := lockKey(imageID, annotationID)

	// HSETNX is atomic per field: exactly one concurrent caller wins.
	won, err := ls.redis.HSetNX(ctx, key, "holder_id", holderID).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire failed: %w", err)
	}
	if !won {
		current, err := ls.redis.HGet(ctx, key, "holder_id").Result()
		if err == redis.Nil {
			// Lock expired between the HSETNX and the read; let the caller
			// retry rather than guessing.
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("lock holder read failed: %w", err)
		}
		if current != holderID {
			return false, nil
		}
		// Reentrant acquire by the existing holder refreshes the backstop.
		if err := ls.redis.Expire(ctx, key, ls.ttl).Err(); err != nil {
			return false, fmt.Errorf("lock TTL refresh failed: %w", err)
		}
		return true, nil
	}

	pipe := ls.redis.Pipeline()
	pipe.HSet(ctx, key, "acquired_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, ls.ttl)
	pipe.SAdd(ctx, holderKey(imageID, holderID), annotationID)
	pipe.Expire(ctx, holderKey(imageID, holderID), ls.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("lock metadata write failed: %w", err)
	}
	return true, nil
}

// Release gives up the lock if holderID still holds it. Releasing a lock the
// holder does not own is a no-op.
func (ls *LockStore) Release(ctx context.Context, imageID, annotationID, holderID string) error {
	key := lockKey(imageID, annotationID)
	if err := releaseScript.Run(ctx, ls.redis, []string{key}, holderID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	if err := ls.redis.SRem(ctx, holderKey(imageID, holderID), annotationID).Err(); err != nil {
		return fmt.Errorf("lock index update failed: %w", err)
	}
	return nil
}

// ReleaseAllForHolder releases every lock the holder has on the image. The
// hub calls this when a participant's socket closes.
func (ls *LockStore) ReleaseAllForHolder(ctx context.Context, imageID, holderID string) error {
	logger := slogging.Get()
	ids, err := ls.redis.SMembers(ctx, holderKey(imageID, holderID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock index read failed: %w", err)
	}
	for _, annotationID := range ids {
		if err := ls.Release(ctx, imageID, annotationID, holderID); err != nil {
			logger.Warn("failed to release lock on disconnect image_id=%s annotation_id=%s holder=%s error=%v",
				imageID, annotationID, holderID, err)
		}
	}
	if err := ls.redis.Del(ctx, holderKey(imageID, holderID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock index cleanup failed: %w", err)
	}
	return nil
}

// Status reports the lock's current holder, if any. The answer is advisory:
// it may be stale by the time the caller acts on it.
func (ls *LockStore) Status(ctx context.Context, imageID, annotationID string) (wire.LockStatus, error) {
	fields, err := ls.redis.HGetAll(ctx, lockKey(imageID, annotationID)).Result()
	if err != nil {
		return wire.LockStatus{}, fmt.Errorf("lock status read failed: %w", err)
	}
	status := wire.LockStatus{AnnotationID: annotationID}
	holder, ok := fields["holder_id"]
	if !ok {
		return status, nil
	}
	status.Locked = true
	status.HolderID = holder
	if at, ok := fields["acquired_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			status.AcquiredAt = t
		}
	}
	return status, nil
}
