package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnknown means the cache holds no answer for this service/country and
// another request holds the warm lock. Callers fall back to the database.
var ErrUnknown = errors.New("usage: counters not warmed")

// Tracker keeps short-lived per-provider activation counters in Redis, plus
// the number cooldown set and pending-lease markers used by inbound dispatch.
//
// Counters are advisory. They expire after CounterTTL and are rebuilt from
// the database by whichever request wins the warm lock; a brief undercount
// only means a provider gets slightly more traffic than its cap for one TTL
// window.
type Tracker struct {
	rdb         *redis.Client
	counterTTL  time.Duration
	warmLockTTL time.Duration
	logger      *slog.Logger
}

func NewTracker(rdb *redis.Client, counterTTL, warmLockTTL time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{rdb: rdb, counterTTL: counterTTL, warmLockTTL: warmLockTTL, logger: logger}
}

func counterKey(serviceID, countryID, providerID int32) string {
	return fmt.Sprintf("usage:%d:%d:%d", serviceID, countryID, providerID)
}

func warmedKey(serviceID, countryID int32) string {
	return fmt.Sprintf("usage:%d:%d:warmed", serviceID, countryID)
}

func warmLockKey(serviceID, countryID int32) string {
	return fmt.Sprintf("usage_warm_lock:%d:%d", serviceID, countryID)
}

func cooldownKey(serviceID int32, number string) string {
	return fmt.Sprintf("number_cooldown:%d:%s", serviceID, number)
}

func pendingKey(number string) string {
	return "pending_lease:" + number
}

// ProviderUsage returns today's served count for one provider. A warmed
// marker with a missing counter key means zero, not unknown.
func (t *Tracker) ProviderUsage(ctx context.Context, serviceID, countryID, providerID int32) (int64, error) {
	warmed, err := t.rdb.Exists(ctx, warmedKey(serviceID, countryID)).Result()
	if err != nil {
		return 0, err
	}
	if warmed == 0 {
		return 0, ErrUnknown
	}

	n, err := t.rdb.Get(ctx, counterKey(serviceID, countryID, providerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// TryWarm installs database-sourced counters for every provider in counts,
// but only if this caller wins the warm lock. Returns false when another
// request is already warming; the caller should use its database numbers
// directly for this one decision.
func (t *Tracker) TryWarm(ctx context.Context, serviceID, countryID int32, counts map[int32]int64) (bool, error) {
	ok, err := t.rdb.SetNX(ctx, warmLockKey(serviceID, countryID), 1, t.warmLockTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	pipe := t.rdb.Pipeline()
	for providerID, n := range counts {
		pipe.Set(ctx, counterKey(serviceID, countryID, providerID), n, t.counterTTL)
	}
	pipe.Set(ctx, warmedKey(serviceID, countryID), 1, t.counterTTL)
	pipe.Del(ctx, warmLockKey(serviceID, countryID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Incr bumps the provider counter after a successful code delivery. The
// warmed marker is left alone: a counter created here without one stays
// invisible until the next warm, which resyncs it from the database anyway.
func (t *Tracker) Incr(ctx context.Context, serviceID, countryID, providerID int32) {
	key := counterKey(serviceID, countryID, providerID)
	pipe := t.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn("usage counter increment failed", "key", key, "error", err)
	}
}

// SetCooldown quarantines a number for one service after its lease
// concludes, so the same service does not immediately re-lease it.
func (t *Tracker) SetCooldown(ctx context.Context, serviceID int32, number string, d time.Duration) {
	if err := t.rdb.Set(ctx, cooldownKey(serviceID, number), 1, d).Err(); err != nil {
		t.logger.Warn("cooldown set failed", "msisdn", number, "error", err)
	}
}

// InCooldown reports whether the number is quarantined for the service.
// Redis errors read as "not cooling down" so allocation keeps working
// without the cache.
func (t *Tracker) InCooldown(ctx context.Context, serviceID int32, number string) bool {
	n, err := t.rdb.Exists(ctx, cooldownKey(serviceID, number)).Result()
	if err != nil {
		t.logger.Warn("cooldown check failed", "msisdn", number, "error", err)
		return false
	}
	return n > 0
}

// MarkPending records that a lease was just created for the number, covering
// the window where an SMS can arrive before the lease row is visible to the
// dispatcher's first query.
func (t *Tracker) MarkPending(ctx context.Context, number string, leaseID int64, ttl time.Duration) {
	if err := t.rdb.Set(ctx, pendingKey(number), leaseID, ttl).Err(); err != nil {
		t.logger.Warn("pending marker set failed", "msisdn", number, "lease_id", leaseID, "error", err)
	}
}

// HasPending reports whether a just-created lease may exist for the number.
func (t *Tracker) HasPending(ctx context.Context, number string) bool {
	n, err := t.rdb.Exists(ctx, pendingKey(number)).Result()
	if err != nil {
		t.logger.Warn("pending marker check failed", "msisdn", number, "error", err)
		return false
	}
	return n > 0
}

// ClearPending drops the marker once the lease is served or concluded.
func (t *Tracker) ClearPending(ctx context.Context, number string) {
	if err := t.rdb.Del(ctx, pendingKey(number)).Err(); err != nil {
		t.logger.Warn("pending marker clear failed", "msisdn", number, "error", err)
	}
}
