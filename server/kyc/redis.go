// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kyc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"lendex.org/lendex/server/account"
)

const (
	keyPrefix  = "lendex:kyc:"
	DefaultTTL = 5 * time.Minute
)

// redisClient is satisfied by *redis.Client.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Connect creates a redis client from a redis:// URL or a host:port address.
func Connect(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// CachedDirectory caches another Directory's levels in redis. Cache failures
// are logged and the underlying Directory is used.
type CachedDirectory struct {
	dir    Directory
	client redisClient
	ttl    time.Duration
}

// NewCachedDirectory wraps the directory with a redis cache. A non-positive
// ttl uses DefaultTTL.
func NewCachedDirectory(dir Directory, client redisClient, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedDirectory{
		dir:    dir,
		client: client,
		ttl:    ttl,
	}
}

func cacheKey(aid account.AccountID) string {
	return keyPrefix + aid.String()
}

// KYCLevel retrieves the level from the cache, or from the underlying
// Directory on a miss.
func (d *CachedDirectory) KYCLevel(ctx context.Context, aid account.AccountID) (account.KYCLevel, error) {
	key := cacheKey(aid)
	s, err := d.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		lvl, err := strconv.ParseUint(s, 10, 8)
		if err == nil {
			return account.KYCLevel(lvl), nil
		}
		log.Errorf("Bad cached KYC level %q for %s", s, aid)
	case errors.Is(err, redis.Nil):
	default:
		log.Warnf("KYC cache read failed for %s: %v", aid, err)
	}

	level, err := d.dir.KYCLevel(ctx, aid)
	if err != nil {
		return 0, err
	}
	if err = d.client.Set(ctx, key, strconv.Itoa(int(level)), d.ttl).Err(); err != nil {
		log.Warnf("KYC cache write failed for %s: %v", aid, err)
	}
	return level, nil
}

// Invalidate drops the cached level for the account, e.g. after the level
// changes.
func (d *CachedDirectory) Invalidate(ctx context.Context, aid account.AccountID) {
	if err := d.client.Del(ctx, cacheKey(aid)).Err(); err != nil {
		log.Warnf("KYC cache invalidation failed for %s: %v", aid, err)
	}
}
