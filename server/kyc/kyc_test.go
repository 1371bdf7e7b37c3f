// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kyc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/loan"
)

var tCtx = context.Background()

type tDirectory struct {
	levels map[account.AccountID]account.KYCLevel
	calls  int
}

func (d *tDirectory) KYCLevel(_ context.Context, aid account.AccountID) (account.KYCLevel, error) {
	d.calls++
	lvl, found := d.levels[aid]
	if !found {
		return 0, loan.ErrNotFound
	}
	return lvl, nil
}

type tRedis struct {
	vals   map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newTRedis() *tRedis {
	return &tRedis{vals: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (r *tRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if r.getErr != nil {
		return redis.NewStringResult("", r.getErr)
	}
	v, found := r.vals[key]
	if !found {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (r *tRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	if r.setErr != nil {
		return redis.NewStatusResult("", r.setErr)
	}
	r.vals[key] = value.(string)
	r.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (r *tRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(r.vals, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestCachedDirectory(t *testing.T) {
	aid := account.NewID([]byte("kyc"))
	dir := &tDirectory{levels: map[account.AccountID]account.KYCLevel{aid: 2}}
	rc := newTRedis()
	cd := NewCachedDirectory(dir, rc, 0)

	for i := 0; i < 3; i++ {
		lvl, err := cd.KYCLevel(tCtx, aid)
		if err != nil {
			t.Fatalf("KYCLevel error: %v", err)
		}
		if lvl != 2 {
			t.Fatalf("wrong level %d", lvl)
		}
	}
	if dir.calls != 1 {
		t.Fatalf("expected 1 directory call, got %d", dir.calls)
	}
	if rc.ttls[cacheKey(aid)] != DefaultTTL {
		t.Fatalf("wrong ttl %v", rc.ttls[cacheKey(aid)])
	}

	// Level changes are picked up after invalidation.
	dir.levels[aid] = 3
	cd.Invalidate(tCtx, aid)
	if lvl, _ := cd.KYCLevel(tCtx, aid); lvl != 3 {
		t.Fatalf("stale level %d after invalidation", lvl)
	}

	// Cache failures fall back to the directory.
	rc.getErr = errors.New("connection refused")
	rc.setErr = errors.New("connection refused")
	if lvl, err := cd.KYCLevel(tCtx, aid); err != nil || lvl != 3 {
		t.Fatalf("no fallback on cache failure: %d, %v", lvl, err)
	}
	if dir.calls != 3 {
		t.Fatalf("expected 3 directory calls, got %d", dir.calls)
	}

	// Garbage in the cache is ignored.
	rc.getErr, rc.setErr = nil, nil
	rc.vals[cacheKey(aid)] = "garbage"
	if lvl, err := cd.KYCLevel(tCtx, aid); err != nil || lvl != 3 {
		t.Fatalf("bad cache entry not ignored: %d, %v", lvl, err)
	}

	if _, err := cd.KYCLevel(tCtx, account.NewID([]byte("unknown"))); !errors.Is(err, loan.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLimits(t *testing.T) {
	limits, err := ParseLimits("1:1000, 2:50000")
	if err != nil {
		t.Fatalf("ParseLimits error: %v", err)
	}
	if limits.String() != "1:1000,2:50000" {
		t.Fatalf("wrong String %q", limits.String())
	}
	tests := []struct {
		level account.KYCLevel
		amt   uint64
		ok    bool
	}{
		{0, 1, false},
		{1, 1000, true},
		{1, 1001, false},
		{2, 50000, true},
		{3, 1, false},
	}
	for _, tt := range tests {
		err := limits.Check(tt.level, tt.amt)
		if tt.ok != (err == nil) {
			t.Fatalf("Check(%d, %d) = %v", tt.level, tt.amt, err)
		}
		if err != nil && !errors.Is(err, loan.ErrUnauthorized) {
			t.Fatalf("wrong error kind %v", err)
		}
	}
	for _, bad := range []string{"1", "x:1", "1:x", "1:1,1:2", "300:1"} {
		if _, err := ParseLimits(bad); err == nil {
			t.Fatalf("no error for %q", bad)
		}
	}
	if l, err := ParseLimits(""); err != nil || len(l) != 0 {
		t.Fatalf("empty limits: %v, %v", l, err)
	}
}
