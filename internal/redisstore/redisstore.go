// Package redisstore keeps fan-in counters in Redis so several scheduler
// processes can share the zero-crossing decision.
//
// Store wraps a base jobstore.Store: jobs and builds stay in the base store,
// while Decrement runs a Lua script that records the member with SADD and
// decrements with DECR in one atomic step. The decrement is then mirrored
// into the base store so its Dispatch guard check sees the same value.
//
// The zero crossing is reported only after the mirror has caught up. When
// Redis reaches zero the script leaves a pending marker; the first call that
// sees both counts at zero claims the marker with DEL and reports fired. A
// failed mirror therefore loses nothing: retrying the same member mirrors it
// again and can still claim the marker.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

// decrementScript returns the remaining count.
//
// KEYS[1]: remaining count, KEYS[2]: applied member set,
// KEYS[3]: pending zero-crossing marker, ARGV[1]: member.
var decrementScript = redis.NewScript(3, `
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return redis.error_reply("NOTFOUND")
	end
	if redis.call("SADD", KEYS[2], ARGV[1]) == 0 then
		return tonumber(redis.call("GET", KEYS[1]))
	end
	local remaining = redis.call("DECR", KEYS[1])
	if remaining == 0 then
		redis.call("SET", KEYS[3], ARGV[1])
	end
	return remaining
`)

// NewPool returns a connection pool dialing addr.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Store is a jobstore.Store whose counters live in Redis.
type Store struct {
	jobstore.Store
	pool   *redis.Pool
	prefix string
}

var _ jobstore.Store = (*Store)(nil)

// WithCounters wraps base. Keys are namespaced by prefix.
func WithCounters(base jobstore.Store, pool *redis.Pool, prefix string) *Store {
	return &Store{Store: base, pool: pool, prefix: prefix}
}

func (s *Store) remainingKey(key types.CounterKey) string {
	return fmt.Sprintf("%scounter:{%s}:remaining", s.prefix, key)
}

func (s *Store) membersKey(key types.CounterKey) string {
	return fmt.Sprintf("%scounter:{%s}:members", s.prefix, key)
}

func (s *Store) firedKey(key types.CounterKey) string {
	return fmt.Sprintf("%scounter:{%s}:fired", s.prefix, key)
}

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	return conn, nil
}

// CreateBuild seeds the Redis counters, then creates the build in the base
// store. SET NX leaves counters of an existing build untouched.
func (s *Store) CreateBuild(ctx context.Context, build *types.Build, jobs []*types.Job, counters []*types.FanInCounter) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	for _, c := range counters {
		if err := conn.Send("SET", s.remainingKey(c.Key), c.Initial, "NX"); err != nil {
			return err
		}
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to seed counters of %s: %w", build.ID, err)
	}

	return s.Store.CreateBuild(ctx, build, jobs, counters)
}

// Decrement runs the Lua decrement-and-test script, mirrors the member into
// the base store, then claims the zero crossing once the mirror is at zero.
// A base count of zero implies every member reached Redis first, so the
// marker exists and exactly one call per counter reports fired.
func (s *Store) Decrement(ctx context.Context, key types.CounterKey, member types.JobID) (int, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()

	remaining, err := redis.Int(decrementScript.DoContext(ctx, conn,
		s.remainingKey(key), s.membersKey(key), s.firedKey(key), string(member)))
	if err != nil {
		var rerr redis.Error
		if errors.As(err, &rerr) && strings.HasPrefix(string(rerr), "NOTFOUND") {
			return 0, false, fmt.Errorf("%w: counter %s", jobstore.ErrNotFound, key)
		}
		return 0, false, fmt.Errorf("failed to decrement %s: %w", key, err)
	}

	// 鏡像到基礎儲存（每個成員冪等），讓它的 guard 檢查看到相同的值
	mirrored, _, err := s.Store.Decrement(ctx, key, member)
	if err != nil {
		return remaining, false, fmt.Errorf("failed to mirror %s: %w", key, err)
	}
	if mirrored != 0 {
		return remaining, false, nil
	}

	claimed, err := redis.Int(redis.DoContext(conn, ctx, "DEL", s.firedKey(key)))
	if err != nil {
		return remaining, false, fmt.Errorf("failed to claim zero crossing of %s: %w", key, err)
	}
	if claimed == 1 {
		log.Debug("Fan-in counter reached zero", "counter", key, "member", member)
	}
	return remaining, claimed == 1, nil
}

// GetCounter returns the base record with Remaining read from Redis.
// Applied lists the members recorded in Redis that the base store has also
// mirrored, so a member whose mirror failed shows as not yet applied.
func (s *Store) GetCounter(ctx context.Context, key types.CounterKey) (*types.FanInCounter, error) {
	c, err := s.Store.GetCounter(ctx, key)
	if err != nil {
		return nil, err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	remaining, err := redis.Int(redis.DoContext(conn, ctx, "GET", s.remainingKey(key)))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: counter %s", jobstore.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	members, err := redis.Strings(redis.DoContext(conn, ctx, "SMEMBERS", s.membersKey(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to read members of %s: %w", key, err)
	}
	sort.Strings(members)

	mirrored := make(map[types.JobID]bool, len(c.Applied))
	for _, m := range c.Applied {
		mirrored[m] = true
	}
	applied := make([]types.JobID, 0, len(members))
	for _, m := range members {
		if mirrored[types.JobID(m)] {
			applied = append(applied, types.JobID(m))
		}
	}
	c.Remaining = remaining
	c.Applied = applied
	return c, nil
}

// Checkpoint forwards to the base store when it keeps a snapshot.
func (s *Store) Checkpoint() error {
	if cp, ok := s.Store.(interface{ Checkpoint() error }); ok {
		return cp.Checkpoint()
	}
	return nil
}

// Close closes the base store and the pool.
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.pool.Close())
}
