package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically tests used+amount <= limit and increments on
// success. Returning the post-check usage keeps the denied snapshot
// consistent with what the check saw.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 and used + amount > limit then
  return {0, tostring(used)}
end
used = used + amount
redis.call('SET', KEYS[1], tostring(used))
redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[3]))
return {1, tostring(used)}
`)

// releaseScript decrements usage, clamped at zero.
var releaseScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
used = used - tonumber(ARGV[1])
if used < 0 then used = 0 end
redis.call('SET', KEYS[1], tostring(used))
redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[2]))
return tostring(used)
`)

// RedisLedger implements Ledger on Redis so multiple gateway instances can
// share one budget. Keys are scoped to (user, dimension, UTC day) and expire
// at the next midnight, which is the daily reset.
type RedisLedger struct {
	client   redis.UniversalClient
	limits   Limits
	reporter Reporter
	now      func() time.Time
}

type RedisOption func(*RedisLedger)

func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLedger) { l.now = now }
}

func WithRedisReporter(r Reporter) RedisOption {
	return func(l *RedisLedger) { l.reporter = r }
}

func NewRedisLedger(client redis.UniversalClient, limits Limits, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client: client,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) key(userID string, dim Dimension) string {
	return fmt.Sprintf("voicegate:budget:%s:%s:%s", userID, dim, utcDay(l.now()).Format("2006-01-02"))
}

func (l *RedisLedger) resetAt() int64 {
	return utcDay(l.now()).AddDate(0, 0, 1).Unix()
}

func (l *RedisLedger) Check(ctx context.Context, userID string, dim Dimension, estimate float64) (bool, Snapshot, error) {
	limit := l.limits[dim]
	raw, err := l.client.Get(ctx, l.key(userID, dim)).Result()
	if err != nil && err != redis.Nil {
		return false, Snapshot{}, fmt.Errorf("budget check: %w", err)
	}
	used := 0.0
	if raw != "" {
		used, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return false, Snapshot{}, fmt.Errorf("budget check: parse usage %q: %w", raw, err)
		}
	}
	snap := Snapshot{Dimension: dim, Used: used, Limit: limit}
	if limit <= 0 {
		return true, snap, nil
	}
	return used+estimate <= limit, snap, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error) {
	if amount < 0 {
		return Snapshot{}, fmt.Errorf("reserve amount must be >= 0, got %v", amount)
	}
	limit := l.limits[dim]
	res, err := reserveScript.Run(ctx, l.client,
		[]string{l.key(userID, dim)},
		formatAmount(amount), formatAmount(limit), l.resetAt(),
	).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget reserve: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return Snapshot{}, fmt.Errorf("budget reserve: unexpected script result %T", res)
	}
	allowed, _ := parts[0].(int64)
	used, err := parseScriptFloat(parts[1])
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget reserve: %w", err)
	}

	snap := Snapshot{Dimension: dim, Used: used, Limit: limit}
	if allowed != 1 {
		return Snapshot{}, &ExceededError{UserID: userID, Snapshot: snap}
	}
	return snap, nil
}

func (l *RedisLedger) Release(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error) {
	if amount < 0 {
		return Snapshot{}, fmt.Errorf("release amount must be >= 0, got %v", amount)
	}
	res, err := releaseScript.Run(ctx, l.client,
		[]string{l.key(userID, dim)},
		formatAmount(amount), l.resetAt(),
	).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget release: %w", err)
	}
	used, err := parseScriptFloat(res)
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget release: %w", err)
	}
	return Snapshot{Dimension: dim, Used: used, Limit: l.limits[dim]}, nil
}

func (l *RedisLedger) Commit(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error) {
	_, snap, err := l.Check(ctx, userID, dim, 0)
	if err != nil {
		return Snapshot{}, err
	}
	if l.reporter != nil && amount > 0 {
		l.reporter.RecordUsage(ctx, userID, dim, amount)
	}
	return snap, nil
}

func (l *RedisLedger) SnapshotAll(ctx context.Context, userID string) (map[Dimension]Snapshot, error) {
	out := make(map[Dimension]Snapshot, len(Dimensions))
	for _, dim := range Dimensions {
		_, snap, err := l.Check(ctx, userID, dim, 0)
		if err != nil {
			return nil, err
		}
		out[dim] = snap
	}
	return out, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseScriptFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}
