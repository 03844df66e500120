package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store against a Redis keyspace. Each canonical key
// maps to a Redis hash `{value, version}` plus the TTL set natively via
// Redis expiry, so GET/EXPIRE semantics match the contract directly.
// CAS and check-and-set use Lua scripts for atomicity across the
// value/version pair.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing *redis.Client. keyPrefix namespaces all
// Acteon keys within a shared Redis instance.
func NewRedisStore(rdb *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: keyPrefix}
}

func (r *RedisStore) fullKey(key string) string {
	return r.prefix + key
}

var checkAndSetScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', '1')
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

func (r *RedisStore) CheckAndSet(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := checkAndSetScript.Run(ctx, r.rdb, []string{r.fullKey(key)}, string(value), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return res == 1, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.HGet(ctx, r.fullKey(key), "value").Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return []byte(v), true, nil
}

func (r *RedisStore) GetVersioned(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	vals, err := r.rdb.HMGet(ctx, r.fullKey(key), "value", "version").Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, 0, false, nil
	}
	version, _ := strconv.ParseUint(fmt.Sprint(vals[1]), 10, 64)
	return []byte(fmt.Sprint(vals[0])), version, true, nil
}

var setScript = redis.NewScript(`
local version = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'value', ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return version
`)

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := setScript.Run(ctx, r.rdb, []string{r.fullKey(key)}, string(value), ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, r.fullKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return n > 0, nil
}

var incrementScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], 'value', ARGV[1])
local ttlSet = redis.call('HSETNX', KEYS[1], 'ttl_applied', '1')
redis.call('HINCRBY', KEYS[1], 'version', 1)
if ttlSet == 1 and tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

func (r *RedisStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrementScript.Run(ctx, r.rdb, []string{r.fullKey(key)}, delta, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	switch n := res.(type) {
	case int64:
		return n, nil
	default:
		parsed, perr := strconv.ParseInt(fmt.Sprint(res), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("%w: unexpected increment result %v", ErrSerialization, res)
		}
		return parsed, nil
	}
}

var casScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then
	if tonumber(ARGV[1]) ~= 0 then
		return {0, '', '0'}
	end
	redis.call('HSET', KEYS[1], 'value', ARGV[2], 'version', '1')
	if tonumber(ARGV[3]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
	end
	return {1, '', '0'}
end
local version = redis.call('HGET', KEYS[1], 'version')
if version ~= ARGV[1] then
	local cur = redis.call('HGET', KEYS[1], 'value')
	return {0, cur, version}
end
redis.call('HSET', KEYS[1], 'value', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'version', 1)
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, '', '0'}
`)

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, newValue []byte, ttl time.Duration) (bool, *ConflictError, error) {
	res, err := casScript.Run(ctx, r.rdb, []string{r.fullKey(key)},
		strconv.FormatUint(expectedVersion, 10), string(newValue), ttl.Milliseconds()).Result()
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return false, nil, fmt.Errorf("%w: unexpected CAS result shape", ErrSerialization)
	}
	ok1 := fmt.Sprint(arr[0]) == "1"
	if ok1 {
		return true, nil, nil
	}
	curVersion, _ := strconv.ParseUint(fmt.Sprint(arr[2]), 10, 64)
	return false, &ConflictError{CurrentValue: []byte(fmt.Sprint(arr[1])), CurrentVersion: curVersion}, nil
}

func (r *RedisStore) ScanKeys(ctx context.Context, namespace, tenant string, kind Kind, prefix string) ([]KV, error) {
	pattern := r.fullKey(fmt.Sprintf("%s:%s:%s:%s*", namespace, tenant, kind, prefix))
	return r.scanPattern(ctx, pattern)
}

func (r *RedisStore) ScanKeysByKind(ctx context.Context, kind Kind) ([]KV, error) {
	pattern := r.fullKey(fmt.Sprintf("*:%s:*", kind))
	return r.scanPattern(ctx, pattern)
}

func (r *RedisStore) scanPattern(ctx context.Context, pattern string) ([]KV, error) {
	var out []KV
	iter := r.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		key := strings.TrimPrefix(full, r.prefix)
		v, err := r.rdb.HGet(ctx, full, "value").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		out = append(out, KV{Key: key, Value: []byte(v)})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return out, nil
}

// GetExpiredTimeouts uses a Redis sorted set keyed by
// `{prefix}__timeout_index__` with score = expires_at_ms, maintained by
// IndexTimeout/RemoveTimeoutIndex, satisfying the same O(log N + M)
// contract as MemoryStore via ZRANGEBYSCORE.
func (r *RedisStore) GetExpiredTimeouts(ctx context.Context, nowMs int64) ([]string, error) {
	zkey := r.fullKey("__timeout_index__")
	res, err := r.rdb.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(nowMs, 10)}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return res, nil
}

func (r *RedisStore) IndexTimeout(ctx context.Context, key string, expiresAtMs int64) error {
	zkey := r.fullKey("__timeout_index__")
	return r.rdb.ZAdd(ctx, zkey, &redis.Z{Score: float64(expiresAtMs), Member: key}).Err()
}

func (r *RedisStore) RemoveTimeoutIndex(ctx context.Context, key string) error {
	zkey := r.fullKey("__timeout_index__")
	return r.rdb.ZRem(ctx, zkey, key).Err()
}

func (r *RedisStore) Close(ctx context.Context) error {
	return r.rdb.Close()
}
