package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is the cloud-table-style Backend: a hash per namespace
// (HSET namespace key value) gives O(1) get/delete; the size check sums
// every field and value of the hash with HGETALL, so there is no
// separate size-tracking key and an insert costs time linear in the
// namespace's size.
type RedisBackend struct {
	client *redis.Client
}

// insertScript runs the size check and the HSET atomically server-side.
// Redis executes a single script body to completion before serving any
// other command, which is what SQLiteBackend gets for free from its
// single-connection BeginTx/Commit: two concurrent inserts into the
// same namespace can never both pass the check before either writes.
var insertScript = redis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
local size = 0
local i = 1
while i <= #fields do
	if fields[i] ~= ARGV[1] then
		size = size + #fields[i] + #fields[i+1]
	end
	i = i + 2
end
local limit = tonumber(ARGV[3])
if limit >= 0 and size + #ARGV[1] + #ARGV[2] > limit then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: connect to redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }

func hashKey(namespace string) string { return "plaid:kv:" + namespace }

func (b *RedisBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	val, err := b.client.HGet(ctx, hashKey(namespace), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: redis get: %w", err)
	}
	return val, true, nil
}

func (b *RedisBackend) Insert(ctx context.Context, namespace, key string, value []byte, limit Limit) error {
	ceiling := int64(-1)
	if limit.Limited {
		ceiling = int64(limit.N)
	}
	accepted, err := insertScript.Run(ctx, b.client, []string{hashKey(namespace)}, key, value, ceiling).Int64()
	if err != nil {
		return fmt.Errorf("storage: redis insert: %w", err)
	}
	if accepted == 0 {
		return ErrSizeLimitExceeded
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, namespace, key string) ([]byte, error) {
	prior, err := b.client.HGet(ctx, hashKey(namespace), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: redis read before delete: %w", err)
	}
	if err := b.client.HDel(ctx, hashKey(namespace), key).Err(); err != nil {
		return nil, fmt.Errorf("storage: redis delete: %w", err)
	}
	return prior, nil
}

func (b *RedisBackend) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	all, err := b.client.HKeys(ctx, hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: redis list keys: %w", err)
	}
	if prefix == "" {
		return all, nil
	}
	filtered := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			filtered = append(filtered, k)
		}
	}
	return filtered, nil
}

func (b *RedisBackend) NamespaceSize(ctx context.Context, namespace string) (int64, error) {
	return b.namespaceSizeExcluding(ctx, namespace, "")
}

func (b *RedisBackend) namespaceSizeExcluding(ctx context.Context, namespace, excludeKey string) (int64, error) {
	all, err := b.client.HGetAll(ctx, hashKey(namespace)).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: redis namespace size: %w", err)
	}
	var size int64
	for k, v := range all {
		if k == excludeKey {
			continue
		}
		size += int64(len(k)) + int64(len(v))
	}
	return size, nil
}
