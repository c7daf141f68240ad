// Package redis is a store backend keeping VM records in Redis, one JSON
// value per VM under a "vm:" key prefix. The version check runs server-side
// in a Lua script, so CompareAndSwap is atomic across every process talking
// to the same Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/projecteru2/chrysalis/store"
	"github.com/projecteru2/chrysalis/types"
)

const keyPrefix = "vm:"

// compile-time interface check.
var _ store.Store = (*Store)(nil)

// casScript compares the version embedded in the stored JSON document with
// the expected one and replaces the value only on match. expected == 0
// means "create": the key must not exist. Returns "ok" or "conflict".
var casScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[1])
if expected == 0 then
  if cur then return 'conflict' end
else
  if not cur then return 'conflict' end
  local doc = cjson.decode(cur)
  if tonumber(doc.version) ~= expected then return 'conflict' end
end
redis.call('SET', KEYS[1], ARGV[2])
return 'ok'
`)

// Store implements store.Store on a Redis connection.
type Store struct {
	client *goredis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", store.ErrUnavailable, opts.Addr, err)
	}
	return &Store{client: client}, nil
}

func key(name string) string { return keyPrefix + name }

// Get returns the record for name.
func (s *Store) Get(ctx context.Context, name string) (*types.VMRecord, error) {
	raw, err := s.client.Get(ctx, key(name)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: get %s: %v", store.ErrUnavailable, name, err)
	}
	rec := &types.VMRecord{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", name, err)
	}
	return rec, nil
}

// CompareAndSwap writes rec if the stored version matches expected
// (0 = the record must not exist yet).
func (s *Store) CompareAndSwap(ctx context.Context, name string, expected uint64, rec *types.VMRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", name, err)
	}
	res, err := casScript.Run(ctx, s.client, []string{key(name)}, expected, payload).Text()
	if err != nil {
		return fmt.Errorf("%w: cas %s: %v", store.ErrUnavailable, name, err)
	}
	if res != "ok" {
		return fmt.Errorf("%w: %s, expected version %d", store.ErrVersionConflict, name, expected)
	}
	return nil
}

// Delete removes the record for name.
func (s *Store) Delete(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, key(name)).Result()
	if err != nil {
		return fmt.Errorf("%w: del %s: %v", store.ErrUnavailable, name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, name)
	}
	return nil
}

// ListKeys enumerates all stored record names via SCAN.
func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", store.ErrUnavailable, err)
	}
	return names, nil
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }
