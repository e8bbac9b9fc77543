// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package delayed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`

	// KeyPrefix namespaces the keys, e.g. "recoverbus:orders:".
	KeyPrefix string `mapstructure:"keyPrefix" yaml:"keyPrefix"`

	DialTimeout time.Duration `mapstructure:"dialTimeout" yaml:"dialTimeout"`
}

// DefaultRedisConfig returns a config for a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		KeyPrefix:   "recoverbus:",
		DialTimeout: 5 * time.Second,
	}
}

// Redis key naming conventions
const (
	// dueKeyPattern is the sorted set of timeout ids scored by due time in ms: {prefix}timeouts:due
	dueKeyPattern = "%stimeouts:due"
	// dataKeyPattern is the hash of timeout id to JSON payload: {prefix}timeouts:data
	dataKeyPattern = "%stimeouts:data"
)

// RedisStore keeps timeouts in Redis so they survive restarts.
//
// Key Design:
//   - Due index: {prefix}timeouts:due (sorted set, score = due time in unix ms)
//   - Payloads: {prefix}timeouts:data (hash, field = timeout id)
type RedisStore struct {
	client  redis.UniversalClient
	dueKey  string
	dataKey string
	owned   bool

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies connectivity with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	s := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client. Close does not close it.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		dueKey:  fmt.Sprintf(dueKeyPattern, keyPrefix),
		dataKey: fmt.Sprintf(dataKeyPattern, keyPrefix),
	}
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, t Timeout) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to serialize timeout %s: %w", t.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey, t.ID, data)
		pipe.ZAdd(ctx, s.dueKey, redis.Z{Score: float64(t.DueAt.UnixMilli()), Member: t.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store timeout %s: %w", t.ID, err)
	}
	return nil
}

// Due implements Store.
func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]Timeout, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey, by).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to query due timeouts: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load due timeouts: %w", err)
	}

	timeouts := make([]Timeout, 0, len(ids))
	var orphans []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var t Timeout
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to deserialize timeout %s: %w", ids[i], err)
		}
		timeouts = append(timeouts, t)
	}
	if len(orphans) > 0 {
		// Index entries without payload are left over from a partial remove.
		if err := s.client.ZRem(ctx, s.dueKey, orphans...).Err(); err != nil {
			return nil, fmt.Errorf("failed to drop orphaned timeouts: %w", err)
		}
	}
	return timeouts, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.dueKey, id)
		pipe.HDel(ctx, s.dataKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove timeout %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
