package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 获取失败后的重试间隔
const retryInterval = 100 * time.Millisecond

// RedisLock 基于 Redis SETNX + token 的分布式锁
// 每次加锁生成独立 token，释放和续期都用 Lua 校验持有者，
// 保证过期后被他人抢走的锁不会被本实例误删
type RedisLock struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string // key → 本实例持有的 token
}

// NewRedisLock 创建 Redis 分布式锁
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{
		client: client,
		prefix: prefix,
		tokens: make(map[string]string),
	}
}

// newToken 为单次加锁生成唯一 token
func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock 获取锁，阻塞直到成功或 ctx 取消
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// TryLock 尝试获取锁，立即返回
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := newToken()

	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取分布式锁失败: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// 只有 token 匹配时才删除/续期，避免释放他人的锁
var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Unlock 释放本实例持有的锁
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, held := r.tokens[key]
	r.mu.Unlock()
	if !held {
		return fmt.Errorf("未持有锁: %s", key)
	}

	result, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("释放分布式锁失败: %w", err)
	}

	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()

	if result == 0 {
		return fmt.Errorf("锁已过期或被他人持有: %s", key)
	}
	return nil
}

// Extend 为本实例持有的锁续期
func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	token, held := r.tokens[key]
	r.mu.Unlock()
	if !held {
		return fmt.Errorf("未持有锁: %s", key)
	}

	result, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, token, int(ttl.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("续期分布式锁失败: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("锁已过期或被他人持有: %s", key)
	}
	return nil
}

// Close 关闭 Redis 连接
func (r *RedisLock) Close() error {
	return r.client.Close()
}

// Ping 检查 Redis 连通性
func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
