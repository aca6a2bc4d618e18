package lock

import (
	"context"
	"time"
)

// DistributedLock 跨实例互斥原语
// 引擎用它保证集群中同一时刻只有一个实例持有流会话等单例资源
type DistributedLock interface {
	// Lock 获取锁，阻塞直到成功或 ctx 取消
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回是否成功
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放本实例持有的锁
	Unlock(ctx context.Context, key string) error

	// Extend 为本实例持有的锁续期
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 释放底层连接
	Close() error
}

// NopLock 单实例模式下的空实现，所有获取都立即成功
type NopLock struct{}

// NewNopLock 创建空锁
func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
