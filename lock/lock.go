// Package lock 提供主节点选举用的互斥原语
// 多实例部署时通过 Redis 锁串行化选举；单实例模式退化为空实现，
// 此时选举的原子性由存储层的 CAS 切换保证
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ElectionKey 主节点选举的锁键
const ElectionKey = "failover:election"

// Locker 选举互斥接口
type Locker interface {
	// TryLock 尝试获取锁，立即返回
	// 返回 true 表示成功获取，false 表示锁已被别的实例持有
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 关闭连接
	Close() error
}

// NopLocker 空实现（单实例模式）
type NopLocker struct{}

func NewNopLocker() *NopLocker {
	return &NopLocker{}
}

func (n *NopLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLocker) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLocker) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLocker) Close() error {
	return nil
}

// Config 锁配置
type Config struct {
	Enabled  bool
	Prefix   string
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New 根据配置创建锁实例，未启用时返回 NopLocker
func New(config *Config) (Locker, error) {
	if !config.Enabled {
		return NewNopLocker(), nil
	}

	if config.Addr == "" {
		return nil, fmt.Errorf("分布式锁已启用但缺少 Redis 地址")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	return NewRedisLocker(client, config.Prefix), nil
}
