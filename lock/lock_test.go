package lock

import (
	"context"
	"testing"
	"time"
)

func TestNopLocker(t *testing.T) {
	l := NewNopLocker()
	ctx := context.Background()

	ok, err := l.TryLock(ctx, ElectionKey, time.Second)
	if err != nil {
		t.Fatalf("空锁获取失败: %v", err)
	}
	if !ok {
		t.Error("空锁应该总能获取")
	}
	if err := l.Extend(ctx, ElectionKey, time.Second); err != nil {
		t.Errorf("空锁延期不应该失败: %v", err)
	}
	if err := l.Unlock(ctx, ElectionKey); err != nil {
		t.Errorf("空锁释放不应该失败: %v", err)
	}
}

func TestNewDisabled(t *testing.T) {
	l, err := New(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if _, ok := l.(*NopLocker); !ok {
		t.Error("未启用时应该返回空实现")
	}
}

func TestNewMissingAddr(t *testing.T) {
	if _, err := New(&Config{Enabled: true}); err == nil {
		t.Error("启用但缺少地址应该报错")
	}
}

func TestRedisUnlockWithoutHold(t *testing.T) {
	// 未持有的锁在本地就被拒绝，不会发起网络请求
	l := NewRedisLocker(nil, "test:")
	if err := l.Unlock(context.Background(), "never-held"); err == nil {
		t.Error("释放未持有的锁应该失败")
	}
	if err := l.Extend(context.Background(), "never-held", time.Second); err == nil {
		t.Error("延期未持有的锁应该失败")
	}
}
