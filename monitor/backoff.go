package monitor

import (
	"sync"
	"time"
)

// EdgeBackoff 面板轮询的自适应退避状态机
// 健康时用基准间隔，出现失败后收紧，连续失败过多则停止探测，
// 只有操作员显式重试才恢复。状态放在服务端，面板刷新不丢
type EdgeBackoff struct {
	mu sync.Mutex

	healthyInterval  time.Duration
	degradedInterval time.Duration
	disableThreshold int

	failures int
	disabled bool
}

// NewEdgeBackoff 创建退避状态机
func NewEdgeBackoff(healthySec, degradedSec, disableThreshold int) *EdgeBackoff {
	if healthySec <= 0 {
		healthySec = 60
	}
	if degradedSec <= 0 {
		degradedSec = 30
	}
	if disableThreshold <= 0 {
		disableThreshold = 5
	}
	return &EdgeBackoff{
		healthyInterval:  time.Duration(healthySec) * time.Second,
		degradedInterval: time.Duration(degradedSec) * time.Second,
		disableThreshold: disableThreshold,
	}
}

// Report 上报一次边缘探测结果，返回下次建议间隔
// 达到停用阈值后返回 0，表示停止探测直到 Retry
func (b *EdgeBackoff) Report(ok bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		b.disabled = false
		return b.healthyInterval
	}

	b.failures++
	if b.failures >= b.disableThreshold {
		b.disabled = true
		return 0
	}
	return b.degradedInterval
}

// Interval 当前建议间隔，停用时返回 0
func (b *EdgeBackoff) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return 0
	}
	if b.failures > 0 {
		return b.degradedInterval
	}
	return b.healthyInterval
}

// Disabled 是否已停止探测
func (b *EdgeBackoff) Disabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabled
}

// Failures 当前连续失败次数
func (b *EdgeBackoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Retry 操作员手动重试，清零计数并恢复探测
func (b *EdgeBackoff) Retry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.disabled = false
}
