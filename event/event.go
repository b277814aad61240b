package event

import (
	"sync"
	"time"

	"tradepilot/logger"
)

// Type 事件类型
type Type string

const (
	TypeHealthChanged      Type = "health_changed"
	TypeFailoverExecuted   Type = "failover_executed"
	TypeDeploymentStarted  Type = "deployment_started"
	TypeDeploymentFinished Type = "deployment_finished"
	TypeDeploymentFailed   Type = "deployment_failed"
	TypeBotStatusChanged   Type = "bot_status_changed"
	TypeDesyncDetected     Type = "desync_detected"
	TypeBalanceUpdated     Type = "balance_updated"
	TypeSignalCreated      Type = "signal_created"
	TypeCredentialVerified Type = "credential_verified"
	TypeKillSwitchChanged  Type = "kill_switch_changed"
	TypeDataReset          Type = "data_reset"
)

// Event 事件结构
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]interface{}
}

// Bus 事件总线，支持多订阅者扇出
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *Event
	bufferSize  int
	closed      bool
}

// NewBus 创建事件总线
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Bus{bufferSize: bufferSize}
}

// Publish 发布事件（非阻塞，队列满时丢弃）
func (b *Bus) Publish(e *Event) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", e.Type)
		}
	}
}

// Subscribe 订阅事件，返回接收 channel
func (b *Bus) Subscribe() <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Close 关闭事件总线和所有订阅 channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
